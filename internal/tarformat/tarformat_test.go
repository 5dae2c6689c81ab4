// Copyright 2021 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tarformat

import (
	"archive/tar"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScan_AllShortMembers_ChoosesUSTAR(t *testing.T) {
	headers := []*tar.Header{
		{Name: "app/main.py", Size: 12},
		{Name: "app/lib/util.py", Size: 4},
	}
	require.Equal(t, tar.FormatUSTAR, Scan(headers))
}

func TestScan_LongUnsplittablePath_ChoosesPAX(t *testing.T) {
	headers := []*tar.Header{
		{Name: strings.Repeat("a", 200) + "/x", Size: 1},
	}
	require.Equal(t, tar.FormatPAX, Scan(headers))
}

func TestScan_NonASCIIPath_ChoosesPAX(t *testing.T) {
	headers := []*tar.Header{
		{Name: "café/menu.txt", Size: 1},
	}
	require.Equal(t, tar.FormatPAX, Scan(headers))
}

func TestScan_LongLinkname_ChoosesPAX(t *testing.T) {
	headers := []*tar.Header{
		{Name: "link", Linkname: strings.Repeat("b", 101), Typeflag: tar.TypeSymlink},
	}
	require.Equal(t, tar.FormatPAX, Scan(headers))
}

func TestScan_LargeUID_ChoosesPAX(t *testing.T) {
	headers := []*tar.Header{
		{Name: "f", Uid: ustarMaxID + 1},
	}
	require.Equal(t, tar.FormatPAX, Scan(headers))
}

func TestScan_SplittablePath_ChoosesUSTAR(t *testing.T) {
	// 90 byte directory prefix (<=155) + "/" + a 90 byte (<=100) filename.
	dir := strings.Repeat("d", 90)
	headers := []*tar.Header{
		{Name: dir + "/" + strings.Repeat("f", 90), Size: 1},
	}
	require.Equal(t, tar.FormatUSTAR, Scan(headers))
}

func TestScan_EmptyMemberSet_ChoosesUSTAR(t *testing.T) {
	require.Equal(t, tar.FormatUSTAR, Scan(nil))
}
