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

package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedStderr string
	}{
		{
			name: "unknown command",
			args: []string{"occystrap", "frobnicate"},
			expectedStderr: "Incorrect Usage: command frobnicate not found\n\n" +
				"show usage with: occystrap help\n",
		},
		{
			name: "missing required reference",
			args: []string{"occystrap", "pull", "--file", "out.tar"},
			expectedStderr: `Required flag "reference" not set` + "\n" +
				"show usage with: occystrap help\n",
		},
		{
			name: "invalid log level",
			args: []string{"occystrap", "--log-level", "icecream", "pull", "--reference", "alpine:3.14", "--file", "out.tar"},
			expectedStderr: "invalid [log-level] flag: not a valid logrus Level: \"icecream\"\n" +
				"show usage with: occystrap help\n",
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			stdout := new(bytes.Buffer)
			stderr := new(bytes.Buffer)

			status := Run(context.Background(), stdout, stderr, test.args)
			require.Equal(t, 1, status)
			require.Equal(t, "", stdout.String())
			require.Equal(t, test.expectedStderr, stderr.String())
		})
	}
}

func TestRunRequiresExactlyOneSource(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	status := Run(context.Background(), stdout, stderr, []string{
		"occystrap", "search", "--pattern", "*.so", "--file", "a.tar", "--reference", "alpine:3.14",
	})
	require.Equal(t, 1, status)
	require.Equal(t, "exactly one of [reference], [file], [daemon-image] is required\n"+
		"show usage with: occystrap help\n", stderr.String())
}
