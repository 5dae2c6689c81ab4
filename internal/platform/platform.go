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

// Package platform holds the (os, architecture, variant) triple used to
// pick a single manifest out of an OCI image index or Docker manifest
// list.
package platform

import "strings"

const (
	// ArchAmd64 is a Platform.Architecture a.k.a. "x86_64"
	ArchAmd64 = "amd64"
	// ArchArm64 is a Platform.Architecture a.k.a. "aarch64"
	ArchArm64 = "arm64"
	// OSDarwin is a Platform.OS a.k.a. "macOS"
	OSDarwin = "darwin"
	// OSLinux is a Platform.OS
	OSLinux = "linux"
	// OSWindows is a Platform.OS
	OSWindows = "windows"
)

// IsValidArch returns true on a supported runtime.GOARCH
func IsValidArch(arch string) bool {
	return arch == ArchAmd64 || arch == ArchArm64
}

// IsValidOS returns true on a supported runtime.GOOS
func IsValidOS(os string) bool {
	return os == OSDarwin || os == OSLinux || os == OSWindows
}

// Platform is the (os, architecture, variant) triple used to select a
// manifest out of a multi-arch image index.
type Platform struct {
	OS, Architecture, Variant string
}

// String renders "os/arch" or "os/arch/variant" when Variant is set.
func (p Platform) String() string {
	if p.Variant == "" {
		return p.OS + "/" + p.Architecture
	}
	return p.OS + "/" + p.Architecture + "/" + p.Variant
}

// Matches is exact equality on (os, arch, variant), used for first-match
// platform selection. An empty Variant on either side only matches an
// empty Variant on the other, it is not a wildcard.
func (p Platform) Matches(other Platform) bool {
	return p.OS == other.OS && p.Architecture == other.Architecture && p.Variant == other.Variant
}

// Parse splits a "os/arch" or "os/arch/variant" CLI-style string.
func Parse(s string) (Platform, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) < 2 {
		return Platform{}, errInvalidPlatform(s)
	}
	p := Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

type invalidPlatformError string

func (e invalidPlatformError) Error() string {
	return string(e) + ": expected os/arch or os/arch/variant"
}

func errInvalidPlatform(s string) error {
	return invalidPlatformError(s)
}
