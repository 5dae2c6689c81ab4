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
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/occystrap/internal/compress"
	"github.com/tetratelabs/occystrap/internal/platform"
)

const (
	flagLogLevel        = "log-level"
	flagReference       = "reference"
	flagFile            = "file"
	flagSocket          = "socket"
	flagDaemonImage     = "daemon-image"
	flagDirectory       = "directory"
	flagExpand          = "expand"
	flagMounts          = "mounts"
	flagPlatform        = "platform"
	flagUsername        = "username"
	flagPassword        = "password"
	flagConcurrency     = "concurrency"
	flagCompression     = "compression"
	flagExclude         = "exclude"
	flagNormalizeMtimes = "normalize-mtimes"
	flagRepoTag         = "repo-tag"
	flagOut             = "out"
	flagPattern         = "pattern"
	flagRegex           = "regex"
	flagScriptFriendly  = "script-friendly"
)

// sourceFlags are accepted by the inspect, search and list commands:
// exactly one of --reference, --file, or --daemon-image must be set.
func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  flagReference,
			Usage: "pull the source image from a registry, e.g. envoyproxy/envoy:v1.18.3",
		},
		&cli.StringFlag{
			Name:    flagFile,
			Aliases: []string{"f"},
			Usage:   "read the source image from a local tarball (docker save v1.2 or OCI layout)",
		},
		&cli.StringFlag{
			Name:  flagDaemonImage,
			Usage: "read the source image by streaming it out of a running daemon, e.g. alpine:3.14",
		},
		&cli.StringFlag{
			Name:  flagSocket,
			Usage: "daemon Unix domain socket path",
			Value: "/var/run/docker.sock",
		},
		&cli.StringFlag{
			Name:  flagPlatform,
			Usage: "required when --reference resolves to a multi-arch index, e.g. linux/arm64",
		},
		&cli.StringFlag{
			Name:  flagUsername,
			Usage: "registry username, when --reference requires authentication",
		},
		&cli.StringFlag{
			Name:  flagPassword,
			Usage: "registry password, when --reference requires authentication",
		},
		&cli.IntFlag{
			Name:  flagConcurrency,
			Usage: "worker pool size for registry layer fetch or push",
			Value: 4,
		},
		&cli.StringSliceFlag{
			Name:  flagExclude,
			Usage: "glob pattern to drop matching members from every layer; may be repeated",
		},
		&cli.BoolFlag{
			Name:  flagNormalizeMtimes,
			Usage: "rewrite every layer member's mtime to the Unix epoch",
		},
	}
}

func validatePlatformFlag(s string) (platform.Platform, error) {
	if s == "" {
		return platform.Platform{}, nil
	}
	p, err := platform.Parse(s)
	if err != nil {
		return platform.Platform{}, &validationError{fmt.Sprintf("invalid [%s] flag: %s", flagPlatform, err)}
	}
	return p, nil
}

func validateCompressionFlag(s string) (compress.Format, error) {
	switch s {
	case "", "gzip":
		return compress.Gzip, nil
	case "zstd":
		return compress.Zstd, nil
	case "none":
		return compress.None, nil
	default:
		return compress.None, &validationError{fmt.Sprintf("invalid [%s] flag: %q must be gzip, zstd, or none", flagCompression, s)}
	}
}

func validateDirectoryFlag(dir string) (string, error) {
	if dir == "" {
		return "", &validationError{fmt.Sprintf("[%s] flag is required", flagDirectory)}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &validationError{fmt.Sprintf("invalid [%s] flag: %s", flagDirectory, err)}
	}
	return abs, nil
}

func validateOutPath(c *cli.Context) (string, error) {
	out := c.String(flagOut)
	if out == "" {
		return "", nil // caller falls back to stdout
	}
	abs, err := filepath.Abs(out)
	if err != nil {
		return "", &validationError{fmt.Sprintf("invalid [%s] flag: %s", flagOut, err)}
	}
	return abs, nil
}

func requireFile(path, flag string) error {
	if path == "" {
		return &validationError{fmt.Sprintf("[%s] flag is required", flag)}
	}
	if _, err := os.Stat(path); err != nil {
		return &validationError{fmt.Sprintf("invalid [%s] flag: %s", flag, err)}
	}
	return nil
}
