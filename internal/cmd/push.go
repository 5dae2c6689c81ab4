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

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/occystrap/internal/daemon"
	"github.com/tetratelabs/occystrap/internal/registrypush"
	"github.com/tetratelabs/occystrap/internal/stream"
	"github.com/tetratelabs/occystrap/internal/tarball"
)

// pushCommand reads an image from a local tarball or a running daemon
// and pushes it to a registry.
func pushCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "push",
		Usage: "push an image from a local tarball or daemon to a registry",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagFile, Aliases: []string{"f"}, Usage: "read the image from this tarball path"},
			&cli.StringFlag{Name: flagDaemonImage, Usage: "read the image from a running daemon, e.g. alpine:3.14"},
			&cli.StringFlag{Name: flagSocket, Value: "/var/run/docker.sock"},
			&cli.StringFlag{Name: flagReference, Required: true, Usage: "destination registry image, e.g. ghcr.io/foo/bar:latest"},
			&cli.StringFlag{Name: flagUsername},
			&cli.StringFlag{Name: flagPassword},
			&cli.IntFlag{Name: flagConcurrency, Value: 4},
			&cli.StringFlag{Name: flagCompression, Usage: "layer compression used on push: gzip (default), zstd, or none"},
			&cli.StringSliceFlag{Name: flagExclude},
			&cli.BoolFlag{Name: flagNormalizeMtimes},
		},
		Action: func(c *cli.Context) error {
			source, err := buildPushSource(c, log)
			if err != nil {
				return err
			}
			r, err := parseReference(c.String(flagReference))
			if err != nil {
				return &validationError{err.Error()}
			}
			compression, err := validateCompressionFlag(c.String(flagCompression))
			if err != nil {
				return err
			}
			sink, err := registrypush.New(c.Context, registrypush.Options{
				Reference:   r,
				Credentials: credentialsFromFlags(c),
				Concurrency: c.Int(flagConcurrency),
				Compression: compression,
				Log:         log,
			}, nil)
			if err != nil {
				return err
			}
			return stream.Run(c.Context, source, wrapFilters(c, log, sink))
		},
	}
}

func buildPushSource(c *cli.Context, log *logrus.Logger) (stream.Source, error) {
	file := c.String(flagFile)
	daemonImage := c.String(flagDaemonImage)
	if (file == "") == (daemonImage == "") {
		return nil, &validationError{fmt.Sprintf("exactly one of [%s], [%s] is required", flagFile, flagDaemonImage)}
	}
	if file != "" {
		if err := requireFile(file, flagFile); err != nil {
			return nil, err
		}
		return tarball.NewSource(file)
	}
	return daemon.NewStreamer(daemon.StreamerOptions{
		Socket:    c.String(flagSocket),
		Reference: daemonImage,
		Log:       log,
	}), nil
}
