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
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/occystrap/internal/daemon"
	"github.com/tetratelabs/occystrap/internal/stream"
	"github.com/tetratelabs/occystrap/internal/tarball"
)

// saveCommand streams an image out of a running daemon into a local
// tarball, the same contract "docker save" offers.
func saveCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "save",
		Usage: "save an image from a running daemon to a local tarball",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagDaemonImage, Required: true, Usage: "daemon image to save, e.g. alpine:3.14"},
			&cli.StringFlag{Name: flagSocket, Value: "/var/run/docker.sock"},
			&cli.StringFlag{Name: flagFile, Aliases: []string{"o"}, Required: true, Usage: "write the save-tarball to this path"},
		},
		Action: func(c *cli.Context) error {
			source := daemon.NewStreamer(daemon.StreamerOptions{
				Socket:    c.String(flagSocket),
				Reference: c.String(flagDaemonImage),
				Log:       log,
			})
			sink, err := tarball.NewWriter(c.String(flagFile), tarball.WriterOptions{
				Layout:   tarball.LayoutLegacy,
				RepoTags: []string{c.String(flagDaemonImage)},
			})
			if err != nil {
				return err
			}
			return stream.Run(c.Context, source, sink)
		},
	}
}
