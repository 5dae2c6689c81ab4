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

// loadCommand reads a local tarball and loads it into a running daemon,
// the same contract "docker load" offers.
func loadCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "load",
		Usage: "load a local tarball into a running daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagFile, Aliases: []string{"f"}, Required: true, Usage: "read the image from this tarball path"},
			&cli.StringFlag{Name: flagSocket, Value: "/var/run/docker.sock"},
			&cli.StringSliceFlag{Name: flagRepoTag, Usage: "repo:tag to record against the loaded image; may be repeated"},
		},
		Action: func(c *cli.Context) error {
			if err := requireFile(c.String(flagFile), flagFile); err != nil {
				return err
			}
			source, err := tarball.NewSource(c.String(flagFile))
			if err != nil {
				return err
			}
			sink, err := daemon.NewLoader(daemon.LoaderOptions{
				Socket:   c.String(flagSocket),
				RepoTags: c.StringSlice(flagRepoTag),
				Log:      log,
			})
			if err != nil {
				return err
			}
			return stream.Run(c.Context, source, sink)
		},
	}
}
