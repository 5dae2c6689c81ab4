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

	"github.com/tetratelabs/occystrap/internal/filter"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// listCommand is the tar-tf equivalent: it lists every file across every
// layer of an image, without extracting anything. It is SearchFilter
// with a match-everything pattern, grouped by layer.
func listCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list every file across every layer of an image",
		Flags: append(sourceFlags(),
			&cli.BoolFlag{Name: flagScriptFriendly, Usage: "print image:tag:layer-digest:path instead of grouped output"},
			&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Usage: "write the listing here instead of stdout"},
		),
		Action: func(c *cli.Context) error {
			source, imageRef, err := buildSource(c, log)
			if err != nil {
				return err
			}
			out, closeOut, err := resolveOutWriter(c)
			if err != nil {
				return err
			}
			defer closeOut()
			sink := &filter.Search{
				Pattern:        "*",
				ScriptFriendly: c.Bool(flagScriptFriendly),
				ImageRef:       imageRef,
				Out:            out,
				Wrapped:        stream.NopSink{},
			}
			return stream.Run(c.Context, source, sink)
		},
	}
}
