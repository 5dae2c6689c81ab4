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

// inspectCommand is a read-only tee: it appends one JSON line per image
// to --out, describing each layer's digest, size, and history entry.
func inspectCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "record per-layer size and history metadata for an image as a JSON line",
		Flags: append(sourceFlags(), &cli.StringFlag{
			Name: flagOut, Aliases: []string{"o"}, Required: true,
			Usage: "JSONL file to append the image's metadata to",
		}),
		Action: func(c *cli.Context) error {
			source, imageRef, err := buildSource(c, log)
			if err != nil {
				return err
			}
			out, err := validateOutPath(c)
			if err != nil {
				return err
			}
			sink := &filter.Inspect{ImageRef: imageRef, OutputPath: out, Wrapped: stream.NopSink{}}
			return stream.Run(c.Context, source, sink)
		},
	}
}
