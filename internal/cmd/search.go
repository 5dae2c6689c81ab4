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
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/occystrap/internal/filter"
	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// searchCommand is a read-only tee: it reports every tar member across
// every layer matching --pattern, grouped by layer or, with
// --script-friendly, as one "image:tag:digest:path" line per match.
func searchCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "find files matching a glob or regex across every layer of an image",
		Flags: append(sourceFlags(),
			&cli.StringFlag{Name: flagPattern, Required: true, Usage: "glob (default) or regular expression to match file paths"},
			&cli.BoolFlag{Name: flagRegex, Usage: "treat --pattern as a regular expression instead of a glob"},
			&cli.BoolFlag{Name: flagScriptFriendly, Usage: "print image:tag:layer-digest:path instead of grouped output"},
			&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Usage: "write matches here instead of stdout"},
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
				Pattern:        c.String(flagPattern),
				Regex:          c.Bool(flagRegex),
				ScriptFriendly: c.Bool(flagScriptFriendly),
				ImageRef:       imageRef,
				Out:            out,
				Wrapped:        stream.NopSink{},
			}
			return stream.Run(c.Context, source, sink)
		},
	}
}

// resolveOutWriter opens --out when set, else returns c.App.Writer (or
// os.Stdout when running outside a configured cli.App).
func resolveOutWriter(c *cli.Context) (io.Writer, func(), error) {
	path, err := validateOutPath(c)
	if err != nil {
		return nil, nil, err
	}
	if path == "" {
		w := c.App.Writer
		if w == nil {
			w = os.Stdout
		}
		return w, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, ocierr.Wrap(ocierr.IOError, path, err)
	}
	return f, func() { f.Close() }, nil
}
