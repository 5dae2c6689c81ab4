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

// Package cmd implements the occystrap CLI: a handful of subcommands,
// each wiring one stream.Source to one stream.Sink chain and running it
// with stream.Run. It is intentionally thin: all the domain logic lives
// in the internal packages this merely assembles.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// validationError is a marker of a flag validation error vs an
// execution one, so Run can print usage only for the former.
type validationError struct {
	string
}

// Error implements the error interface.
func (e *validationError) Error() string {
	return e.string
}

// Run handles all error logging and exit coding so that no other place
// needs to.
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	log := logrus.New()
	log.SetOutput(stderr)

	app := newApp(log)
	app.Writer = stdout
	app.ErrWriter = stderr
	if err := app.RunContext(ctx, args); err != nil {
		if _, ok := err.(*validationError); ok {
			fmt.Fprintln(stderr, err) //nolint
			logUsageError(app.Name, stderr)
		} else {
			fmt.Fprintln(stderr, "error:", err) //nolint
		}
		return 1
	}
	return 0
}

func logUsageError(name string, stderr io.Writer) {
	fmt.Fprintln(stderr, "show usage with:", name, "help") //nolint
}

func newApp(log *logrus.Logger) *cli.App {
	return &cli.App{
		Name:  "occystrap",
		Usage: "occystrap moves container images between registries, daemons, tarballs, and directories",
		OnUsageError: func(c *cli.Context, err error, isSub bool) error {
			return &validationError{err.Error()}
		},
		Before: func(c *cli.Context) error {
			if lvl := c.String(flagLogLevel); lvl != "" {
				parsed, err := logrus.ParseLevel(lvl)
				if err != nil {
					return &validationError{fmt.Sprintf("invalid [%s] flag: %s", flagLogLevel, err)}
				}
				log.SetLevel(parsed)
			}
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "log level: panic, fatal, error, warn, info, debug, trace",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			pullCommand(log),
			pushCommand(log),
			saveCommand(log),
			loadCommand(log),
			inspectCommand(log),
			searchCommand(log),
			listCommand(log),
		},
	}
}
