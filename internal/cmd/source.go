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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/occystrap/internal/daemon"
	"github.com/tetratelabs/occystrap/internal/filter"
	"github.com/tetratelabs/occystrap/internal/ociauth"
	"github.com/tetratelabs/occystrap/internal/reference"
	"github.com/tetratelabs/occystrap/internal/registrypull"
	"github.com/tetratelabs/occystrap/internal/stream"
	"github.com/tetratelabs/occystrap/internal/tarball"
)

func parseReference(ref string) (*reference.Reference, error) {
	return reference.Parse(ref)
}

// buildSource picks exactly one of --reference, --file, --daemon-image
// and returns a stream.Source plus an "image:tag" label for output
// naming. Exactly one of those three flags must be set.
func buildSource(c *cli.Context, log *logrus.Logger) (src stream.Source, imageRef string, err error) {
	ref := c.String(flagReference)
	file := c.String(flagFile)
	daemonImage := c.String(flagDaemonImage)

	set := 0
	for _, s := range []string{ref, file, daemonImage} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, "", &validationError{fmt.Sprintf("exactly one of [%s], [%s], [%s] is required",
			flagReference, flagFile, flagDaemonImage)}
	}

	switch {
	case ref != "":
		return buildRegistrySource(c, log, ref)
	case file != "":
		if err := requireFile(file, flagFile); err != nil {
			return nil, "", err
		}
		s, err := tarball.NewSource(file)
		if err != nil {
			return nil, "", err
		}
		return s, file, nil
	default:
		s := daemon.NewStreamer(daemon.StreamerOptions{
			Socket:    c.String(flagSocket),
			Reference: daemonImage,
			Log:       log,
		})
		return s, daemonImage, nil
	}
}

func buildRegistrySource(c *cli.Context, log *logrus.Logger, ref string) (stream.Source, string, error) {
	r, err := parseReference(ref)
	if err != nil {
		return nil, "", &validationError{err.Error()}
	}
	p, err := validatePlatformFlag(c.String(flagPlatform))
	if err != nil {
		return nil, "", err
	}
	s, err := registrypull.New(c.Context, registrypull.Options{
		Reference:   r,
		Platform:    p,
		Credentials: credentialsFromFlags(c),
		Concurrency: c.Int(flagConcurrency),
		Log:         log,
	}, nil)
	if err != nil {
		return nil, "", err
	}
	return s, r.Path() + ":" + r.ReferenceOrTag(), nil
}

func credentialsFromFlags(c *cli.Context) ociauth.Credentials {
	return ociauth.Credentials{
		Username: c.String(flagUsername),
		Password: c.String(flagPassword),
	}
}

// wrapFilters applies the shared --exclude/--normalize-mtimes filters
// around terminal, in that order (exclude first, so normalization never
// touches members about to be dropped).
func wrapFilters(c *cli.Context, log *logrus.Logger, terminal stream.Sink) stream.Sink {
	sink := terminal
	if c.Bool(flagNormalizeMtimes) {
		sink = &filter.TimestampNormalizer{MTime: time.Time{}, Wrapped: sink}
	}
	if patterns := c.StringSlice(flagExclude); len(patterns) > 0 {
		sink = &filter.Exclude{Patterns: patterns, Log: log, Wrapped: sink}
	}
	return sink
}
