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

package patternmatcher

import (
	"path/filepath"
	"strings"
)

// PatternMatcher is a stateful interface that tracks which of its
// patterns have matched anything yet. ExcludeFilter always rewrites a
// layer's whole tar in one pass regardless of pattern hits — there's no
// point at which it's safe to stop scanning early, since members that
// never match any pattern still have to be copied into the rewritten
// archive — so the only thing worth tracking across a whole image is
// which patterns, if any, matched nothing at all, for Exclude.Finalize's
// "likely a typo" warning.
type PatternMatcher interface {
	// MatchesPattern reports whether name matches any enclosed pattern,
	// using filepath.Match syntax except that "*" and "?" also match '/',
	// as they do in fnmatch.
	MatchesPattern(name string) bool
	// Unmatched returns the patterns MatchesPattern has never matched, yet.
	Unmatched() []string
}

type patternMatcher struct {
	patterns map[string]bool
}

// New returns a possibly no-op PatternMatcher over patterns.
func New(patterns []string) PatternMatcher {
	pm := &patternMatcher{patterns: map[string]bool{}}
	for _, pattern := range patterns {
		pm.patterns[pattern] = false
	}
	return pm
}

func (pm *patternMatcher) MatchesPattern(name string) bool {
	if len(pm.patterns) == 0 {
		return true
	}
	// filepath.Match stops "*" and "?" at '/'; swapping '/' on both sides
	// for a byte that never occurs in a member name lets them span
	// directories.
	subject := strings.ReplaceAll(name, "/", "\x00")
	for pattern := range pm.patterns {
		if ok, _ := filepath.Match(strings.ReplaceAll(pattern, "/", "\x00"), subject); ok {
			pm.patterns[pattern] = true
			return true
		}
	}
	return false
}

func (pm *patternMatcher) Unmatched() []string {
	unmatched := make([]string, 0, len(pm.patterns))
	for pattern, matched := range pm.patterns {
		if !matched {
			unmatched = append(unmatched, pattern)
		}
	}
	return unmatched
}
