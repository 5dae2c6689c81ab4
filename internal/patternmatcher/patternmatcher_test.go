// Copyright 2021 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain arg copy of the License at
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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		input    string
		expected bool
	}{
		{
			name:     "no patterns",
			input:    "app/main.py",
			expected: true,
		},
		{
			name:     "no pattern matches",
			input:    "app/main.py",
			patterns: []string{"usr/local/sbin", "etc"},
		},
		{
			name:     "only pattern matches (exact)",
			input:    "app/__pycache__/main.cpython-311.pyc",
			patterns: []string{"app/__pycache__/main.cpython-311.pyc"},
			expected: true,
		},
		{
			name:     "only pattern matches (glob)",
			input:    "app/__pycache__/main.cpython-311.pyc",
			patterns: []string{"*__pycache__*"},
			expected: true,
		},
		{
			name:     "one pattern matches",
			input:    "app/__pycache__/main.cpython-311.pyc",
			patterns: []string{"*__pycache__*", "etc"},
			expected: true,
		},
	}

	for _, tc := range tests {
		tc := tc // pin! see https://github.com/kyoh86/scopelint for why

		t.Run(tc.name, func(t *testing.T) {
			pm := New(tc.patterns)
			require.Equal(t, tc.expected, pm.MatchesPattern(tc.input))
		})
	}
}

func TestUnmatched(t *testing.T) {
	tests := []struct {
		name             string
		patterns, inputs []string
		expected         []string
	}{
		{
			name:     "no patterns",
			inputs:   []string{"app/main.py"},
			expected: []string{},
		},
		{
			name:     "no pattern matches",
			patterns: []string{"usr/local/bin", "etc"},
			inputs:   []string{"app/main.py"},
			expected: []string{"usr/local/bin", "etc"},
		},
		{
			name:     "only pattern matches (exact)",
			patterns: []string{"app/__pycache__/main.cpython-311.pyc"},
			inputs:   []string{"app/__pycache__/main.cpython-311.pyc"},
			expected: []string{},
		},
		{
			name:     "only pattern matches (glob)",
			patterns: []string{"*__pycache__*"},
			inputs:   []string{"app/__pycache__/main.cpython-311.pyc"},
			expected: []string{},
		},
		{
			name:     "one pattern matches",
			patterns: []string{"*__pycache__*", "etc"},
			inputs:   []string{"app/__pycache__/main.cpython-311.pyc"},
			expected: []string{"etc"},
		},
		{
			name:     "all patterns match",
			patterns: []string{"*__pycache__*", "app/__pycache__/main.cpython-311.pyc"},
			inputs:   []string{"app/__pycache__/main.cpython-311.pyc"},
			expected: []string{},
		},
	}

	for _, tc := range tests {
		tc := tc // pin! see https://github.com/kyoh86/scopelint for why

		t.Run(tc.name, func(t *testing.T) {
			pm := New(tc.patterns)
			for _, p := range tc.inputs {
				pm.MatchesPattern(p)
			}
			require.ElementsMatch(t, tc.expected, pm.Unmatched())
		})
	}
}
