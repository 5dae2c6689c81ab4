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

// Package reference parses image references of the form
// "[registry-host/]repository[:tag|@digest]", the same Docker-familiar
// shorthand normalized by github.com/docker/distribution/reference.
package reference

import (
	"strings"

	dockerref "github.com/docker/distribution/reference"

	"github.com/tetratelabs/occystrap/internal/ocierr"
)

// Reference is a parsed image descriptor: (registry-host, repository,
// reference), where reference is either a tag or a sha256 digest.
type Reference struct {
	domain, path, tag, digest string
}

// MustParse calls Parse or panics on error. Intended for tests and
// compile-time constant references.
func MustParse(ref string) *Reference {
	r, err := Parse(ref)
	if err != nil {
		panic(err)
	}
	return r
}

// Parse parses ref, defaulting a bare "library/"-prefix-free image like
// "alpine" or "envoyproxy/envoy" to domain "docker.io", the same
// familiar-name handling "docker pull" applies.
func Parse(ref string) (*Reference, error) {
	if ref == "" {
		return nil, ocierr.New(ocierr.InvalidInput, "empty reference")
	}

	named, err := dockerref.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, ocierr.Wrap(ocierr.InvalidInput, ref, err)
	}
	named = dockerref.TagNameOnly(named)

	r := &Reference{
		domain: dockerref.Domain(named),
		path:   dockerref.Path(named),
	}

	switch v := named.(type) {
	case dockerref.Canonical:
		r.digest = v.Digest().String()
	case dockerref.NamedTagged:
		r.tag = v.Tag()
	default:
		// TagNameOnly gives a bare name the "latest" tag above, so this is
		// only reachable for a reference with neither tag nor digest, which
		// it does not leave behind.
		return nil, ocierr.New(ocierr.InvalidInput, ref+": expected a tagged or digested reference")
	}
	return r, nil
}

// Domain is the registry host, e.g. "docker.io" or "ghcr.io".
func (r *Reference) Domain() string { return r.domain }

// Path is the repository path, e.g. "library/alpine" or "envoyproxy/envoy".
func (r *Reference) Path() string { return r.path }

// Tag is the tag portion, or "" when this is a digest reference.
func (r *Reference) Tag() string { return r.tag }

// Digest is the "sha256:<hex>" portion, or "" when this is a tag reference.
func (r *Reference) Digest() string { return r.digest }

// IsDigest reports whether this reference names a content digest rather
// than a mutable tag.
func (r *Reference) IsDigest() bool { return r.digest != "" }

// ReferenceOrTag returns whichever of Tag/Digest is set, the value to use
// on the wire in "GET /v2/<path>/manifests/<ref>".
func (r *Reference) ReferenceOrTag() string {
	if r.digest != "" {
		return r.digest
	}
	return r.tag
}

// String implements fmt.Stringer.
func (r *Reference) String() string {
	var b strings.Builder
	b.WriteString(r.domain)
	b.WriteByte('/')
	b.WriteString(r.path)
	if r.digest != "" {
		b.WriteByte('@')
		b.WriteString(r.digest)
	} else {
		b.WriteByte(':')
		b.WriteString(r.tag)
	}
	return b.String()
}
