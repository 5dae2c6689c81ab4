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

// Package ocierr defines the structured error kinds shared by every
// source, filter and sink in occystrap.
package ocierr

import "fmt"

// Kind discriminates the error categories a caller needs to react to
// differently, e.g. retrying a TransportError but never an IntegrityError.
type Kind int

const (
	// InvalidInput covers malformed URIs, missing required options, and
	// tarballs that cannot possibly be occystrap inputs (legacy pre-1.10
	// saves, missing manifest.json).
	InvalidInput Kind = iota
	// NotFound covers an absent image, tag, or catalog entry.
	NotFound
	// Unauthorized is surfaced only once the bearer-token dance has also
	// failed.
	Unauthorized
	// ProtocolError covers unknown manifest media types, index entries with
	// no matching platform, and malformed manifest JSON.
	ProtocolError
	// IntegrityError is a digest mismatch on a config or layer blob. It is
	// fatal and must never be retried.
	IntegrityError
	// TransportError is a connection loss or chunked-encoding failure.
	// Confined to the layer downloader's retry loop; everywhere else it
	// is surfaced immediately.
	TransportError
	// IOError covers local disk failures and tar parse failures.
	IOError
	// UnsupportedFormat is an unrecognised compression magic or media type.
	UnsupportedFormat
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case NotFound:
		return "NotFound"
	case Unauthorized:
		return "Unauthorized"
	case ProtocolError:
		return "ProtocolError"
	case IntegrityError:
		return "IntegrityError"
	case TransportError:
		return "TransportError"
	case IOError:
		return "IOError"
	case UnsupportedFormat:
		return "UnsupportedFormat"
	default:
		return "Unknown"
	}
}

// Error is a Kind tagged onto the offending resource and an optional
// wrapped cause: a one-purpose struct callers can type-switch on to
// change exit behavior.
type Error struct {
	Kind     Kind
	Resource string
	Cause    error
}

// New returns an *Error with no wrapped cause.
func New(kind Kind, resource string) *Error {
	return &Error{Kind: kind, Resource: resource}
}

// Wrap returns an *Error annotating cause with a Kind and resource.
func Wrap(kind Kind, resource string, cause error) *Error {
	return &Error{Kind: kind, Resource: resource, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Resource)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Resource, e.Cause)
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, ocierr.New(ocierr.NotFound, "")) ignoring the
// resource text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
