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

// Package httpclient is a convenience wrapper for http.Client that
// consolidates the handful of request shapes occystrap's registry and
// daemon clients need: GET with content negotiation, HEAD for dedup
// probes, and POST/PUT for uploads.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	urlpkg "net/url"

	"github.com/tetratelabs/occystrap/internal/ocierr"
)

// HTTPClient is a convenience wrapper for http.Client that consolidates
// common logic. Use ContextWithTransport when testing.
type HTTPClient interface {
	// Get returns the body and media type of url. The caller must close
	// the body. mediaType is stripped of qualifiers, e.g.
	// "Content-Type: application/json; charset=utf-8" yields "application/json".
	Get(ctx context.Context, url string, header http.Header) (body io.ReadCloser, mediaType string, err error)
	// GetJSON is a convenience function that calls json.Unmarshal after Get.
	GetJSON(ctx context.Context, url, accept string, v interface{}) error
	// Head issues a HEAD request and returns the status code and response
	// headers without a body, used for registry blob-exists probes.
	Head(ctx context.Context, url string, header http.Header) (status int, respHeader http.Header, err error)
	// Post issues a POST with body and returns the status code, response
	// headers (the caller typically wants Location), and response body.
	Post(ctx context.Context, url string, header http.Header, body io.Reader) (status int, respHeader http.Header, respBody io.ReadCloser, err error)
	// Put issues a PUT with body and returns the status code and response
	// headers.
	Put(ctx context.Context, url string, header http.Header, body io.Reader) (status int, respHeader http.Header, err error)
}

type httpClient struct{ client http.Client }

// New returns a client that implicitly authenticates when its transport
// needs to. Use ContextWithTransport when testing.
func New(transport http.RoundTripper) HTTPClient {
	return &httpClient{client: http.Client{Transport: transport}}
}

type contextClientTransportKey struct{}

// TransportFromContext returns an http.RoundTripper for use as an
// http.Client Transport from the context, or http.DefaultTransport.
func TransportFromContext(ctx context.Context) http.RoundTripper {
	if v, ok := ctx.Value(contextClientTransportKey{}).(http.RoundTripper); ok {
		return v
	}
	return http.DefaultTransport
}

// ContextWithTransport returns a context carrying transport for use as
// an http.Client Transport.
func ContextWithTransport(ctx context.Context, transport http.RoundTripper) context.Context {
	return context.WithValue(ctx, contextClientTransportKey{}, transport)
}

func (h *httpClient) do(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error) {
	u, err := urlpkg.Parse(url)
	if err != nil {
		return nil, ocierr.Wrap(ocierr.InvalidInput, url, err)
	}

	hdr := http.Header{}
	if len(header) > 0 {
		hdr = header.Clone()
	}
	hdr.Set("User-Agent", "occystrap/dev")

	var rc io.ReadCloser
	if body != nil {
		var ok bool
		rc, ok = body.(io.ReadCloser)
		if !ok {
			rc = io.NopCloser(body)
		}
	}
	req := &http.Request{Method: method, URL: u, Header: hdr, Body: rc}
	// ociauth.RoundTripper retries the request on a 401 by replaying
	// GetBody, so it has to be populated for any body that can be
	// re-read from the start. Every PUT/POST in this codebase uploads
	// from a seekable body (a bytes.Reader, or the daemon loader's
	// *os.File), so seeking back to 0 is always enough to get a fresh
	// reader for the retry.
	if seeker, ok := body.(io.Seeker); ok {
		req.GetBody = func() (io.ReadCloser, error) {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			if rc, ok := body.(io.ReadCloser); ok {
				return rc, nil
			}
			return io.NopCloser(body), nil
		}
	}
	res, err := h.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, ocierr.Wrap(ocierr.TransportError, url, err)
	}
	return res, nil
}

func (h *httpClient) Get(ctx context.Context, url string, header http.Header) (io.ReadCloser, string, error) {
	res, err := h.do(ctx, http.MethodGet, url, header, nil)
	if err != nil {
		return nil, "", err
	}
	switch res.StatusCode {
	case http.StatusOK:
		// fall through
	case http.StatusNotFound:
		res.Body.Close() //nolint
		return nil, "", ocierr.New(ocierr.NotFound, url)
	case http.StatusUnauthorized:
		res.Body.Close() //nolint
		return nil, "", ocierr.New(ocierr.Unauthorized, url)
	default:
		res.Body.Close() //nolint
		return nil, "", ocierr.New(ocierr.ProtocolError, fmt.Sprintf("%s: received %v status code", url, res.StatusCode))
	}

	mediaType, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type")) // strip qualifiers
	return res.Body, mediaType, nil
}

func (h *httpClient) GetJSON(ctx context.Context, url, accept string, v interface{}) error {
	header := http.Header{}
	header.Add("Accept", accept)
	body, _, err := h.Get(ctx, url, header)
	if err != nil {
		return err
	}
	defer body.Close()         //nolint
	b, err := io.ReadAll(body) // fully read the response
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, url, err)
	}
	if err = json.Unmarshal(b, v); err != nil {
		return ocierr.Wrap(ocierr.ProtocolError, url, err)
	}
	return nil
}

func (h *httpClient) Head(ctx context.Context, url string, header http.Header) (int, http.Header, error) {
	res, err := h.do(ctx, http.MethodHead, url, header, nil)
	if err != nil {
		return 0, nil, err
	}
	res.Body.Close() //nolint
	return res.StatusCode, res.Header, nil
}

func (h *httpClient) Post(ctx context.Context, url string, header http.Header, body io.Reader) (int, http.Header, io.ReadCloser, error) {
	res, err := h.do(ctx, http.MethodPost, url, header, body)
	if err != nil {
		return 0, nil, nil, err
	}
	return res.StatusCode, res.Header, res.Body, nil
}

func (h *httpClient) Put(ctx context.Context, url string, header http.Header, body io.Reader) (int, http.Header, error) {
	res, err := h.do(ctx, http.MethodPut, url, header, body)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close() //nolint
	return res.StatusCode, res.Header, nil
}
