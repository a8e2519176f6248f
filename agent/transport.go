// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/principal"
)

// ContentTypeCBOR is the content type of all request and response bodies.
const ContentTypeCBOR = "application/cbor"

// DefaultMaxResponseSize bounds the response bodies that are read.
const DefaultMaxResponseSize = 8 << 20

// ErrResponseTooLarge is returned for response bodies above the limit of the
// transport.
var ErrResponseTooLarge = errors.New("response body too large")

// Response is the answer of a Transport.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends a request to a replica. Implementations must not retry.
type Transport interface {
	Do(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error)
}

// HTTPTransport is the Transport over an *http.Client.
type HTTPTransport struct {
	Client *http.Client
	// MaxResponseSize bounds the response body. Zero means
	// DefaultMaxResponseSize.
	MaxResponseSize int64
}

// DefaultHTTPTransport returns an HTTPTransport with a request timeout.
func DefaultHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: 30 * time.Second}}
}

// Do sends the request and reads the whole response.
func (t *HTTPTransport) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	limit := t.MaxResponseSize
	if limit <= 0 {
		limit = DefaultMaxResponseSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.Wrapf(ErrResponseTooLarge, "more than %d bytes", limit)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// HTTPMeta describes the HTTP response to a call.
type HTTPMeta struct {
	StatusCode int
	Header     http.Header
}

// TransportError is returned for network failures and non-2xx responses.
// The agent does not retry them.
type TransportError struct {
	CanisterID principal.Principal
	Method     string
	Endpoint   string
	// StatusCode and Body are empty for network failures.
	StatusCode int
	Body       []byte
	Err        error
}

func (e *TransportError) Error() string {
	target := fmt.Sprintf("%s %v", e.Endpoint, e.CanisterID)
	if e.Method != "" {
		target += "." + e.Method
	}
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", target, e.Err)
	}
	return fmt.Sprintf("transport: %s: HTTP %d: %s", target, e.StatusCode, bytes.TrimSpace(e.Body))
}

func (e *TransportError) Unwrap() error { return e.Err }
