// Package upstream talks to the OpenAI-compatible chat completions API the
// proxy sits in front of. Timeouts live on the transport, not the client:
// a client-level deadline would cut long SSE streams short.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vachhanidhyey/llm-intercept/internal/auth"
	"github.com/vachhanidhyey/llm-intercept/internal/version"
)

const completionsPath = "/chat/completions"

// maxErrorBodyBytes caps how much of an upstream error body is folded into
// the error message and stored with the exchange.
const maxErrorBodyBytes = 64 << 10

type Client struct {
	baseURL        string
	requestTimeout time.Duration
	httpClient     *http.Client
}

type Options struct {
	// BaseURL is the upstream API root, e.g. https://api.openai.com/v1.
	BaseURL string
	// ConnectTimeout bounds dial and TLS setup plus the wait for the first
	// response byte.
	ConnectTimeout time.Duration
	// RequestTimeout bounds a whole unary request. Streaming requests are
	// only bounded up to the response headers.
	RequestTimeout time.Duration
	// WrapTransport, when set, wraps the built transport. Used to attach
	// outbound instrumentation.
	WrapTransport func(http.RoundTripper) http.RoundTripper
}

func NewClient(options Options) *Client {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	requestTimeout := options.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 300 * time.Second
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if options.WrapTransport != nil {
		transport = options.WrapTransport(transport)
	}

	return &Client{
		baseURL:        strings.TrimRight(options.BaseURL, "/"),
		requestTimeout: requestTimeout,
		httpClient:     &http.Client{Transport: transport},
	}
}

// StatusError is a non-2xx answer from the upstream. Its message carries the
// status and body verbatim so the proxy can relay it to the client.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (c *Client) newRequest(ctx context.Context, body []byte, credential auth.Credential, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("Authorization", "Bearer "+credential.Key)
	req.Header.Set("User-Agent", version.UserAgent())
	return req, nil
}

// SendUnary posts a non-streaming completion request and returns the raw
// response payload. Elapsed time is reported even on failure so the exchange
// record always carries a duration.
func (c *Client) SendUnary(ctx context.Context, body []byte, credential auth.Credential) (payload []byte, statusCode int, elapsed time.Duration, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	start := time.Now()
	req, err := c.newRequest(ctx, body, credential, "application/json")
	if err != nil {
		return nil, 0, time.Since(start), err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, time.Since(start), fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	elapsed = time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, elapsed, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       truncateErrorBody(raw),
		}
	}
	if readErr != nil {
		return nil, resp.StatusCode, elapsed, fmt.Errorf("read upstream response: %w", readErr)
	}

	return raw, resp.StatusCode, elapsed, nil
}

// Stream is an open SSE response. The caller owns it and must Close it;
// chunks are raw transport reads, each carrying one or more SSE events.
type Stream struct {
	body       io.ReadCloser
	statusCode int
	buf        []byte
}

// OpenStream starts a streaming completion request. A non-2xx answer is
// drained, closed, and returned as a StatusError before any chunk flows.
func (c *Client) OpenStream(ctx context.Context, body []byte, credential auth.Credential) (*Stream, time.Duration, error) {
	start := time.Now()
	req, err := c.newRequest(ctx, body, credential, "text/event-stream")
	if err != nil {
		return nil, time.Since(start), err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, time.Since(start), &StatusError{
			StatusCode: resp.StatusCode,
			Body:       truncateErrorBody(raw),
		}
	}

	return &Stream{
		body:       resp.Body,
		statusCode: resp.StatusCode,
		buf:        make([]byte, 32<<10),
	}, time.Since(start), nil
}

func (s *Stream) StatusCode() int {
	return s.statusCode
}

// Next returns the next raw chunk, io.EOF at natural end, or the transport
// error that interrupted the stream. The returned slice is only valid until
// the following call.
func (s *Stream) Next() ([]byte, error) {
	n, err := s.body.Read(s.buf)
	if n > 0 {
		return s.buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (s *Stream) Close() error {
	return s.body.Close()
}

func truncateErrorBody(raw []byte) string {
	body := strings.TrimSpace(string(raw))
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return body
}
