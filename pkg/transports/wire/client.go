// Package wire provides the bounded-timeout HTTP transport used to talk to
// the hypervisor endpoints (instance metadata and goal state).
package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Request describes a single call to a hypervisor endpoint.
type Request struct {
	// Op names the call for errors, logs and spans (e.g. "imds.query").
	Op     string
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed.
	Op string

	// StatusCode is set when the server answered with a non-2xx status.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client sends requests with a bounded timeout. It never retries.
type Client struct {
	config *Config
	http   *http.Client
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewClient creates a transport client. A nil httpClient gets one built from
// config.Timeout.
func NewClient(config *Config, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{
		config: config,
		http:   httpClient,
		logger: logger.With().Str("component", "wire").Logger(),
		tracer: otel.Tracer("guestinit/wire"),
	}, nil
}

// Do sends req and returns the response. Non-2xx statuses are returned as a
// *TransportError together with the read response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, req.Op, trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, c.fail(span, &TransportError{Op: req.Op, Err: err})
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.config.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().Str("op", req.Op).Str("method", req.Method).Str("url", req.URL).Msg("sending request")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.fail(span, &TransportError{Op: req.Op, Err: err})
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		return nil, c.fail(span, &TransportError{Op: req.Op, Err: fmt.Errorf("read body: %w", err)})
	}
	if int64(len(data)) > c.config.MaxBodyBytes {
		return nil, c.fail(span, &TransportError{Op: req.Op, Err: fmt.Errorf("response body exceeds %d bytes", c.config.MaxBodyBytes)})
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, c.fail(span, &TransportError{Op: req.Op, StatusCode: resp.StatusCode})
	}

	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (c *Client) fail(span trace.Span, err *TransportError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Debug().Err(err).Str("op", err.Op).Msg("request failed")
	return err
}
