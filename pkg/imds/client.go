// Package imds queries the hypervisor instance metadata service and extracts
// the provisioning fields guestinit needs from its response.
package imds

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/openfroyo/guestinit/pkg/transports/wire"
	"github.com/rs/zerolog"
)

const (
	// DefaultEndpoint is the link-local instance metadata address.
	DefaultEndpoint = "http://169.254.169.254/metadata/instance"

	// DefaultAPIVersion is the metadata API version requested.
	DefaultAPIVersion = "2021-08-01"
)

// Config configures the metadata client.
type Config struct {
	Endpoint   string
	APIVersion string
}

// DefaultConfig returns the well-known endpoint configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:   DefaultEndpoint,
		APIVersion: DefaultAPIVersion,
	}
}

// Body is the raw JSON document returned by the metadata service.
type Body []byte

// Client queries the instance metadata service.
type Client struct {
	transport *wire.Client
	config    Config
	logger    zerolog.Logger
}

// NewClient creates a metadata client on top of a shared transport.
func NewClient(transport *wire.Client, config Config, logger zerolog.Logger) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}
	return &Client{
		transport: transport,
		config:    config,
		logger:    logger.With().Str("component", "imds").Logger(),
	}
}

// Query fetches the instance metadata document. Failures are not retried.
func (c *Client) Query(ctx context.Context) (Body, error) {
	u, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return nil, engine.NewTransportError("imds.query", fmt.Errorf("invalid endpoint: %w", err))
	}
	q := u.Query()
	q.Set("api-version", c.config.APIVersion)
	u.RawQuery = q.Encode()

	resp, err := c.transport.Do(ctx, wire.Request{
		Op:     "imds.query",
		Method: http.MethodGet,
		URL:    u.String(),
		Header: http.Header{"Metadata": []string{"true"}},
	})
	if err != nil {
		return nil, engine.NewTransportError("imds.query", err).WithResource("imds")
	}

	c.logger.Debug().Int("bytes", len(resp.Body)).Msg("Queried instance metadata")
	return Body(resp.Body), nil
}
