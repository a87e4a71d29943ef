// Package goalstate implements the two-step goal state handshake with the
// hypervisor wire server: fetch the current goal state, then report health
// against it.
package goalstate

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/openfroyo/guestinit/pkg/engine"
	"github.com/openfroyo/guestinit/pkg/transports/wire"
	"github.com/rs/zerolog"
)

const (
	// DefaultEndpoint is the wire server machine endpoint.
	DefaultEndpoint = "http://168.63.129.16/machine/"

	// ProtocolVersion is sent as x-ms-version.
	ProtocolVersion = "2012-11-30"

	// StateReady is the only state this agent reports.
	StateReady = "Ready"
)

// Config configures the goal state client.
type Config struct {
	Endpoint  string
	AgentName string
}

// DefaultConfig returns the well-known wire server configuration.
func DefaultConfig() Config {
	return Config{Endpoint: DefaultEndpoint, AgentName: "guestinit"}
}

// GoalState identifies the unit of work issued by the hypervisor.
type GoalState struct {
	Version     string
	Incarnation string
	ContainerID string
	InstanceID  string
}

type goalStateDocument struct {
	XMLName     xml.Name `xml:"GoalState"`
	Version     string   `xml:"Version"`
	Incarnation string   `xml:"Incarnation"`
	Container   struct {
		ContainerID      string `xml:"ContainerId"`
		RoleInstanceList struct {
			RoleInstance []struct {
				InstanceID string `xml:"InstanceId"`
			} `xml:"RoleInstance"`
		} `xml:"RoleInstanceList"`
	} `xml:"Container"`
}

// HealthReport is the document posted back to the wire server.
type HealthReport struct {
	XMLName              xml.Name        `xml:"Health"`
	GoalStateIncarnation string          `xml:"GoalStateIncarnation"`
	Container            healthContainer `xml:"Container"`
}

type healthContainer struct {
	ContainerID      string     `xml:"ContainerId"`
	RoleInstanceList []roleItem `xml:"RoleInstanceList>Role"`
}

type roleItem struct {
	InstanceID string `xml:"InstanceId"`
	State      string `xml:"Health>State"`
}

// NewHealthReport builds a Ready report referencing gs.
func NewHealthReport(gs *GoalState) *HealthReport {
	return &HealthReport{
		GoalStateIncarnation: gs.Incarnation,
		Container: healthContainer{
			ContainerID:      gs.ContainerID,
			RoleInstanceList: []roleItem{{InstanceID: gs.InstanceID, State: StateReady}},
		},
	}
}

// Client talks to the wire server.
type Client struct {
	transport *wire.Client
	config    Config
	logger    zerolog.Logger
}

// NewClient creates a goal state client on top of a shared transport.
func NewClient(transport *wire.Client, config Config, logger zerolog.Logger) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	return &Client{
		transport: transport,
		config:    config,
		logger:    logger.With().Str("component", "goalstate").Logger(),
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("x-ms-version", ProtocolVersion)
	if c.config.AgentName != "" {
		h.Set("x-ms-agent-name", c.config.AgentName)
	}
	return h
}

func (c *Client) url(comp string) string {
	sep := "?"
	if strings.Contains(c.config.Endpoint, "?") {
		sep = "&"
	}
	return c.config.Endpoint + sep + "comp=" + comp
}

// GetGoalState fetches and parses the current goal state.
func (c *Client) GetGoalState(ctx context.Context) (*GoalState, error) {
	resp, err := c.transport.Do(ctx, wire.Request{
		Op:     "goalstate.get",
		Method: http.MethodGet,
		URL:    c.url("goalstate"),
		Header: c.header(),
	})
	if err != nil {
		return nil, engine.NewTransportError("goalstate.get", err).WithResource("goalstate")
	}

	gs, err := ParseGoalState(resp.Body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Str("incarnation", gs.Incarnation).
		Str("container_id", gs.ContainerID).
		Str("instance_id", gs.InstanceID).
		Msg("Fetched goal state")
	return gs, nil
}

// ParseGoalState decodes a goal state document. Incarnation, container id
// and instance id are required.
func ParseGoalState(data []byte) (*GoalState, error) {
	var doc goalStateDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewMalformedError("goalstate", "failed to parse goal state", err)
	}

	gs := &GoalState{
		Version:     strings.TrimSpace(doc.Version),
		Incarnation: strings.TrimSpace(doc.Incarnation),
		ContainerID: strings.TrimSpace(doc.Container.ContainerID),
	}
	if len(doc.Container.RoleInstanceList.RoleInstance) > 0 {
		gs.InstanceID = strings.TrimSpace(doc.Container.RoleInstanceList.RoleInstance[0].InstanceID)
	}

	var missing []string
	if gs.Incarnation == "" {
		missing = append(missing, "Incarnation")
	}
	if gs.ContainerID == "" {
		missing = append(missing, "ContainerId")
	}
	if gs.InstanceID == "" {
		missing = append(missing, "InstanceId")
	}
	if len(missing) > 0 {
		return nil, engine.NewMalformedError("goalstate",
			fmt.Sprintf("goal state is missing %s", strings.Join(missing, ", ")), nil)
	}
	return gs, nil
}

// ReportHealth posts a Ready health report referencing gs.
func (c *Client) ReportHealth(ctx context.Context, gs *GoalState) error {
	body, err := xml.Marshal(NewHealthReport(gs))
	if err != nil {
		return fmt.Errorf("failed to encode health report: %w", err)
	}

	header := c.header()
	header.Set("Content-Type", "text/xml;charset=utf-8")

	_, err = c.transport.Do(ctx, wire.Request{
		Op:     "goalstate.report",
		Method: http.MethodPost,
		URL:    c.url("health"),
		Header: header,
		Body:   append([]byte(xml.Header), body...),
	})
	if err != nil {
		return engine.NewTransportError("goalstate.report", err).WithResource("goalstate")
	}

	c.logger.Info().Str("incarnation", gs.Incarnation).Msg("Reported health")
	return nil
}
