package client

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultTimeoutMs      = 1000
	DefaultTickMs         = 100
	DefaultDialTimeoutMs  = 5000
	DefaultMaxOutstanding = 10000
)

// ConnectionTarget is one Redis server. MaxOutstandingRequests and
// TimeoutMs apply when the ClientConfig leaves its own limits unset.
type ConnectionTarget struct {
	Address                string
	Port                   int
	MaxOutstandingRequests int
	TimeoutMs              int
}

func (t ConnectionTarget) Endpoint() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// ParseTarget reads a "host:port" endpoint.
func ParseTarget(endpoint string) (ConnectionTarget, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(endpoint))
	if err != nil {
		return ConnectionTarget{}, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return ConnectionTarget{}, fmt.Errorf("invalid port in endpoint %q", endpoint)
	}
	return ConnectionTarget{Address: host, Port: p}, nil
}

// ClientConfig describes a PipelineClient. Each target becomes one shard;
// Placement picks the router ("jump", "consistent" or "direct").
type ClientConfig struct {
	Targets        []ConnectionTarget
	Placement      string
	TimeoutMs      int
	TickMs         int
	MaxOutstanding int
	ReadBufferSize int
	TCPNoDelay     bool
	DialTimeoutMs  int
	KeepAliveSec   int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.TimeoutMs <= 0 && len(c.Targets) > 0 {
		c.TimeoutMs = c.Targets[0].TimeoutMs
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.TickMs <= 0 {
		c.TickMs = DefaultTickMs
	}
	if c.TickMs > c.TimeoutMs {
		c.TickMs = c.TimeoutMs
	}
	if c.MaxOutstanding <= 0 && len(c.Targets) > 0 {
		c.MaxOutstanding = c.Targets[0].MaxOutstandingRequests
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = DefaultMaxOutstanding
	}
	if c.DialTimeoutMs <= 0 {
		c.DialTimeoutMs = DefaultDialTimeoutMs
	}
	return c
}

// maxAge is the timeout in sweep ticks, rounded up.
func (c ClientConfig) maxAge() int {
	return (c.TimeoutMs + c.TickMs - 1) / c.TickMs
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	placement := c.Placement
	if placement == "" {
		placement = "jump"
	}

	addSection("Client Configuration")
	addField("Placement", placement)
	addField("Timeout", fmt.Sprintf("%d ms", c.TimeoutMs))
	addField("Sweep Interval", fmt.Sprintf("%d ms", c.TickMs))
	addField("Max Outstanding", strconv.Itoa(c.MaxOutstanding))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.ReadBufferSize))
	addField("TCP No Delay", strconv.FormatBool(c.TCPNoDelay))
	addField("Dial Timeout", fmt.Sprintf("%d ms", c.DialTimeoutMs))

	addSection("Targets")
	for i, t := range c.Targets {
		addField(strconv.Itoa(i), t.Endpoint())
	}

	return sb.String()
}
