// pkg/ztcli/ztcli.go - adapter around the ZeroTier One command-line client.
// The client's stdout/stderr text is the only contract we have with it.

package ztcli

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/windowsadmins/ztsetup/pkg/logging"
	"github.com/windowsadmins/ztsetup/pkg/runner"
)

// UnknownNodeID is the sentinel reported when the node identity cannot be
// resolved. Degraded, not fatal.
const UnknownNodeID = "Unknown"

// StatusAccessDenied is the membership state meaning the join succeeded but
// authorization by the network controller is still pending.
const StatusAccessDenied = "ACCESS_DENIED"

var (
	// `zerotier-one_x64.exe -q info` answers "200 info <10-hex-node-id> <version> <state>".
	infoPattern = regexp.MustCompile(`200 info ([0-9a-fA-F]{10})`)
	// Interface/device names that carry the node identity have the same
	// 10-hex shape.
	nodeIDShape = regexp.MustCompile(`^[0-9a-fA-F]{10}$`)
)

// Network is one entry of `listnetworks -j` output. Only the fields the
// provisioner reads are mapped.
type Network struct {
	ID             string `json:"nwid"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	PortDeviceName string `json:"portDeviceName"`
}

// Client drives the installed CLI binary.
type Client struct {
	Runner runner.Runner
	Path   string

	// SettleDelay is waited before the first identity query so a freshly
	// started service has a moment to come up. Zero in tests.
	SettleDelay time.Duration
}

// New returns a Client for the CLI at path.
func New(r runner.Runner, path string) *Client {
	return &Client{Runner: r, Path: path, SettleDelay: 2 * time.Second}
}

// Join asks the client to join the given network under a hard deadline. The
// raw combined output is returned for classification; on deadline expiry the
// subprocess has been killed and err wraps runner.ErrTimeout.
func (c *Client) Join(ctx context.Context, timeout time.Duration, networkID string) (string, error) {
	return c.Runner.RunWithTimeout(ctx, timeout, c.Path, "-q", "join", networkID)
}

// NodeID resolves the client's own identity. Primary source is the `info`
// subcommand; if its output is unparseable the structured `listnetworks`
// output is scanned for a device name with the identity shape. Both failing
// yields the UnknownNodeID sentinel.
func (c *Client) NodeID() string {
	if c.SettleDelay > 0 {
		time.Sleep(c.SettleDelay)
	}

	_, output, err := c.Runner.Run(c.Path, "-q", "info")
	if err == nil {
		if id, ok := ParseInfoOutput(output); ok {
			return id
		}
		logging.Debug("Unparseable info output, falling back to listnetworks", "output", output)
	} else {
		logging.Warn("info query failed, falling back to listnetworks", "error", err)
	}

	networks, err := c.Networks()
	if err != nil {
		logging.Warn("Node identity could not be resolved", "error", err)
		return UnknownNodeID
	}
	if id, ok := nodeIDFromNetworks(networks); ok {
		return id
	}
	logging.Warn("Node identity not present in network list")
	return UnknownNodeID
}

// Networks returns the parsed `listnetworks -j` output.
func (c *Client) Networks() ([]Network, error) {
	_, output, err := c.Runner.Run(c.Path, "-q", "listnetworks", "-j")
	if err != nil {
		return nil, err
	}
	return ParseNetworks([]byte(output))
}

// NetworkStatus returns the membership status of the named network, or false
// when the client does not list it.
func (c *Client) NetworkStatus(networkID string) (string, bool) {
	networks, err := c.Networks()
	if err != nil {
		logging.Warn("Could not query network status", "network", networkID, "error", err)
		return "", false
	}
	for _, n := range networks {
		if n.ID == networkID {
			return n.Status, true
		}
	}
	return "", false
}

// ParseInfoOutput extracts the node identity from `info` output.
func ParseInfoOutput(output string) (string, bool) {
	m := infoPattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseNetworks decodes the JSON array produced by `listnetworks -j`.
func ParseNetworks(data []byte) ([]Network, error) {
	var networks []Network
	if err := json.Unmarshal(data, &networks); err != nil {
		return nil, err
	}
	return networks, nil
}

func nodeIDFromNetworks(networks []Network) (string, bool) {
	for _, n := range networks {
		if nodeIDShape.MatchString(n.PortDeviceName) {
			return n.PortDeviceName, true
		}
	}
	return "", false
}
