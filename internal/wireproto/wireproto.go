// Package wireproto defines the opaque wire messages exchanged with node
// agents: a typed {type, payload} frame the core treats as an opaque blob
// it builds and hands to NodeRegistry, never parsing the transport framing
// itself.
package wireproto

import (
	"encoding/json"
	"sort"
)

// CommandType enumerates every command the router can dispatch to a node.
type CommandType string

const (
	CommandWake           CommandType = "wake"
	CommandPingHost       CommandType = "ping-host"
	CommandSleepHost      CommandType = "sleep-host"
	CommandShutdownHost   CommandType = "shutdown-host"
	CommandScan           CommandType = "scan"
	CommandScanHostPorts  CommandType = "scan-host-ports"
	CommandUpdateHost     CommandType = "update-host"
	CommandDeleteHost     CommandType = "delete-host"
)

// OutboundMessage is the envelope sent to a node agent.
type OutboundMessage struct {
	Type      CommandType     `json:"type"`
	CommandID string          `json:"commandId"`
	Data      json.RawMessage `json:"data"`
}

// NewOutboundMessage marshals data into an OutboundMessage envelope.
func NewOutboundMessage(commandID string, typ CommandType, data any) (*OutboundMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &OutboundMessage{Type: typ, CommandID: commandID, Data: raw}, nil
}

// InboundType enumerates the frame kinds a node agent sends unprompted
// (results, discoveries, liveness), as opposed to OutboundMessage's
// router-initiated commands.
type InboundType string

const (
	InboundCommandResult  InboundType = "command-result"
	InboundHostDiscovered InboundType = "host-discovered"
	InboundHostUpdated    InboundType = "host-updated"
	InboundHostRemoved    InboundType = "host-removed"
	InboundScanComplete   InboundType = "scan-complete"
	InboundHeartbeat      InboundType = "heartbeat"
)

// InboundMessage is the envelope a node agent writes to the socket; the
// transport layer dispatches on Type and unmarshals Data into the matching
// shape for that frame kind.
type InboundMessage struct {
	Type InboundType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HostRemoved is the inbound shape for a "host-removed" frame.
type HostRemoved struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
}

// WakeData is the payload for a "wake" command.
type WakeData struct {
	HostName string `json:"hostName"`
	Mac      string `json:"mac"`
	WolPort  *int   `json:"wolPort,omitempty"`
	Verify   bool   `json:"verify,omitempty"`
}

// HostActionData is the shared payload shape for ping/sleep/shutdown.
type HostActionData struct {
	HostName     string `json:"hostName"`
	Mac          string `json:"mac"`
	IP           string `json:"ip,omitempty"`
	Confirmation string `json:"confirmation,omitempty"`
}

// ScanData is the payload for a "scan" command.
type ScanData struct {
	Immediate bool `json:"immediate"`
}

// ScanHostPortsData is the payload for a "scan-host-ports" command.
type ScanHostPortsData struct {
	HostName  string `json:"hostName"`
	Mac       string `json:"mac"`
	IP        string `json:"ip,omitempty"`
	Ports     []int  `json:"ports,omitempty"`
	TimeoutMs *int   `json:"timeoutMs,omitempty"`
}

// UpdateHostData merges supplied fields over the current aggregated row.
// Notes/Tags distinguish "not supplied" (nil) from "explicitly cleared"
// (pointer to empty value).
type UpdateHostData struct {
	Name  string          `json:"name"`
	Notes *string         `json:"notes,omitempty"`
	Tags  *json.RawMessage `json:"tags,omitempty"`
}

// DeleteHostData is the payload for a "delete-host" command.
type DeleteHostData struct {
	Name string `json:"name"`
}

// CommandResult is the inbound result correlated to an OutboundMessage by
// CommandID. Fields beyond Success/Error are opaque pass-through data the
// router never interprets itself.
type CommandResult struct {
	CommandID        string          `json:"commandId"`
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	State            string          `json:"state,omitempty"`
	Message          string          `json:"message,omitempty"`
	HostPing         json.RawMessage `json:"hostPing,omitempty"`
	HostPortScan     json.RawMessage `json:"hostPortScan,omitempty"`
	WakeVerification json.RawMessage `json:"wakeVerification,omitempty"`
	CorrelationID    string          `json:"correlationId,omitempty"`
	Timestamp        string          `json:"timestamp,omitempty"`
}

// HostDiscovery is the inbound shape for host-discovered/host-updated events.
type HostDiscovery struct {
	NodeID         string  `json:"nodeId"`
	Name           string  `json:"name"`
	Mac            string  `json:"mac"`
	SecondaryMacs  []string `json:"secondaryMacs,omitempty"`
	IP             string  `json:"ip"`
	WolPort        *int    `json:"wolPort,omitempty"`
	Status         string  `json:"status"`
	Location       string  `json:"location"`
	Discovered     bool    `json:"discovered,omitempty"`
	PingResponsive *bool   `json:"pingResponsive,omitempty"`
}

// ScanComplete is the inbound shape for a scan.complete notification.
type ScanComplete struct {
	NodeID    string `json:"nodeId"`
	HostCount int    `json:"hostCount"`
}

// MaxScanHostPorts caps the normalized port list size for a
// "scan-host-ports" command.
const MaxScanHostPorts = 1024

// NormalizePortList filters ports to the valid range [1, 65535],
// deduplicates, sorts ascending, and caps the result at MaxScanHostPorts.
func NormalizePortList(ports []int) []int {
	seen := make(map[int]bool, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p < 1 || p > 65535 || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Ints(out)
	if len(out) > MaxScanHostPorts {
		out = out[:MaxScanHostPorts]
	}
	return out
}
