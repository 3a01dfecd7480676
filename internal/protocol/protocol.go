// Package protocol defines the JSON text frames exchanged between the
// dashboard server and its clients. Frames are flat objects keyed by "type".
package protocol

import (
	"time"

	"github.com/zerotrust-dash/ztdash/internal/telemetry"
)

type MessageType string

// Client -> server.
const (
	MsgSubscribe   MessageType = "subscribe"
	MsgUnsubscribe MessageType = "unsubscribe"
	MsgPing        MessageType = "ping"
	MsgRequestData MessageType = "request_data"
)

// Server -> client.
const (
	MsgConnectionEstablished MessageType = "connection_established"
	MsgPong                  MessageType = "pong"
	MsgDataSnapshot          MessageType = "data_snapshot"
	MsgNewAlert              MessageType = "new_alert"
	MsgMetricsUpdate         MessageType = "metrics_update"
	MsgNetworkUpdate         MessageType = "network_update"
	MsgThreatUpdate          MessageType = "threat_update"
)

// Broadcast channels. A broadcast without a channel reaches every connection.
const (
	ChannelAlerts  = "alerts"
	ChannelMetrics = "metrics"
	ChannelNetwork = "network"
	ChannelThreats = "threats"
)

// AllChannels lists every channel the server publishes on.
var AllChannels = []string{ChannelAlerts, ChannelMetrics, ChannelNetwork, ChannelThreats}

// Inbound is any frame a client sends. Channels is only set for
// subscribe/unsubscribe.
type Inbound struct {
	Type     MessageType `json:"type"`
	Channels []string    `json:"channels,omitempty"`
}

type ConnectionEstablished struct {
	Type        MessageType        `json:"type"`
	ClientID    string             `json:"clientId"`
	Timestamp   time.Time          `json:"timestamp"`
	InitialData telemetry.Snapshot `json:"initialData"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

type DataSnapshot struct {
	Type      MessageType        `json:"type"`
	Data      telemetry.Snapshot `json:"data"`
	Timestamp time.Time          `json:"timestamp"`
}

type NewAlert struct {
	Type      MessageType     `json:"type"`
	Alert     telemetry.Alert `json:"alert"`
	Timestamp time.Time       `json:"timestamp"`
}

type MetricsUpdate struct {
	Type    MessageType       `json:"type"`
	Metrics telemetry.Metrics `json:"metrics"`
}

type NetworkUpdate struct {
	Type          MessageType             `json:"type"`
	NetworkStatus telemetry.NetworkStatus `json:"networkStatus"`
}

type ThreatUpdate struct {
	Type    MessageType        `json:"type"`
	Threats []telemetry.Threat `json:"threats"`
}

// Subscribe builds a subscribe frame for channels.
func Subscribe(channels ...string) Inbound {
	return Inbound{Type: MsgSubscribe, Channels: channels}
}

// Unsubscribe builds an unsubscribe frame for channels.
func Unsubscribe(channels ...string) Inbound {
	return Inbound{Type: MsgUnsubscribe, Channels: channels}
}
