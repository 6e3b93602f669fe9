package event

import (
	"time"

	"meshchat/internal/meshproto"
)

type Type string

const (
	TypeNewMessage     Type = "new_message"
	TypeNodeDiscovered Type = "node_discovered"
	TypeNodeUpdated    Type = "node_updated"
	TypePacketDropped  Type = "packet_dropped"
	TypeStatus         Type = "status"
)

// Event is what the core hands to the web layer. Exactly one of the
// pointer fields is set, matching Type.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	Message *Message    `json:"message,omitempty"`
	Node    *NodeChange `json:"node,omitempty"`
	Drop    *Drop       `json:"drop,omitempty"`
	Status  *StatusInfo `json:"status,omitempty"`
}

// Message is a decoded inbound (or locally sent) chat message.
type Message struct {
	From      uint32 `json:"from"`
	FromID    string `json:"from_id"` // "!hex"
	To        uint32 `json:"to"`
	PacketID  uint32 `json:"packet_id"`
	Text      string `json:"text"`
	LongName  string `json:"long_name,omitempty"`
	ShortName string `json:"short_name,omitempty"`
	Self      bool   `json:"self,omitempty"`
}

// NodeChange reports a registry create or update.
type NodeChange struct {
	NodeID uint32            `json:"node_id"`
	Port   meshproto.PortNum `json:"port"`
}

// Drop is the diagnostic for a packet the pipeline could not process.
type Drop struct {
	Reason string `json:"reason"`
	From   uint32 `json:"from,omitempty"`
}

// StatusInfo mirrors the listener state for the UI.
type StatusInfo struct {
	State string `json:"state"`
}
