package ws

import (
	"encoding/json"
	"time"

	"github.com/darkden-lab/marketplace-realtime/internal/changefeed"
	"github.com/darkden-lab/marketplace-realtime/internal/stats"
)

// Outbound message types.
const (
	TypeConnection        = "connection"
	TypePong              = "pong"
	TypeStats             = "stats"
	TypeSubscribed        = "subscribed"
	TypeError             = "error"
	TypeUserChange        = "user_change"
	TypeServicesChange    = "services_change"
	TypeApplicationChange = "application_change"
)

// defaultSubscription is recorded when a subscribe message names none.
const defaultSubscription = "all"

// inboundKind is the closed set of control messages a client may send.
type inboundKind int

const (
	kindPing inboundKind = iota
	kindGetStats
	kindSubscribe
)

func parseInboundKind(t string) (inboundKind, bool) {
	switch t {
	case "ping":
		return kindPing, true
	case "get_stats":
		return kindGetStats, true
	case "subscribe":
		return kindSubscribe, true
	}
	return 0, false
}

// inboundMessage is the JSON envelope sent by clients.
type inboundMessage struct {
	Type         string `json:"type"`
	Subscription string `json:"subscription,omitempty"`
}

// envelope carries the fields every outbound message has.
type envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeMessage is the wire form of a changefeed.Event.
type ChangeMessage struct {
	envelope
	Operation    string          `json:"operation"`
	Domain       string          `json:"domain"`
	DocumentID   string          `json:"documentId"`
	FullDocument json.RawMessage `json:"fullDocument,omitempty"`
}

// ChangeType maps a domain to the message type its changes are sent as.
func ChangeType(d changefeed.Domain) string {
	switch d {
	case changefeed.DomainAccount:
		return TypeUserChange
	case changefeed.DomainListing:
		return TypeServicesChange
	case changefeed.DomainApplication:
		return TypeApplicationChange
	}
	return ""
}

// NewChangeMessage builds the message broadcast for event. The timestamp is
// the time the watcher observed the change.
func NewChangeMessage(event changefeed.Event) ChangeMessage {
	return ChangeMessage{
		envelope:     envelope{Type: ChangeType(event.Domain), Timestamp: event.OccurredAt},
		Operation:    string(event.Operation),
		Domain:       string(event.Domain),
		DocumentID:   event.SubjectID,
		FullDocument: event.Snapshot,
	}
}

type connectionMessage struct {
	envelope
	ClientID string `json:"clientId"`
	Message  string `json:"message"`
}

type statsMessage struct {
	envelope
	Data stats.Aggregate `json:"data"`
}

type subscribedMessage struct {
	envelope
	Subscription string `json:"subscription"`
}

type errorMessage struct {
	envelope
	Message string `json:"message"`
}

func newConnectionMessage(clientID string, at time.Time) connectionMessage {
	return connectionMessage{
		envelope: envelope{Type: TypeConnection, Timestamp: at},
		ClientID: clientID,
		Message:  "Connected to marketplace real-time updates",
	}
}

func newPongMessage(at time.Time) envelope {
	return envelope{Type: TypePong, Timestamp: at}
}

func newStatsMessage(agg stats.Aggregate, at time.Time) statsMessage {
	return statsMessage{envelope: envelope{Type: TypeStats, Timestamp: at}, Data: agg}
}

func newSubscribedMessage(subscription string, at time.Time) subscribedMessage {
	return subscribedMessage{
		envelope:     envelope{Type: TypeSubscribed, Timestamp: at},
		Subscription: subscription,
	}
}

func newErrorMessage(message string, at time.Time) errorMessage {
	return errorMessage{envelope: envelope{Type: TypeError, Timestamp: at}, Message: message}
}
