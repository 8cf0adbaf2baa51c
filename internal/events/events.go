// Package events defines the normalized envelopes published on the realtime
// channel. Envelopes are distinct from raw gateway payloads: each carries the
// minimal delta a dashboard subscriber needs.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zapdeskhq/zapdesk/internal/models"
	"github.com/zapdeskhq/zapdesk/internal/normalize"
)

// Event kinds carried in Meta.Type.
const (
	KindChatUpdated          = "chat-updated"
	KindMessageReceived      = "message-received"
	KindMessageStatusUpdated = "message-status-updated"
	KindContactUpdated       = "contact-updated"
	KindConnectionUpdated    = "connection-updated"
)

// Routing keys on the realtime exchange. Status deltas have their own key;
// everything else shares the generic chat-event key.
const (
	KeyChatEvent           = "chat-event"
	KeyMessageStatusUpdate = "message-status-update"
)

// Producer identifies this service in envelope metadata.
const Producer = "zapdesk"

// Meta describes one published event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	Producer      string    `json:"producer,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Envelope is the publish-side payload wrapper.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// GenericEnvelope is the subscribe-side wrapper with a typed payload.
type GenericEnvelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// New builds an envelope for the given kind with fresh metadata.
func New(kind string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     kind,
			Time:     time.Now().UTC(),
			Producer: Producer,
		},
		Data: data,
	}
}

// RoutingKey returns the exchange routing key for an event kind.
func RoutingKey(kind string) string {
	if kind == KindMessageStatusUpdated {
		return KeyMessageStatusUpdate
	}
	return KeyChatEvent
}

// MessageReceivedData carries one normalized message plus its list preview.
type MessageReceivedData struct {
	Message normalize.Message `json:"message"`
	Preview string            `json:"preview"`
}

// MessageStatusData is one (message id, new status) delta.
type MessageStatusData struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Status    string `json:"status"`
}

// ChatUpdatedData carries the full refreshed chat. A nil Chat tells
// subscribers to re-fetch instead of patching.
type ChatUpdatedData struct {
	Chat *models.Chat `json:"chat,omitempty"`
}

// GenericData is the cue-to-refetch payload for low-frequency event kinds:
// the original gateway event kind, a best-effort subject id and a server
// timestamp.
type GenericData struct {
	Event     string    `json:"event"`
	SubjectID string    `json:"subjectId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionData reports a gateway instance connection state change.
type ConnectionData struct {
	Instance string `json:"instance"`
	State    string `json:"state"`
}

// PeekKind extracts the event kind from raw envelope bytes without decoding
// the payload.
func PeekKind(body []byte) (string, error) {
	var head struct {
		Meta Meta `json:"meta"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", err
	}
	return head.Meta.Type, nil
}

// Decode unmarshals raw envelope bytes into a typed envelope.
func Decode[T any](body []byte) (GenericEnvelope[T], error) {
	var env GenericEnvelope[T]
	err := json.Unmarshal(body, &env)
	return env, err
}
