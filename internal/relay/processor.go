// Package relay ingests gateway webhook events, reconciles persisted chat
// state and republishes normalized envelopes on the realtime channel.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zapdeskhq/zapdesk/internal/events"
	"github.com/zapdeskhq/zapdesk/internal/normalize"
	"github.com/zapdeskhq/zapdesk/internal/notify"
	"github.com/zapdeskhq/zapdesk/internal/pubsub"
	"github.com/zapdeskhq/zapdesk/internal/store"
	"gorm.io/gorm"
)

// Gateway webhook event kinds the relay acts on. Anything else is discarded
// silently; the gateway must never see a retryable failure for events we
// intentionally ignore.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesUpdate   = "messages.update"
	EventContactsUpsert   = "contacts.upsert"
	EventContactsUpdate   = "contacts.update"
	EventChatsUpsert      = "chats.upsert"
	EventChatsUpdate      = "chats.update"
	EventChatsDelete      = "chats.delete"
	EventConnectionUpdate = "connection.update"
)

// Payload is one inbound webhook body.
type Payload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Processor turns raw webhook payloads into store mutations and published
// envelopes. It is stateless; every call is independent.
type Processor struct {
	db       *gorm.DB
	pub      pubsub.Publisher
	notifier notify.Notifier
	log      *slog.Logger
}

// NewProcessor creates a Processor. notifier may be nil; a nil pub degrades
// to the logging fallback so ingestion keeps working without a broker.
func NewProcessor(db *gorm.DB, pub pubsub.Publisher, notifier notify.Notifier, logger *slog.Logger) *Processor {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if pub == nil {
		pub = pubsub.NewFallback(logger)
	}
	return &Processor{db: db, pub: pub, notifier: notifier, log: logger}
}

// Process handles one parsed webhook payload. It never fails: secondary
// effects (counter increments, publishes, notifications) are best-effort and
// their failures are logged and swallowed.
func (p *Processor) Process(ctx context.Context, payload Payload) {
	switch payload.Event {
	case EventMessagesUpsert:
		p.handleMessage(ctx, payload)
	case EventMessagesUpdate:
		p.handleStatusUpdates(ctx, payload)
	case EventContactsUpsert, EventContactsUpdate:
		p.handleContact(ctx, payload)
	case EventChatsUpsert, EventChatsUpdate, EventChatsDelete:
		p.handleChatCue(ctx, payload)
	case EventConnectionUpdate:
		p.handleConnection(ctx, payload)
	default:
		p.log.Debug("ignored webhook event", slog.String("event", payload.Event))
	}
}

// handleMessage processes one new or updated message: normalize, reconcile
// the chat aggregate, republish. The unread increment is best-effort; the
// realtime publish takes priority over counter durability.
func (p *Processor) handleMessage(ctx context.Context, payload Payload) {
	var raw normalize.RawMessage
	if err := json.Unmarshal(payload.Data, &raw); err != nil {
		p.log.Warn("malformed message payload", slog.Any("error", err))
		return
	}
	if raw.Key.RemoteJID == "" {
		p.log.Warn("message payload without remoteJid")
		return
	}

	msg := normalize.Normalize(raw)
	preview := normalize.Preview(raw)

	at := time.Unix(msg.Timestamp, 0)
	if msg.Timestamp <= 0 {
		at = time.Now()
	}
	if err := store.TouchChat(p.db, msg.ChatID, msg.ChatID, preview, at); err != nil {
		p.log.Error("touch chat failed", slog.String("chat", msg.ChatID), slog.Any("error", err))
	}
	if raw.PushName != "" && msg.Direction == normalize.DirectionInbound {
		if err := store.UpsertContact(p.db, msg.ChatID, raw.PushName, ""); err != nil {
			p.log.Warn("contact upsert failed", slog.String("contact", msg.ChatID), slog.Any("error", err))
		}
	}
	if msg.Direction == normalize.DirectionInbound {
		if err := store.IncrementUnread(p.db, msg.ChatID); err != nil {
			p.log.Error("unread increment failed", slog.String("chat", msg.ChatID), slog.Any("error", err))
		}
	}

	env := events.New(events.KindMessageReceived, events.MessageReceivedData{
		Message: msg,
		Preview: preview,
	})
	p.publish(ctx, env)
}

// statusEntry is one (message id, new status) pair from a messages.update
// delivery.
type statusEntry struct {
	KeyID     string `json:"keyId"`
	RemoteJID string `json:"remoteJid"`
	Status    string `json:"status"`
}

// handleStatusUpdates fans a sequence of status deltas out as independent
// envelopes. Malformed entries are skipped without aborting their siblings.
func (p *Processor) handleStatusUpdates(ctx context.Context, payload Payload) {
	var entries []statusEntry
	if err := json.Unmarshal(payload.Data, &entries); err != nil {
		var single statusEntry
		if err := json.Unmarshal(payload.Data, &single); err != nil {
			p.log.Warn("malformed status payload", slog.Any("error", err))
			return
		}
		entries = []statusEntry{single}
	}

	for i, entry := range entries {
		if entry.KeyID == "" || entry.Status == "" {
			p.log.Warn("skipping malformed status entry", slog.Int("index", i))
			continue
		}
		env := events.New(events.KindMessageStatusUpdated, events.MessageStatusData{
			MessageID: entry.KeyID,
			ChatID:    entry.RemoteJID,
			Status:    normalize.Status(entry.Status),
		})
		p.publish(ctx, env)
	}
}

// contactData is the subset of a contact event the relay cares about.
type contactData struct {
	RemoteJID     string `json:"remoteJid"`
	ID            string `json:"id"`
	PushName      string `json:"pushName"`
	ProfilePicURL string `json:"profilePicUrl"`
}

func (cd contactData) subject() string {
	if cd.RemoteJID != "" {
		return cd.RemoteJID
	}
	return cd.ID
}

// handleContact refreshes the saved contact best-effort and cues subscribers
// to re-fetch.
func (p *Processor) handleContact(ctx context.Context, payload Payload) {
	var cd contactData
	if err := json.Unmarshal(payload.Data, &cd); err != nil {
		p.log.Warn("malformed contact payload", slog.Any("error", err))
	}
	if id := cd.subject(); id != "" {
		if err := store.UpsertContact(p.db, id, cd.PushName, cd.ProfilePicURL); err != nil {
			p.log.Warn("contact upsert failed", slog.String("contact", id), slog.Any("error", err))
		}
	}

	env := events.New(events.KindContactUpdated, events.GenericData{
		Event:     payload.Event,
		SubjectID: cd.subject(),
		Timestamp: time.Now().UTC(),
	})
	p.publish(ctx, env)
}

// handleChatCue republishes chat-level gateway events as re-fetch cues. No
// chat payload is carried; subscribers reload their list.
func (p *Processor) handleChatCue(ctx context.Context, payload Payload) {
	var subject struct {
		RemoteJID string `json:"remoteJid"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(payload.Data, &subject); err != nil {
		p.log.Warn("malformed chat payload", slog.Any("error", err))
	}
	id := subject.RemoteJID
	if id == "" {
		id = subject.ID
	}

	env := events.New(events.KindChatUpdated, events.GenericData{
		Event:     payload.Event,
		SubjectID: id,
		Timestamp: time.Now().UTC(),
	})
	p.publish(ctx, env)
}

// handleConnection republishes instance state changes and alerts agents when
// the session leaves the open state.
func (p *Processor) handleConnection(ctx context.Context, payload Payload) {
	var conn struct {
		Instance string `json:"instance"`
		State    string `json:"state"`
	}
	if err := json.Unmarshal(payload.Data, &conn); err != nil {
		p.log.Warn("malformed connection payload", slog.Any("error", err))
	}
	if conn.Instance == "" {
		conn.Instance = payload.Instance
	}

	env := events.New(events.KindConnectionUpdated, events.ConnectionData{
		Instance: conn.Instance,
		State:    conn.State,
	})
	p.publish(ctx, env)

	if conn.State != "" && conn.State != "open" {
		if err := p.notifier.Notify(ctx, "Conexão do WhatsApp mudou para "+conn.State); err != nil {
			p.log.Warn("connection alert failed", slog.Any("error", err))
		}
	}
}

// publish sends one envelope on the realtime channel. Failures are logged
// and swallowed so the gateway always sees success.
func (p *Processor) publish(ctx context.Context, env events.Envelope) {
	key := events.RoutingKey(env.Meta.Type)
	if err := p.pub.Publish(ctx, key, env); err != nil {
		p.log.Error("publish failed",
			slog.String("key", key),
			slog.String("kind", env.Meta.Type),
			slog.Any("error", err),
		)
	}
}
