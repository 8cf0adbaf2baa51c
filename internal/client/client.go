// Package client implements the dashboard-side reconciliation loop: it
// subscribes to the realtime channel, merges incoming envelopes into local
// chat-list and conversation state, and performs optimistic sends.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/zapdeskhq/zapdesk/internal/events"
	"github.com/zapdeskhq/zapdesk/internal/models"
	"github.com/zapdeskhq/zapdesk/internal/normalize"
	"github.com/zapdeskhq/zapdesk/internal/notify"
	"github.com/zapdeskhq/zapdesk/internal/pubsub"
)

// maxAppliedKeys caps the duplicate-delivery ledger; when it fills, the
// oldest window is forgotten wholesale rather than tracked per entry.
const maxAppliedKeys = 4096

// Entry is one displayed message: either confirmed by the server or a
// pending optimistic send. Exactly one of ServerID/LocalID is set; promotion
// from pending to confirmed is an explicit transition, never an in-place id
// match.
type Entry struct {
	ServerID string
	LocalID  string
	Msg      normalize.Message
}

// Confirmed builds an entry backed by a server-assigned message id.
func Confirmed(serverID string, msg normalize.Message) Entry {
	return Entry{ServerID: serverID, Msg: msg}
}

// Pending builds an ephemeral entry for an optimistic send.
func Pending(localID string, msg normalize.Message) Entry {
	return Entry{LocalID: localID, Msg: msg}
}

// IsPending reports whether the entry is still awaiting confirmation.
func (e Entry) IsPending() bool { return e.LocalID != "" }

// ChatView is one chat-list row: the server record plus the local unread
// overlay accumulated from realtime events since the last full resync.
type ChatView struct {
	Chat          models.Chat
	UnreadOverlay int
}

// Dashboard is the reconciliation state machine. All event application is
// serialized through one mutex; the design mirrors a single event loop and
// accepts eventual consistency, relying on periodic full resyncs to correct
// ordering drift.
type Dashboard struct {
	api      API
	notifier notify.Notifier
	log      *slog.Logger

	mu      sync.Mutex
	chats   []*ChatView
	open    string
	entries []Entry
	draft   string
	applied map[string]struct{}

	sub    pubsub.Subscriber
	cron   *cron.Cron
	closed bool
}

// New creates a Dashboard. notifier may be nil.
func New(api API, notifier notify.Notifier, logger *slog.Logger) *Dashboard {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Dashboard{
		api:      api,
		notifier: notifier,
		log:      logger,
		applied:  make(map[string]struct{}),
	}
}

// Attach registers the reconciliation handlers and starts consuming. Only one
// subscription is ever held; Close tears it down.
func (d *Dashboard) Attach(sub pubsub.Subscriber, queue string) error {
	d.mu.Lock()
	if d.sub != nil {
		d.mu.Unlock()
		return fmt.Errorf("client: already attached")
	}
	d.sub = sub
	d.mu.Unlock()

	sub.RegisterHandler(events.KeyChatEvent, d.handleChatEvent)
	sub.RegisterHandler(events.KeyMessageStatusUpdate, d.handleStatusUpdate)
	if err := sub.Start(queue); err != nil {
		return fmt.Errorf("client: start subscription: %w", err)
	}
	return nil
}

// StartResync schedules periodic full-list re-fetches, the correction
// mechanism for out-of-order delivery.
func (d *Dashboard) StartResync(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := d.Resync(context.Background()); err != nil {
			d.log.Warn("scheduled resync failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("client: resync schedule: %w", err)
	}
	c.Start()

	d.mu.Lock()
	d.cron = c
	d.mu.Unlock()
	return nil
}

// Close tears down the subscription and the resync schedule. Safe to call
// more than once.
func (d *Dashboard) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sub, c := d.sub, d.cron
	d.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Resync replaces the chat list with the server's authoritative view and
// clears the local unread overlays.
func (d *Dashboard) Resync(ctx context.Context) error {
	chats, err := d.api.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("client: resync: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats = d.chats[:0]
	for _, chat := range chats {
		d.chats = append(d.chats, &ChatView{Chat: chat})
	}
	return nil
}

// OpenChat switches the active conversation. The overlay resets and the
// server counter is cleared best-effort.
func (d *Dashboard) OpenChat(ctx context.Context, chatID string) {
	d.mu.Lock()
	d.open = chatID
	d.entries = d.entries[:0]
	if view := d.findLocked(chatID); view != nil {
		view.UnreadOverlay = 0
		view.Chat.UnreadCount = 0
	}
	d.mu.Unlock()

	if err := d.api.MarkRead(ctx, chatID); err != nil {
		d.log.Warn("mark read failed", slog.String("chat", chatID), slog.Any("error", err))
	}
}

// CloseChat leaves the active conversation.
func (d *Dashboard) CloseChat() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = ""
	d.entries = d.entries[:0]
}

// SetDraft replaces the composer content.
func (d *Dashboard) SetDraft(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draft = text
}

// Draft returns the current composer content.
func (d *Dashboard) Draft() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draft
}

// Chats returns a snapshot of the list, newest activity first.
func (d *Dashboard) Chats() []ChatView {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ChatView, len(d.chats))
	for i, v := range d.chats {
		out[i] = *v
	}
	return out
}

// Entries returns a snapshot of the open conversation.
func (d *Dashboard) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Entry(nil), d.entries...)
}

// SendMessage submits the current draft as an optimistic send: the pending
// entry appears before the round-trip resolves. On failure the entry is
// removed and the draft restored verbatim so the agent can retry without
// retyping. On success the entry stays until the authoritative echo or the
// next full reload supersedes it.
func (d *Dashboard) SendMessage(ctx context.Context) error {
	d.mu.Lock()
	if d.open == "" || d.draft == "" {
		d.mu.Unlock()
		return fmt.Errorf("client: nothing to send")
	}
	chatID := d.open
	text := d.draft
	d.draft = ""

	localID := "local-" + uuid.NewString()
	now := time.Now()
	d.entries = append(d.entries, Pending(localID, normalize.Message{
		ID:          localID,
		ChatID:      chatID,
		Direction:   normalize.DirectionOutbound,
		Type:        normalize.TypeText,
		Content:     text,
		Status:      "pending",
		Timestamp:   now.Unix(),
		DisplayTime: normalize.DisplayTime(now.Unix()),
	}))
	if view := d.findLocked(chatID); view != nil {
		view.Chat.LastMessage = text
		view.Chat.LastActivity = now
		d.promoteLocked(view)
	}
	d.mu.Unlock()

	if err := d.api.SendText(ctx, chatID, text); err != nil {
		d.mu.Lock()
		d.removePendingLocked(localID)
		d.draft = text
		d.mu.Unlock()
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// handleChatEvent applies one envelope from the generic chat-event key.
func (d *Dashboard) handleChatEvent(ctx context.Context, body []byte) error {
	kind, err := events.PeekKind(body)
	if err != nil {
		return fmt.Errorf("client: peek kind: %w", err)
	}

	switch kind {
	case events.KindMessageReceived:
		env, err := events.Decode[events.MessageReceivedData](body)
		if err != nil {
			return fmt.Errorf("client: decode message: %w", err)
		}
		d.applyMessage(ctx, env.Data)
		return nil
	case events.KindChatUpdated:
		env, err := events.Decode[events.ChatUpdatedData](body)
		if err != nil {
			return fmt.Errorf("client: decode chat: %w", err)
		}
		if env.Data.Chat == nil {
			return d.Resync(ctx)
		}
		d.patchChat(*env.Data.Chat)
		return nil
	default:
		// Conservative fallback for low-frequency kinds: re-fetch the list.
		return d.Resync(ctx)
	}
}

// applyMessage merges one message-received event. The preview update is
// unconditional; the unread overlay and notification fire only for inbound
// messages on chats other than the open one, and at most once per underlying
// event even under duplicate delivery.
func (d *Dashboard) applyMessage(ctx context.Context, data events.MessageReceivedData) {
	msg := data.Message

	// Message ids are unique per chat; the content|timestamp form only
	// backs up deliveries that arrive without an id.
	key := msg.ChatID + "|" + msg.ID
	if msg.ID == "" {
		key = fmt.Sprintf("%s|%s|%d", msg.ChatID, msg.Content, msg.Timestamp)
	}

	d.mu.Lock()
	if _, dup := d.applied[key]; dup {
		d.mu.Unlock()
		return
	}
	if len(d.applied) >= maxAppliedKeys {
		d.applied = make(map[string]struct{}, maxAppliedKeys)
	}
	d.applied[key] = struct{}{}

	view := d.findLocked(msg.ChatID)
	if view == nil {
		view = &ChatView{Chat: models.Chat{ID: msg.ChatID, Status: models.ChatStatusActive}}
		d.chats = append(d.chats, view)
	}
	view.Chat.LastMessage = data.Preview
	view.Chat.LastActivity = time.Unix(msg.Timestamp, 0)
	d.promoteLocked(view)

	if d.open == msg.ChatID {
		d.absorbLocked(msg)
	}

	notifyInbound := msg.Direction == normalize.DirectionInbound && d.open != msg.ChatID
	name := msg.ChatID
	if view.Chat.Contact != nil && view.Chat.Contact.Name != "" {
		name = view.Chat.Contact.Name
	}
	if notifyInbound {
		view.UnreadOverlay++
	}
	d.mu.Unlock()

	if notifyInbound {
		text := fmt.Sprintf("Nova mensagem de %s: %s", name, data.Preview)
		if err := d.notifier.Notify(ctx, text); err != nil {
			d.log.Warn("notification failed", slog.Any("error", err))
		}
	}
}

// absorbLocked appends an authoritative message to the open conversation,
// promoting a matching pending entry instead of duplicating it.
func (d *Dashboard) absorbLocked(msg normalize.Message) {
	for i, e := range d.entries {
		if e.IsPending() && e.Msg.Content == msg.Content && e.Msg.Direction == msg.Direction {
			d.entries[i] = Confirmed(msg.ID, msg)
			return
		}
	}
	d.entries = append(d.entries, Confirmed(msg.ID, msg))
}

// handleStatusUpdate routes a status delta to the message currently rendering
// it. Chat-list ordering never changes.
func (d *Dashboard) handleStatusUpdate(_ context.Context, body []byte) error {
	env, err := events.Decode[events.MessageStatusData](body)
	if err != nil {
		return fmt.Errorf("client: decode status: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		if e.ServerID == env.Data.MessageID {
			d.entries[i].Msg.Status = env.Data.Status
			break
		}
	}
	return nil
}

// patchChat merges only the fields a chat-updated payload carries into the
// matching list row.
func (d *Dashboard) patchChat(chat models.Chat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	view := d.findLocked(chat.ID)
	if view == nil {
		d.chats = append(d.chats, &ChatView{Chat: chat})
		return
	}
	view.Chat.Assignee = chat.Assignee
	view.Chat.Status = chat.Status
	view.Chat.UserID = chat.UserID
	view.Chat.UnreadCount = chat.UnreadCount
	if chat.Contact != nil {
		view.Chat.Contact = chat.Contact
	}
}

func (d *Dashboard) findLocked(chatID string) *ChatView {
	for _, v := range d.chats {
		if v.Chat.ID == chatID {
			return v
		}
	}
	return nil
}

// promoteLocked moves a view to the front of the list.
func (d *Dashboard) promoteLocked(view *ChatView) {
	for i, v := range d.chats {
		if v == view {
			copy(d.chats[1:i+1], d.chats[:i])
			d.chats[0] = view
			return
		}
	}
}

func (d *Dashboard) removePendingLocked(localID string) {
	for i, e := range d.entries {
		if e.LocalID == localID {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return
		}
	}
}
