package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/zapdeskhq/zapdesk/internal/config"
	"github.com/zapdeskhq/zapdesk/internal/db"
	"github.com/zapdeskhq/zapdesk/internal/events"
	"github.com/zapdeskhq/zapdesk/internal/gateway"
	"github.com/zapdeskhq/zapdesk/internal/models"
	"github.com/zapdeskhq/zapdesk/internal/relay"
	"gorm.io/gorm"
)

const testToken = "test-token"

type captured struct {
	key string
	env events.Envelope
}

type fakePublisher struct {
	published []captured
}

func (f *fakePublisher) Publish(_ context.Context, key string, env events.Envelope) error {
	f.published = append(f.published, captured{key: key, env: env})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type testEnv struct {
	router  http.Handler
	db      *gorm.DB
	pub     *fakePublisher
	gateway *httptest.Server
}

// newTestEnv wires a router against a real sqlite store and a scripted
// gateway backend.
func newTestEnv(t *testing.T, gatewayHandler http.HandlerFunc) *testEnv {
	t.Helper()

	cfg := config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "server.db")}
	gdb, err := db.Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if gatewayHandler == nil {
		gatewayHandler = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}
	}
	backend := httptest.NewServer(gatewayHandler)
	t.Cleanup(backend.Close)

	pub := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gateway.New(backend.URL, "key", "main")

	opts := Opts{
		DB:         gdb,
		Gateway:    gw,
		Publisher:  pub,
		Processor:  relay.NewProcessor(gdb, pub, nil, logger),
		AuthToken:  testToken,
		WebhookURL: "https://dashboard.example/webhook",
		Log:        logger,
	}
	return &testEnv{router: newRouter(opts), db: gdb, pub: pub, gateway: backend}
}

func (e *testEnv) request(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func seedChat(t *testing.T, gdb *gorm.DB, chat models.Chat) {
	t.Helper()
	if chat.Status == "" {
		chat.Status = models.ChatStatusActive
	}
	if chat.LastActivity.IsZero() {
		chat.LastActivity = time.Now()
	}
	if err := gdb.Create(&chat).Error; err != nil {
		t.Fatalf("seed chat: %v", err)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.request(t, http.MethodGet, "/chats", nil, false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuth_WrongToken(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.request(t, http.MethodGet, "/health", nil, false)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestWebhook_AcceptsWithoutAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := map[string]any{
		"event": "messages.upsert",
		"data": map[string]any{
			"key":              map[string]any{"remoteJid": "551199@s.whatsapp.net", "fromMe": false, "id": "M1"},
			"message":          map[string]any{"conversation": "oi"},
			"messageTimestamp": 1700000000,
		},
	}
	w := env.request(t, http.MethodPost, "/webhook", payload, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"success":true`) {
		t.Errorf("body = %s, want success", w.Body.String())
	}

	var chat models.Chat
	if err := env.db.First(&chat, "id = ?", "551199@s.whatsapp.net").Error; err != nil {
		t.Fatalf("chat not created by webhook: %v", err)
	}
	if len(env.pub.published) != 1 {
		t.Errorf("published = %d, want 1", len(env.pub.published))
	}
}

func TestWebhook_UnparsableBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhook_IgnoredEventStillSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.request(t, http.MethodPost, "/webhook", map[string]any{"event": "labels.edit", "data": map[string]any{}}, false)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for ignored event", w.Code)
	}
	if len(env.pub.published) != 0 {
		t.Errorf("published = %d, want 0", len(env.pub.published))
	}
}

func TestListChats(t *testing.T) {
	env := newTestEnv(t, nil)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net", LastMessage: "oi"})
	seedChat(t, env.db, models.Chat{ID: "b@s.whatsapp.net", LastMessage: "tchau"})

	w := env.request(t, http.MethodGet, "/chats", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Chats []models.Chat `json:"chats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Chats) != 2 {
		t.Errorf("chats = %d, want 2", len(resp.Chats))
	}
}

func TestChatMessages_PassesThroughPagination(t *testing.T) {
	msgs := make([]map[string]any, 50)
	for i := range msgs {
		msgs[i] = map[string]any{
			"key":              map[string]any{"remoteJid": "a@s.whatsapp.net", "id": "M"},
			"message":          map[string]any{"conversation": "x"},
			"messageTimestamp": 1700000000,
		}
	}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(msgs)
	})

	w := env.request(t, http.MethodGet, "/chats/a@s.whatsapp.net/messages?page=1&limit=50", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		HasMore  bool              `json:"hasMore"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.HasMore {
		t.Error("hasMore = false, want true for a full page")
	}
	if len(resp.Messages) != 50 {
		t.Errorf("messages = %d, want 50", len(resp.Messages))
	}
}

func TestChatMessages_GatewayFailure(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	})
	w := env.request(t, http.MethodGet, "/chats/a@s.whatsapp.net/messages", nil, true)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestChatStatus_UpdatesAndPublishes(t *testing.T) {
	env := newTestEnv(t, nil)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net"})

	w := env.request(t, http.MethodPut, "/chats/a@s.whatsapp.net/status",
		map[string]any{"status": "closed"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var chat models.Chat
	env.db.First(&chat, "id = ?", "a@s.whatsapp.net")
	if chat.Status != models.ChatStatusClosed {
		t.Errorf("chat status = %q, want closed", chat.Status)
	}
	if len(env.pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(env.pub.published))
	}
	if env.pub.published[0].env.Meta.Type != events.KindChatUpdated {
		t.Errorf("kind = %q, want chat-updated", env.pub.published[0].env.Meta.Type)
	}
}

func TestChatStatus_UnknownStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net"})
	w := env.request(t, http.MethodPut, "/chats/a@s.whatsapp.net/status",
		map[string]any{"status": "archived"}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestChatStatus_NegativeUnreadCount(t *testing.T) {
	env := newTestEnv(t, nil)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net", UnreadCount: 3})

	w := env.request(t, http.MethodPut, "/chats/a@s.whatsapp.net/status",
		map[string]any{"unreadCount": -5}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var chat models.Chat
	env.db.First(&chat, "id = ?", "a@s.whatsapp.net")
	if chat.UnreadCount != 3 {
		t.Errorf("unread = %d, want 3 (untouched)", chat.UnreadCount)
	}
	if len(env.pub.published) != 0 {
		t.Errorf("published = %d, want 0", len(env.pub.published))
	}
}

func TestChatStatus_UnknownChat(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.request(t, http.MethodPut, "/chats/missing/status",
		map[string]any{"status": "closed"}, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestChatTransfer_ToAI(t *testing.T) {
	env := newTestEnv(t, nil)
	uid := uint(7)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net", Assignee: "Paula", UserID: &uid})

	w := env.request(t, http.MethodPost, "/chats/a@s.whatsapp.net/transfer",
		map[string]any{"target": "ai"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var chat models.Chat
	env.db.First(&chat, "id = ?", "a@s.whatsapp.net")
	if chat.Assignee != models.AISentinel {
		t.Errorf("assignee = %q, want %q", chat.Assignee, models.AISentinel)
	}
	if chat.UserID != nil {
		t.Errorf("userId = %v, want nil", chat.UserID)
	}
}

func TestChatTransfer_NullUserIDMeansAI(t *testing.T) {
	env := newTestEnv(t, nil)
	uid := uint(7)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net", Assignee: "Paula", UserID: &uid})

	w := env.request(t, http.MethodPost, "/chats/a@s.whatsapp.net/transfer",
		map[string]any{"userId": nil}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var chat models.Chat
	env.db.First(&chat, "id = ?", "a@s.whatsapp.net")
	if chat.Assignee != models.AISentinel {
		t.Errorf("assignee = %q, want %q", chat.Assignee, models.AISentinel)
	}
	if chat.UserID != nil {
		t.Errorf("userId = %v, want nil", chat.UserID)
	}
}

func TestChatTransfer_NonNumericUserID(t *testing.T) {
	env := newTestEnv(t, nil)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net"})
	w := env.request(t, http.MethodPost, "/chats/a@s.whatsapp.net/transfer",
		map[string]any{"userId": "seven"}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestChatTransfer_MissingTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net"})
	w := env.request(t, http.MethodPost, "/chats/a@s.whatsapp.net/transfer",
		map[string]any{}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestReclaimAll(t *testing.T) {
	env := newTestEnv(t, nil)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net", Assignee: models.AISentinel})
	seedChat(t, env.db, models.Chat{ID: "b@s.whatsapp.net", Assignee: "Paula"})
	seedChat(t, env.db, models.Chat{ID: "c@s.whatsapp.net"})

	w := env.request(t, http.MethodPost, "/chats/transfer-all-to-ai", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Affected int64 `json:"affected"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Affected != 2 {
		t.Errorf("affected = %d, want 2", resp.Affected)
	}
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t, nil)
	seedChat(t, env.db, models.Chat{ID: "a@s.whatsapp.net", UnreadCount: 4})

	w := env.request(t, http.MethodPost, "/chats/a@s.whatsapp.net/read", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var chat models.Chat
	env.db.First(&chat, "id = ?", "a@s.whatsapp.net")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", chat.UnreadCount)
	}
}

func TestSendText(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	})

	w := env.request(t, http.MethodPost, "/messages/5511999999999/send",
		map[string]any{"text": "como posso ajudar?"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotPath != "/message/sendText/main" {
		t.Errorf("gateway path = %q", gotPath)
	}
	if gotBody["number"] != "5511999999999" || gotBody["text"] != "como posso ajudar?" {
		t.Errorf("gateway body = %v", gotBody)
	}
}

func TestSendText_MissingText(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.request(t, http.MethodPost, "/messages/5511999999999/send",
		map[string]any{}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSendText_GatewayFailure(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session closed", http.StatusBadRequest)
	})
	w := env.request(t, http.MethodPost, "/messages/5511999999999/send",
		map[string]any{"text": "oi"}, true)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestSendMedia_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.request(t, http.MethodPost, "/messages/5511999999999/send-media",
		map[string]any{"mediaType": "image"}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUsers_CreateListDelete(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.request(t, http.MethodPost, "/users",
		map[string]any{"name": "Paula", "email": "paula@zapdesk.dev", "password": "s3cret"}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "s3cret") || strings.Contains(w.Body.String(), "PasswordHash") {
		t.Error("create response leaks credentials")
	}

	w = env.request(t, http.MethodGet, "/users", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var resp struct {
		Users []models.User `json:"users"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Users) != 1 || resp.Users[0].Name != "Paula" {
		t.Fatalf("users = %+v", resp.Users)
	}

	w = env.request(t, http.MethodDelete, "/users/"+strconv.Itoa(int(resp.Users[0].ID)), nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.request(t, http.MethodGet, "/users", nil, true)
	if !strings.Contains(w.Body.String(), `"users":[]`) {
		t.Errorf("users after delete = %s", w.Body.String())
	}
}

func TestUsers_CreateMissingEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.request(t, http.MethodPost, "/users",
		map[string]any{"name": "Paula", "password": "x"}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhookUpdate(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	})

	w := env.request(t, http.MethodPost, "/webhook/update", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotPath != "/webhook/set/main" {
		t.Errorf("gateway path = %q", gotPath)
	}
	webhook, _ := gotBody["webhook"].(map[string]any)
	if webhook["url"] != "https://dashboard.example/webhook" {
		t.Errorf("webhook body = %v", gotBody)
	}
}

func TestInstanceStatus(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instance": {"instanceName": "main", "state": "open"}}`))
	})
	w := env.request(t, http.MethodGet, "/instance/status", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"state":"open"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestEvents_SendsConnected(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.request(t, http.MethodGet, "/events", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "event: connected") {
		t.Errorf("body = %q, want connected event", w.Body.String())
	}
}

func TestWriteSSE_Format(t *testing.T) {
	var buf bytes.Buffer
	writeSSE(&buf, "chat-event", map[string]string{"x": "1"})
	want := "event: chat-event\ndata: {\"x\":\"1\"}\n\n"
	if buf.String() != want {
		t.Errorf("writeSSE = %q, want %q", buf.String(), want)
	}
}

