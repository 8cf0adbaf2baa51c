package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zapdeskhq/zapdesk/internal/normalize"
)

func testClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New(srv.URL, "test-key", "support")
	return c, srv
}

func TestFetchChats(t *testing.T) {
	var gotPath, gotKey string
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		json.NewEncoder(w).Encode([]ChatSummary{{RemoteJID: "5511@s.whatsapp.net", Name: "Bruno"}})
	})
	defer srv.Close()

	chats, err := c.FetchChats(context.Background())
	if err != nil {
		t.Fatalf("FetchChats: %v", err)
	}
	if gotPath != "/chat/findChats/support" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("apikey = %q", gotKey)
	}
	if len(chats) != 1 || chats[0].Name != "Bruno" {
		t.Errorf("chats = %+v", chats)
	}
}

func pageOf(n int) []normalize.RawMessage {
	msgs := make([]normalize.RawMessage, n)
	for i := range msgs {
		msgs[i] = normalize.RawMessage{
			Key:              normalize.RawKey{RemoteJID: "c1", ID: fmt.Sprintf("M%d", i)},
			Message:          &normalize.RawContent{Conversation: "oi"},
			MessageTimestamp: int64(1700000000 + i),
		}
	}
	return msgs
}

func TestFetchMessages_FullPageHasMore(t *testing.T) {
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pageOf(50))
	})
	defer srv.Close()

	page, err := c.FetchMessages(context.Background(), "c1", 1, 50)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if !page.HasMore {
		t.Error("HasMore = false for a full page of 50, want true")
	}
}

func TestFetchMessages_ShortPageNoMore(t *testing.T) {
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pageOf(49))
	})
	defer srv.Close()

	page, err := c.FetchMessages(context.Background(), "c1", 1, 50)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if page.HasMore {
		t.Error("HasMore = true for 49 of 50, want false")
	}
}

func TestFetchMessages_SendsFilter(t *testing.T) {
	var got map[string]interface{}
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(pageOf(0))
	})
	defer srv.Close()

	if _, err := c.FetchMessages(context.Background(), "c1", 2, 25); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if got["page"].(float64) != 2 || got["limit"].(float64) != 25 {
		t.Errorf("pagination = %v/%v", got["page"], got["limit"])
	}
	where := got["where"].(map[string]interface{})
	key := where["key"].(map[string]interface{})
	if key["remoteJid"] != "c1" {
		t.Errorf("remoteJid = %v", key["remoteJid"])
	}
}

func TestFetchMedia_DataURI(t *testing.T) {
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"base64":   "aGVsbG8=",
			"mimetype": "image/jpeg",
		})
	})
	defer srv.Close()

	uri, err := c.FetchMedia(context.Background(), "c1", "M1")
	if err != nil {
		t.Fatalf("FetchMedia: %v", err)
	}
	if uri != "data:image/jpeg;base64,aGVsbG8=" {
		t.Errorf("uri = %q", uri)
	}
}

func TestFetchMedia_EmptyPayload(t *testing.T) {
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"mimetype": "image/jpeg"})
	})
	defer srv.Close()

	_, err := c.FetchMedia(context.Background(), "c1", "M1")
	if err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestSendText(t *testing.T) {
	var got map[string]interface{}
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	if err := c.SendText(context.Background(), "5511999990000", "olá"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got["number"] != "5511999990000" || got["text"] != "olá" {
		t.Errorf("body = %v", got)
	}
}

func TestSendText_UpstreamFailure(t *testing.T) {
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "instance disconnected", http.StatusBadGateway)
	})
	defer srv.Close()

	err := c.SendText(context.Background(), "5511999990000", "olá")
	if err == nil {
		t.Fatal("expected error for non-2xx")
	}
	if !strings.Contains(err.Error(), "status 502") {
		t.Errorf("error = %q", err.Error())
	}
	if !strings.Contains(err.Error(), "instance disconnected") {
		t.Errorf("error should carry upstream body, got %q", err.Error())
	}
}

func TestSendMedia(t *testing.T) {
	var got SendOpts
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	})
	defer srv.Close()

	err := c.SendMedia(context.Background(), SendOpts{
		PhoneNumber: "5511999990000",
		MediaType:   "document",
		MimeType:    "application/pdf",
		Base64:      "Zm9v",
		FileName:    "contrato.pdf",
		Caption:     "segue",
	})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if got.FileName != "contrato.pdf" || got.MediaType != "document" {
		t.Errorf("body = %+v", got)
	}
}

func TestInstanceStatus(t *testing.T) {
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"instance": map[string]string{"instanceName": "support", "state": "open"},
		})
	})
	defer srv.Close()

	state, err := c.InstanceStatus(context.Background())
	if err != nil {
		t.Fatalf("InstanceStatus: %v", err)
	}
	if state.State != "open" || state.Instance != "support" {
		t.Errorf("state = %+v", state)
	}
}

func TestSetWebhook(t *testing.T) {
	var got map[string]interface{}
	var gotPath string
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
	})
	defer srv.Close()

	err := c.SetWebhook(context.Background(), "https://desk.example/webhook", []string{"MESSAGES_UPSERT"})
	if err != nil {
		t.Fatalf("SetWebhook: %v", err)
	}
	if gotPath != "/webhook/set/support" {
		t.Errorf("path = %q", gotPath)
	}
	webhook := got["webhook"].(map[string]interface{})
	if webhook["url"] != "https://desk.example/webhook" {
		t.Errorf("url = %v", webhook["url"])
	}
	if webhook["enabled"] != true {
		t.Error("enabled should be true")
	}
}
