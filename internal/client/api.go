package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zapdeskhq/zapdesk/internal/models"
)

// API is the slice of the dashboard REST surface the reconciliation loop
// consumes.
type API interface {
	ListChats(ctx context.Context) ([]models.Chat, error)
	SendText(ctx context.Context, chatID, text string) error
	MarkRead(ctx context.Context, chatID string) error
}

// restAPI talks to the dashboard server with a bearer token.
type restAPI struct {
	base  string
	token string
	http  *http.Client
}

// NewAPI creates an API client for the given server base URL.
func NewAPI(baseURL, token string) API {
	return &restAPI{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *restAPI) ListChats(ctx context.Context) ([]models.Chat, error) {
	var resp struct {
		Chats []models.Chat `json:"chats"`
	}
	if err := a.do(ctx, http.MethodGet, "/chats", nil, &resp); err != nil {
		return nil, fmt.Errorf("api: list chats: %w", err)
	}
	return resp.Chats, nil
}

func (a *restAPI) SendText(ctx context.Context, chatID, text string) error {
	body := map[string]string{"text": text}
	if err := a.do(ctx, http.MethodPost, "/messages/"+chatID+"/send", body, nil); err != nil {
		return fmt.Errorf("api: send text: %w", err)
	}
	return nil
}

func (a *restAPI) MarkRead(ctx context.Context, chatID string) error {
	if err := a.do(ctx, http.MethodPost, "/chats/"+chatID+"/read", nil, nil); err != nil {
		return fmt.Errorf("api: mark read: %w", err)
	}
	return nil
}

func (a *restAPI) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
