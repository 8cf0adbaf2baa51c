// Package gateway wraps the external WhatsApp gateway's REST surface.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zapdeskhq/zapdesk/internal/normalize"
)

// Client is a thin HTTP client for one gateway instance. Calls are single
// attempt: the gateway either answers or the caller gets a wrapped error.
type Client struct {
	BaseURL  string
	APIKey   string
	Instance string
	HTTP     *http.Client
}

// New creates a gateway client for the configured instance.
func New(baseURL, apiKey, instance string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Instance: instance,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// ChatSummary is one conversation as listed by the gateway.
type ChatSummary struct {
	RemoteJID     string `json:"remoteJid"`
	Name          string `json:"pushName,omitempty"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
	UnreadCount   int    `json:"unreadCount,omitempty"`
	LastTimestamp int64  `json:"lastMessageTimestamp,omitempty"`
}

// MessagePage is one page of raw messages plus the pagination heuristic:
// HasMore is true iff the page came back full, which callers must treat as a
// hint, not an exact boundary.
type MessagePage struct {
	Messages []normalize.RawMessage `json:"messages"`
	Page     int                    `json:"page"`
	Limit    int                    `json:"limit"`
	HasMore  bool                   `json:"hasMore"`
}

// SendOpts holds parameters for sending a media message.
type SendOpts struct {
	PhoneNumber string `json:"number"`
	MediaType   string `json:"mediatype"`
	MimeType    string `json:"mimetype"`
	Base64      string `json:"media"`
	FileName    string `json:"fileName,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// InstanceState reports the gateway connection state for the instance.
type InstanceState struct {
	Instance string `json:"instance"`
	State    string `json:"state"`
}

// FetchChats lists the instance's conversations.
func (c *Client) FetchChats(ctx context.Context) ([]ChatSummary, error) {
	var chats []ChatSummary
	err := c.do(ctx, http.MethodGet, "/chat/findChats/"+c.Instance, nil, &chats)
	if err != nil {
		return nil, fmt.Errorf("gateway: fetch chats: %w", err)
	}
	return chats, nil
}

// FetchMessages returns one page of a chat's history, newest first.
func (c *Client) FetchMessages(ctx context.Context, chatID string, page, limit int) (*MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	body := map[string]interface{}{
		"where": map[string]interface{}{
			"key": map[string]interface{}{"remoteJid": chatID},
		},
		"page":  page,
		"limit": limit,
	}
	var msgs []normalize.RawMessage
	if err := c.do(ctx, http.MethodPost, "/chat/findMessages/"+c.Instance, body, &msgs); err != nil {
		return nil, fmt.Errorf("gateway: fetch messages %s: %w", chatID, err)
	}
	return &MessagePage{
		Messages: msgs,
		Page:     page,
		Limit:    limit,
		HasMore:  len(msgs) == limit,
	}, nil
}

type mediaResponse struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimetype"`
}

// FetchMedia downloads a message's media and returns it as a data URI.
func (c *Client) FetchMedia(ctx context.Context, chatID, messageID string) (string, error) {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"key": map[string]interface{}{"remoteJid": chatID, "id": messageID},
		},
	}
	var media mediaResponse
	if err := c.do(ctx, http.MethodPost, "/chat/getBase64FromMediaMessage/"+c.Instance, body, &media); err != nil {
		return "", fmt.Errorf("gateway: fetch media %s/%s: %w", chatID, messageID, err)
	}
	if media.Base64 == "" {
		return "", fmt.Errorf("gateway: fetch media %s/%s: empty payload", chatID, messageID)
	}
	return fmt.Sprintf("data:%s;base64,%s", media.MimeType, media.Base64), nil
}

// SendText sends a plain text message to a phone number.
func (c *Client) SendText(ctx context.Context, phoneNumber, text string) error {
	body := map[string]interface{}{
		"number": phoneNumber,
		"text":   text,
	}
	if err := c.do(ctx, http.MethodPost, "/message/sendText/"+c.Instance, body, nil); err != nil {
		return fmt.Errorf("gateway: send text to %s: %w", phoneNumber, err)
	}
	return nil
}

// SendMedia sends a base64-encoded media message.
func (c *Client) SendMedia(ctx context.Context, opts SendOpts) error {
	if err := c.do(ctx, http.MethodPost, "/message/sendMedia/"+c.Instance, opts, nil); err != nil {
		return fmt.Errorf("gateway: send media to %s: %w", opts.PhoneNumber, err)
	}
	return nil
}

// ConnectInstance asks the gateway to (re)connect the WhatsApp session.
func (c *Client) ConnectInstance(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/instance/connect/"+c.Instance, nil, &out); err != nil {
		return nil, fmt.Errorf("gateway: connect instance: %w", err)
	}
	return out, nil
}

// RestartInstance restarts the gateway-managed session.
func (c *Client) RestartInstance(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/instance/restart/"+c.Instance, nil, nil); err != nil {
		return fmt.Errorf("gateway: restart instance: %w", err)
	}
	return nil
}

type stateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

// InstanceStatus fetches the current connection state.
func (c *Client) InstanceStatus(ctx context.Context) (*InstanceState, error) {
	var resp stateResponse
	if err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+c.Instance, nil, &resp); err != nil {
		return nil, fmt.Errorf("gateway: instance status: %w", err)
	}
	return &InstanceState{Instance: resp.Instance.InstanceName, State: resp.Instance.State}, nil
}

// SetWebhook points the gateway's callbacks at url for the given event kinds.
func (c *Client) SetWebhook(ctx context.Context, url string, eventList []string) error {
	body := map[string]interface{}{
		"webhook": map[string]interface{}{
			"enabled": true,
			"url":     url,
			"events":  eventList,
		},
	}
	if err := c.do(ctx, http.MethodPost, "/webhook/set/"+c.Instance, body, nil); err != nil {
		return fmt.Errorf("gateway: set webhook: %w", err)
	}
	return nil
}

// do performs one JSON request against the gateway and decodes the response
// into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
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
