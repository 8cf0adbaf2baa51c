// Package normalize maps heterogeneous raw gateway message payloads into
// canonical message records.
package normalize

import (
	"fmt"
	"strings"
	"time"
)

// Canonical message types.
const (
	TypeText        = "text"
	TypeImage       = "image"
	TypeAudio       = "audio"
	TypeVideo       = "video"
	TypeDocument    = "document"
	TypeLocation    = "location"
	TypeUnsupported = "unsupported"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Placeholders shown when a payload carries no usable text.
const (
	PlaceholderVideo       = "[Vídeo]"
	PlaceholderDocument    = "[Documento]"
	PlaceholderImage       = "[Imagem]"
	PlaceholderAudio       = "[Áudio]"
	PlaceholderLocation    = "[Localização]"
	PlaceholderUnsupported = "[Mensagem não suportada]"
)

// displayLayout is the fixed format for human-readable timestamps. Sorting is
// always done on the epoch value, never on this string.
const displayLayout = "02/01/2006 15:04"

// RawKey identifies a gateway message within its conversation.
type RawKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// RawContent is the polymorphic message body. At most one sub-message is
// populated; which one decides the canonical type.
type RawContent struct {
	Conversation        string       `json:"conversation,omitempty"`
	ExtendedTextMessage *RawExtended `json:"extendedTextMessage,omitempty"`
	ImageMessage        *RawMedia    `json:"imageMessage,omitempty"`
	AudioMessage        *RawMedia    `json:"audioMessage,omitempty"`
	VideoMessage        *RawMedia    `json:"videoMessage,omitempty"`
	StickerMessage      *RawMedia    `json:"stickerMessage,omitempty"`
	DocumentMessage     *RawDocument `json:"documentMessage,omitempty"`
	LocationMessage     *RawLocation `json:"locationMessage,omitempty"`
	ReactionMessage     *RawReaction `json:"reactionMessage,omitempty"`
}

// RawExtended is quoted or link-preview text.
type RawExtended struct {
	Text string `json:"text"`
}

// RawMedia covers image, audio, video and sticker sub-messages.
type RawMedia struct {
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// RawDocument is an attached file.
type RawDocument struct {
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// RawLocation is a shared location pin.
type RawLocation struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// RawReaction is an emoji reaction to an earlier message.
type RawReaction struct {
	Text string `json:"text"`
	Key  RawKey `json:"key"`
}

// RawMessage is one message object as delivered by the gateway webhook.
type RawMessage struct {
	Key              RawKey      `json:"key"`
	PushName         string      `json:"pushName,omitempty"`
	Message          *RawContent `json:"message,omitempty"`
	MessageType      string      `json:"messageType,omitempty"`
	MessageTimestamp int64       `json:"messageTimestamp"`
	Status           string      `json:"status,omitempty"`
}

// Message is the canonical record produced from a raw gateway payload.
// Status is empty when the gateway did not report one; empty means unknown,
// not any particular delivery state.
type Message struct {
	ID          string `json:"id"`
	ChatID      string `json:"chatId"`
	Direction   string `json:"direction"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	Status      string `json:"status,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	DisplayTime string `json:"displayTime"`
}

// Normalize maps one raw gateway message into a canonical Message. Content is
// extracted top-to-bottom, first match wins. Malformed or partial payloads
// never fail; they degrade to the unsupported placeholder.
func Normalize(raw RawMessage) Message {
	msg := Message{
		ID:          raw.Key.ID,
		ChatID:      raw.Key.RemoteJID,
		Direction:   direction(raw.Key.FromMe),
		Status:      Status(raw.Status),
		Timestamp:   raw.MessageTimestamp,
		DisplayTime: DisplayTime(raw.MessageTimestamp),
	}
	msg.Type, msg.Content = extract(raw.Message)
	return msg
}

// extract resolves the canonical type and display content for a raw body.
func extract(c *RawContent) (string, string) {
	switch {
	case c == nil:
		return TypeText, PlaceholderUnsupported
	case c.Conversation != "":
		return TypeText, c.Conversation
	case c.ExtendedTextMessage != nil && c.ExtendedTextMessage.Text != "":
		return TypeText, c.ExtendedTextMessage.Text
	case c.ImageMessage != nil:
		return TypeImage, c.ImageMessage.Caption
	case c.AudioMessage != nil:
		// Audio has no caption.
		return TypeAudio, ""
	case c.VideoMessage != nil:
		if c.VideoMessage.Caption != "" {
			return TypeVideo, c.VideoMessage.Caption
		}
		return TypeVideo, PlaceholderVideo
	case c.StickerMessage != nil:
		return TypeImage, ""
	case c.DocumentMessage != nil:
		if c.DocumentMessage.Caption != "" {
			return TypeDocument, c.DocumentMessage.Caption
		}
		return TypeDocument, PlaceholderDocument
	case c.LocationMessage != nil:
		return TypeLocation, locationContent(c.LocationMessage)
	case c.ReactionMessage != nil:
		return TypeText, fmt.Sprintf("[Reação: %s]", c.ReactionMessage.Text)
	default:
		return TypeText, PlaceholderUnsupported
	}
}

func locationContent(l *RawLocation) string {
	switch {
	case l.Name != "":
		return l.Name
	case l.Address != "":
		return l.Address
	default:
		return PlaceholderLocation
	}
}

func direction(fromMe bool) string {
	if fromMe {
		return DirectionOutbound
	}
	return DirectionInbound
}

// Status maps a gateway delivery status onto the canonical set. Unknown
// values pass through lowercased; an absent status stays absent.
func Status(raw string) string {
	switch raw {
	case "":
		return ""
	case "PENDING":
		return "pending"
	case "SERVER_ACK":
		return "sent"
	case "DELIVERY_ACK":
		return "delivered"
	case "READ":
		return "read"
	case "ERROR":
		return "error"
	default:
		return strings.ToLower(raw)
	}
}

// DisplayTime formats epoch seconds with the fixed display layout, in UTC so
// output does not depend on the server's zone.
func DisplayTime(epoch int64) string {
	if epoch <= 0 {
		return ""
	}
	return time.Unix(epoch, 0).UTC().Format(displayLayout)
}

// Preview returns the chat summary line for list views: the extracted content
// when there is one, otherwise a short label for the media type.
func Preview(raw RawMessage) string {
	msg := Normalize(raw)
	if msg.Content != "" {
		return msg.Content
	}
	switch msg.Type {
	case TypeImage:
		return PlaceholderImage
	case TypeAudio:
		return PlaceholderAudio
	default:
		return msg.Content
	}
}
