package bus

import (
	"time"

	"github.com/google/uuid"
)

// Direction records which side of the gateway produced a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is the unit carried by both queues. Treat it as immutable once pushed;
// the consumer receives its own copy.
type Message struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chat_id"`
	SenderID  string            `json:"sender_id,omitempty"`
	Direction Direction         `json:"direction"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewInbound builds a message received from a channel.
func NewInbound(channel, chatID, senderID, content string) Message {
	return newMessage(DirectionInbound, channel, chatID, senderID, content)
}

// NewOutbound builds a reply destined for channel/chatID.
func NewOutbound(channel, chatID, content string) Message {
	return newMessage(DirectionOutbound, channel, chatID, "", content)
}

func newMessage(dir Direction, channel, chatID, senderID, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChatID:    chatID,
		SenderID:  senderID,
		Direction: dir,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Reply derives an outbound message addressed back to where m came from.
func (m Message) Reply(content string) Message {
	out := NewOutbound(m.Channel, m.ChatID, content)
	if m.ID != "" {
		out.Metadata = map[string]string{"in_reply_to": m.ID}
	}
	return out
}
