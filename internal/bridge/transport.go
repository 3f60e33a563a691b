// Package bridge connects a chat gateway to the dispatcher: it
// receives inbound chat messages, routes them through the dispatch
// layer, and sends the rendered replies back.
package bridge

import (
	"context"
	"time"
)

// Inbound is a single chat message received from the gateway.
type Inbound struct {
	ChatID         string    `json:"chat_id"`
	SenderID       string    `json:"sender_id"`
	SenderNickname string    `json:"sender_nickname"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// Transport abstracts the chat gateway connection. The real
// implementation is *Gateway.
type Transport interface {
	// Messages returns the channel of inbound chat messages. The
	// channel is closed when the connection is shut down for good.
	Messages() <-chan Inbound

	// SendText delivers an HTML-formatted reply to a chat.
	SendText(ctx context.Context, chatID, html string) error

	// SendTyping toggles the typing indicator in a chat. stop=true
	// clears it.
	SendTyping(ctx context.Context, chatID string, stop bool) error
}
