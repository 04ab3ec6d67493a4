// Package connector plugs external chat platforms into the intake
// flow. A connector delivers user messages inbound and intake replies
// outbound; the Bridge in this package does the translation.
package connector

import "context"

// Connector is the interface for external messaging platforms.
type Connector interface {
	// Name returns the connector type (e.g., "telegram").
	Name() string
	// Start begins listening for inbound messages. Blocks until the
	// context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
	// Send delivers an outbound message to the external platform.
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundMessage is an intake reply bound for a platform chat.
type OutboundMessage struct {
	ChatID  string // Platform-specific chat identifier
	Content string // Message text (Markdown)
}

// InboundMessage is a user message received from a platform.
type InboundMessage struct {
	Channel  string // Connector name (e.g., "telegram")
	SenderID string // Platform-specific sender identifier
	ChatID   string // Platform-specific chat identifier
	Content  string // Message text
}

// InboundHandler processes messages received from external platforms.
type InboundHandler func(ctx context.Context, msg InboundMessage) error
