package gateway

import "context"

// Messenger defines the interface for chat transports (console, Telegram).
type Messenger interface {
	// Start runs the message loop until ctx is done or input ends.
	Start(ctx context.Context) error
	// Send delivers a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

var (
	_ Messenger = (*ConsoleGateway)(nil)
	_ Messenger = (*TelegramGateway)(nil)
)
