// Package push hands session events off to a push-notification channel when
// no WebSocket subscriber is connected. Transport formats are external; this
// package only carries the contract and a logging fallback.
package push

import (
	"context"
)

// Notification is one event handed off to the push channel.
type Notification struct {
	EventType string
	Title     string
	Body      string
	SessionID string
}

// Device is a registered push target.
type Device struct {
	Token    string
	Platform string
}

// Provider delivers notifications to a device.
type Provider interface {
	Available() bool
	Send(ctx context.Context, device Device, n Notification) error
}
