package handlers

import "context"

// CaptureHandler processes one kind of hot-path capture event
type CaptureHandler interface {
	// Handle processes the raw JSON body for userID
	Handle(ctx context.Context, userID string, data []byte) error

	// GetEventType returns the capture event the handler accepts
	GetEventType() string
}
