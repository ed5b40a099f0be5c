package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatch limits
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxInflight = 64
)

// ErrBusy is returned when too many captures are already in flight
var ErrBusy = fmt.Errorf("capture queue full")

// HandlerManager routes capture events to their handlers. Dispatch returns
// as soon as the event is accepted; the handler runs on its own goroutine
// and its errors are only logged.
type HandlerManager struct {
	handlers map[string]CaptureHandler
	mu       sync.RWMutex

	timeout  time.Duration
	slots    chan struct{}
	inflight sync.WaitGroup
	logger   *zap.Logger
}

// NewHandlerManager creates a new dispatcher
func NewHandlerManager(logger *zap.Logger) *HandlerManager {
	return &HandlerManager{
		handlers: make(map[string]CaptureHandler),
		timeout:  DefaultTimeout,
		slots:    make(chan struct{}, DefaultMaxInflight),
		logger:   logger.Named("capture"),
	}
}

// RegisterHandler registers a handler under its event type
func (hm *HandlerManager) RegisterHandler(handler CaptureHandler) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.handlers[handler.GetEventType()] = handler
	hm.logger.Debug("registered capture handler", zap.String("event", handler.GetEventType()))
}

// GetHandler returns the handler for an event type
func (hm *HandlerManager) GetHandler(eventType string) (CaptureHandler, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	handler, exists := hm.handlers[eventType]
	return handler, exists
}

// Dispatch accepts an event for background processing
func (hm *HandlerManager) Dispatch(eventType, userID string, data []byte) error {
	handler, exists := hm.GetHandler(eventType)
	if !exists {
		return fmt.Errorf("handler '%s' not found", eventType)
	}

	select {
	case hm.slots <- struct{}{}:
	default:
		hm.logger.Warn("capture dropped, queue full", zap.String("event", eventType))
		return ErrBusy
	}

	hm.inflight.Add(1)
	go func() {
		defer func() {
			<-hm.slots
			hm.inflight.Done()
		}()
		defer func() {
			if r := recover(); r != nil {
				hm.logger.Error("capture handler panicked", zap.String("event", eventType), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
		defer cancel()
		if err := handler.Handle(ctx, userID, data); err != nil {
			hm.logger.Warn("capture failed", zap.String("event", eventType), zap.String("user_id", userID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every accepted event has been processed
func (hm *HandlerManager) Wait() {
	hm.inflight.Wait()
}

// ListHandlers returns the registered event types, sorted
func (hm *HandlerManager) ListHandlers() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	names := make([]string, 0, len(hm.handlers))
	for name := range hm.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
