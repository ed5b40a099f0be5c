package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// InvalidationChannel is the Postgres NOTIFY channel used to drop caches in
// every engine process sharing the store.
const InvalidationChannel = "engine_invalidate"

// Invalidation is the NOTIFY payload
type Invalidation struct {
	Scope  string `json:"scope"` // "addendum", "config" or "all"
	UserID string `json:"user_id,omitempty"`
	Origin string `json:"origin"`
}

// NotifyInvalidation publishes an invalidation to other processes.
// It is a no-op on dialects without LISTEN/NOTIFY.
func (d *Database) NotifyInvalidation(ctx context.Context, inv Invalidation) error {
	if d.Dialect() != "postgres" {
		return nil
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return d.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", InvalidationChannel, string(payload)).Error
}

// InvalidationListener receives NOTIFY payloads through a dedicated lib/pq
// connection, which reconnects on its own after network failures.
type InvalidationListener struct {
	listener *pq.Listener
	logger   *zap.Logger
}

// NewInvalidationListener opens the LISTEN connection
func NewInvalidationListener(dsn string, logger *zap.Logger) (*InvalidationListener, error) {
	report := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("invalidation listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	}

	l := pq.NewListener(dsn, 2*time.Second, time.Minute, report)
	if err := l.Listen(InvalidationChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("NewInvalidationListener: %w", err)
	}
	return &InvalidationListener{listener: l, logger: logger}, nil
}

// Run delivers decoded invalidations to handle until ctx is cancelled.
// Notifications sent by origin itself are skipped.
func (il *InvalidationListener) Run(ctx context.Context, origin string, handle func(Invalidation)) {
	defer il.listener.Close()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-il.listener.Notify:
			// nil after a reconnect; anything may have been missed
			if n == nil {
				handle(Invalidation{Scope: "all"})
				continue
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(n.Extra), &inv); err != nil {
				il.logger.Warn("bad invalidation payload", zap.String("payload", n.Extra), zap.Error(err))
				continue
			}
			if inv.Origin == origin {
				continue
			}
			handle(inv)
		case <-ping.C:
			if err := il.listener.Ping(); err != nil {
				il.logger.Warn("invalidation listener ping failed", zap.Error(err))
			}
		}
	}
}
