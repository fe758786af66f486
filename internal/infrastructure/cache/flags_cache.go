// Package cache provides a database-backed settings provider with
// LISTEN/NOTIFY invalidation. Operational flags live in the meta database
// and flipping one takes effect on every running process within seconds,
// without a restart.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"trigon/internal/core/settings"
	"trigon/pkg/logger"
)

const (
	// settingsChannel is the pg NOTIFY channel fired by the trigger on
	// sys_settings.
	settingsChannel = "settings_changed"

	// reloadDebounce coalesces bursts of notifications into one reload.
	reloadDebounce = 100 * time.Millisecond

	// listenRetryDelay between reconnect attempts when the listening
	// connection drops.
	listenRetryDelay = 5 * time.Second
)

type flagEntry struct {
	Enabled bool
	Value   any
}

// FlagsCache is a settings.Provider backed by the sys_settings table.
// All reads are served from memory; the cache reloads when the database
// notifies on the settings channel.
type FlagsCache struct {
	pool *pgxpool.Pool
	log  *logger.Logger

	mu    sync.RWMutex
	flags map[string]flagEntry

	loadedAt time.Time
	reloads  int64

	cancel context.CancelFunc
	done   chan struct{}
}

var _ settings.Provider = (*FlagsCache)(nil)

// NewFlagsCache creates the cache. Call Start to load flags and begin
// listening for invalidations.
func NewFlagsCache(pool *pgxpool.Pool, log *logger.Logger) *FlagsCache {
	return &FlagsCache{
		pool:  pool,
		log:   log.WithComponent("flags_cache"),
		flags: make(map[string]flagEntry),
		done:  make(chan struct{}),
	}
}

// Start performs the initial load and starts the listen loop. The loop
// runs until Stop is called or ctx is cancelled.
func (c *FlagsCache) Start(ctx context.Context) error {
	if err := c.reload(ctx); err != nil {
		return fmt.Errorf("initial flags load: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.listenLoop(loopCtx)

	return nil
}

// Stop terminates the listen loop and waits for it to exit.
func (c *FlagsCache) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// IsEnabled implements settings.Provider.
func (c *FlagsCache) IsEnabled(_ context.Context, flag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags[flag].Enabled
}

// GetValue implements settings.Provider.
func (c *FlagsCache) GetValue(_ context.Context, flag string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags[flag].Value
}

// Stats reports cache age and reload count for the health endpoint.
func (c *FlagsCache) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"flags":     len(c.flags),
		"loaded_at": c.loadedAt,
		"reloads":   c.reloads,
	}
}

// reload replaces the flag map from sys_settings. Rows outside their
// validity window count as disabled.
func (c *FlagsCache) reload(ctx context.Context) error {
	rows, err := c.pool.Query(ctx, `
		SELECT flag, enabled, value, valid_from, valid_until
		FROM sys_settings
	`)
	if err != nil {
		return fmt.Errorf("query sys_settings: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	fresh := make(map[string]flagEntry)

	for rows.Next() {
		var (
			flag       string
			enabled    bool
			value      any
			validFrom  *time.Time
			validUntil *time.Time
		)
		if err := rows.Scan(&flag, &enabled, &value, &validFrom, &validUntil); err != nil {
			return fmt.Errorf("scan sys_settings row: %w", err)
		}

		if validFrom != nil && now.Before(*validFrom) {
			enabled = false
		}
		if validUntil != nil && now.After(*validUntil) {
			enabled = false
		}

		fresh[flag] = flagEntry{Enabled: enabled, Value: value}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate sys_settings: %w", err)
	}

	c.mu.Lock()
	c.flags = fresh
	c.loadedAt = now
	c.reloads++
	c.mu.Unlock()

	c.log.Debugw("settings reloaded", "flags", len(fresh))
	return nil
}

// listenLoop holds a dedicated connection on LISTEN and reloads on every
// notification. Reconnects with a delay when the connection drops.
func (c *FlagsCache) listenLoop(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.listen(ctx); err != nil && ctx.Err() == nil {
			c.log.Warnw("settings listener disconnected, retrying",
				"error", err, "retry_in", listenRetryDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryDelay):
		}
	}
}

func (c *FlagsCache) listen(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+settingsChannel); err != nil {
		return fmt.Errorf("listen %s: %w", settingsChannel, err)
	}

	c.log.Infow("listening for settings changes", "channel", settingsChannel)

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}

		// Changes often arrive in bursts (a migration touching several
		// flags); wait briefly and reload once.
		time.Sleep(reloadDebounce)

		if err := c.reload(ctx); err != nil {
			c.log.Errorw("settings reload failed", "error", err)
		}
	}
}
