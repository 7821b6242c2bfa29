// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit enforces the per-user room creation limit.
//
// The limit is a sliding window over the durable creation history in
// roomstore: a user who creates Threshold rooms within Window is
// blocked from creating more until a Cooldown elapses. Blocks are
// persisted too, so a restart neither forgets an active block nor
// re-punishes a served one.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/anteroom-dev/anteroom/lib/clock"
	"github.com/anteroom-dev/anteroom/lib/ref"
)

// Store is the slice of roomstore the limiter needs.
type Store interface {
	RecordCreation(ctx context.Context, user ref.UserID) error
	CountCreationsSince(ctx context.Context, user ref.UserID, cutoff time.Time) (int, error)
	SetBlock(ctx context.Context, user ref.UserID, until time.Time) error
	BlockUntil(ctx context.Context, user ref.UserID) (time.Time, bool, error)
	ClearExpiredBlocks(ctx context.Context, now time.Time) error
}

// Config holds the limiter parameters. All three must be positive.
type Config struct {
	// Threshold is the number of creations within Window that trips a
	// block.
	Threshold int

	// Window is how far back creations count against the threshold.
	Window time.Duration

	// Cooldown is how long a tripped user stays blocked.
	Cooldown time.Duration
}

// Denial reports why creation was refused.
type Denial struct {
	// BlockedUntil is when the user may create again.
	BlockedUntil time.Time
}

// Remaining returns the time left on the block, floored at zero.
func (d Denial) Remaining(now time.Time) time.Duration {
	remaining := d.BlockedUntil.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Limiter applies the sliding-window creation limit. Safe for
// concurrent use; the store provides the only shared state.
type Limiter struct {
	config Config
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Limiter. Returns an error for non-positive parameters.
func New(config Config, store Store, clk clock.Clock, logger *slog.Logger) (*Limiter, error) {
	if config.Threshold <= 0 {
		return nil, fmt.Errorf("ratelimit: Threshold must be positive, got %d", config.Threshold)
	}
	if config.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: Window must be positive, got %v", config.Window)
	}
	if config.Cooldown <= 0 {
		return nil, fmt.Errorf("ratelimit: Cooldown must be positive, got %v", config.Cooldown)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Limiter{config: config, store: store, clock: clk, logger: logger}, nil
}

// CanCreate decides whether the user may create a room now. A denial
// carries the block expiry; callers notify the user and stop. Denied
// attempts are not themselves recorded.
//
// Deciding and recording are separate store operations, so two
// concurrent attempts by the same user can both pass the check. The
// window still converges: RoomCreated re-counts after recording and
// blocks at the threshold.
func (l *Limiter) CanCreate(ctx context.Context, user ref.UserID) (bool, Denial, error) {
	now := l.clock.Now()

	if err := l.store.ClearExpiredBlocks(ctx, now); err != nil {
		return false, Denial{}, fmt.Errorf("ratelimit: clearing expired blocks: %w", err)
	}

	until, blocked, err := l.store.BlockUntil(ctx, user)
	if err != nil {
		return false, Denial{}, fmt.Errorf("ratelimit: checking block: %w", err)
	}
	if blocked && until.After(now) {
		return false, Denial{BlockedUntil: until}, nil
	}

	count, err := l.store.CountCreationsSince(ctx, user, now.Add(-l.config.Window))
	if err != nil {
		return false, Denial{}, fmt.Errorf("ratelimit: counting creations: %w", err)
	}
	if count >= l.config.Threshold {
		// The window is still saturated after any previous block
		// expired. Start a fresh cooldown.
		blockUntil := now.Add(l.config.Cooldown)
		if err := l.store.SetBlock(ctx, user, blockUntil); err != nil {
			return false, Denial{}, fmt.Errorf("ratelimit: setting block: %w", err)
		}
		l.logger.Info("creation blocked",
			"user", user,
			"window_count", count,
			"blocked_until", blockUntil,
		)
		return false, Denial{BlockedUntil: blockUntil}, nil
	}

	return true, Denial{}, nil
}

// RoomCreated records a successful creation. If the recorded creation
// brings the window count to the threshold, the block starts
// immediately rather than waiting for the next denied attempt.
func (l *Limiter) RoomCreated(ctx context.Context, user ref.UserID) error {
	if err := l.store.RecordCreation(ctx, user); err != nil {
		return fmt.Errorf("ratelimit: recording creation: %w", err)
	}

	now := l.clock.Now()
	count, err := l.store.CountCreationsSince(ctx, user, now.Add(-l.config.Window))
	if err != nil {
		return fmt.Errorf("ratelimit: counting creations: %w", err)
	}
	if count >= l.config.Threshold {
		blockUntil := now.Add(l.config.Cooldown)
		if err := l.store.SetBlock(ctx, user, blockUntil); err != nil {
			return fmt.Errorf("ratelimit: setting block: %w", err)
		}
		l.logger.Info("creation threshold reached",
			"user", user,
			"window_count", count,
			"blocked_until", blockUntil,
		)
	}
	return nil
}
