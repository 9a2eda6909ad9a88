package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// ============================================================
// ReplayCache Implementation
// ============================================================

// AddIfAbsent records purpose:key until expiresAt; returns false on replay.
// SECURITY: SET NX makes the check atomic across engine instances.
func (s *Store) AddIfAbsent(ctx context.Context, purpose, key string, expiresAt time.Time) (bool, error) {
	res, err := s.eval(ctx, luaSetIfAbsent, []string{s.replayKey(purpose, key)}, "1",
		strconv.FormatInt(s.millisUntil(expiresAt), 10))
	if err != nil {
		return false, fmt.Errorf("failed to record %s: %w", purpose, err)
	}

	added, err := res.int64()
	if err != nil {
		return false, fmt.Errorf("failed to record %s: %w", purpose, err)
	}
	return added == 1, nil
}

// ============================================================
// MessageStore Implementation
// ============================================================

// SaveMessage stores an interaction message
func (s *Store) SaveMessage(ctx context.Context, msg *storage.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("invalid message")
	}
	if err := s.putRecord(ctx, s.messageKey(msg.Kind, msg.ID), msg, msg.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessage retrieves a live message
func (s *Store) GetMessage(ctx context.Context, kind storage.MessageKind, id string) (*storage.Message, error) {
	var msg storage.Message
	if err := s.getRecord(ctx, s.messageKey(kind, id), &msg, storage.ErrMessageNotFound); err != nil {
		return nil, err
	}
	if !msg.ExpiresAt.IsZero() && !s.now().Before(msg.ExpiresAt) {
		return nil, storage.ErrMessageNotFound
	}
	return &msg, nil
}

// DeleteMessage removes a message
func (s *Store) DeleteMessage(ctx context.Context, kind storage.MessageKind, id string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.messageKey(kind, id)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
