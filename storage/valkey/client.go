package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	if err := s.putRecord(ctx, s.clientKey(client.ClientID), client, time.Time{}); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	start := time.Now()

	var client storage.Client
	err := s.getRecord(ctx, s.clientKey(clientID), &client, storage.ErrClientNotFound)
	s.recordStorageOperation(ctx, span, "get_client", err, start)
	if err != nil {
		return nil, err
	}
	return &client, nil
}
