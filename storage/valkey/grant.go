package valkey

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/storage"
)

// ============================================================
// GrantStore Implementation
// ============================================================

// StoreGrant creates or replaces a grant and indexes it by subject
func (s *Store) StoreGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("invalid grant")
	}

	ctx, span := s.startStorageSpan(ctx, "store_grant")
	defer span.End()
	start := time.Now()

	err := s.putRecord(ctx, s.grantKey(grant.Key), grant, grant.ExpiresAt)
	if err == nil && grant.Subject != "" {
		err = s.client.Do(ctx,
			s.client.B().Sadd().Key(s.subjectGrantsKey(grant.Subject)).Member(grant.Key).Build(),
		).Error()
	}
	s.recordStorageOperation(ctx, span, "store_grant", err, start)
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// GetGrant retrieves a live grant by key
func (s *Store) GetGrant(ctx context.Context, key string) (*storage.Grant, error) {
	var grant storage.Grant
	if err := s.getRecord(ctx, s.grantKey(key), &grant, storage.ErrGrantNotFound); err != nil {
		return nil, err
	}
	if grant.IsExpired(s.now()) {
		return nil, storage.ErrGrantNotFound
	}
	return &grant, nil
}

// RemoveGrant atomically retrieves and deletes a grant.
// SECURITY: Exactly one concurrent caller receives the grant.
func (s *Store) RemoveGrant(ctx context.Context, key string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "remove_grant")
	defer span.End()
	start := time.Now()

	grant, err := s.removeGrant(ctx, key)
	s.recordStorageOperation(ctx, span, "remove_grant", err, start)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Removed grant",
		"key_prefix", util.SafeTruncate(key, tokenIDLogLength),
		"type", grant.Type)
	return grant, nil
}

func (s *Store) removeGrant(ctx context.Context, key string) (*storage.Grant, error) {
	recordKey := s.grantKey(key)

	res, err := s.eval(ctx, luaGetAndDelete, []string{recordKey})
	if err != nil {
		return nil, err
	}
	if res.isNil() {
		return nil, storage.ErrGrantNotFound
	}

	raw, err := res.string()
	if err != nil {
		return nil, fmt.Errorf("failed to read grant: %w", err)
	}

	var grant storage.Grant
	if err := s.openRecord(recordKey, raw, &grant); err != nil {
		return nil, err
	}

	if grant.Subject != "" {
		if err := s.client.Do(ctx,
			s.client.B().Srem().Key(s.subjectGrantsKey(grant.Subject)).Member(key).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to update subject grant index", "error", err)
		}
	}

	if grant.IsExpired(s.now()) {
		return nil, storage.ErrGrantNotFound
	}
	return &grant, nil
}

// GetAllGrants returns all live grants for a subject, oldest first
func (s *Store) GetAllGrants(ctx context.Context, subject string) ([]*storage.Grant, error) {
	indexKey := s.subjectGrantsKey(subject)

	keys, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}

	var grants []*storage.Grant
	for _, key := range keys {
		grant, err := s.GetGrant(ctx, key)
		if storage.IsNotFound(err) {
			// Expired by TTL; prune the index lazily
			_ = s.client.Do(ctx, s.client.B().Srem().Key(indexKey).Member(key).Build()).Error()
			continue
		}
		if err != nil {
			return nil, err
		}
		if grant.Subject == subject {
			grants = append(grants, grant)
		}
	}

	slices.SortFunc(grants, func(a, b *storage.Grant) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return grants, nil
}

// RemoveAllGrants deletes grants matching the filter
func (s *Store) RemoveAllGrants(ctx context.Context, filter storage.GrantFilter) (int, error) {
	if filter.Subject == "" {
		return 0, fmt.Errorf("grant filter requires a subject")
	}

	grants, err := s.GetAllGrants(ctx, filter.Subject)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, g := range grants {
		if !filter.Matches(g) {
			continue
		}
		if _, err := s.removeGrant(ctx, g.Key); err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return removed, err
		}
		removed++
	}

	s.logger.Debug("Removed grants",
		"client_id", filter.ClientID,
		"type", filter.Type,
		"count", removed)
	return removed, nil
}
