// Package rotator hands out analysis-service credentials least recently used
// first, backed by a persistent CredentialStore so rotation survives restarts.
package rotator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/metrics"
)

// Rotator selects credentials from a CredentialStore.
type Rotator struct {
	store  clip.CredentialStore
	clock  clip.Clock
	logger *zap.Logger
}

// New constructs a Rotator.
func New(store clip.CredentialStore, clock clip.Clock, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{store: store, clock: clock, logger: logger.Named("rotator")}
}

// Sync upserts the configured keys. Existing rows keep their usage history.
func (r *Rotator) Sync(ctx context.Context, keys []string) error {
	if err := r.store.UpsertCredentials(ctx, keys); err != nil {
		return fmt.Errorf("sync credentials: %w", err)
	}
	count, err := r.store.CountCredentials(ctx)
	if err != nil {
		return fmt.Errorf("count credentials: %w", err)
	}
	r.logger.Info("credentials synced", zap.Int("configured", len(keys)), zap.Int("stored", count))
	return nil
}

// Next selects and marks the next credential. It returns clip.ErrNoCredentials
// when the table is empty.
func (r *Rotator) Next(ctx context.Context) (clip.Credential, error) {
	cred, err := r.store.AcquireCredential(ctx, r.clock.Now())
	if err != nil {
		return clip.Credential{}, err
	}
	fp := cred.Fingerprint()
	metrics.ObserveCredentialSelection(fp)
	r.logger.Debug("credential selected", zap.String("key", fp), zap.Int64("usage_count", cred.UsageCount))
	return cred, nil
}

// Count returns the number of stored credentials.
func (r *Rotator) Count(ctx context.Context) (int, error) {
	n, err := r.store.CountCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}
