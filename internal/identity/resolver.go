package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parlorchat/parlor/internal/crypto"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the identity does not exist and autovivification
	// was not permitted.
	ErrNotFound = errors.New("identity: not found")
	// ErrInvalidSessionID indicates a malformed external identifier.
	ErrInvalidSessionID = errors.New("identity: invalid session id")

	errMissingDatabase = errors.New("identity: database handle is required")
)

// ResolverConfig describes the dependencies required for identity resolution.
type ResolverConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver manages the mapping between session identifiers and identity rows.
type Resolver struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewResolver constructs the resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: cfg.Database, now: clock, logger: logger}, nil
}

// ResolveBySessionID looks an identity up by its external identifier. When
// autovivify is true an unknown identifier is inserted on first contact;
// concurrent first contacts race on the unique index, so a failed insert
// retries the lookup once before giving up.
func (r *Resolver) ResolveBySessionID(ctx context.Context, sessionID string, autovivify bool) (Identity, error) {
	prefix, _, err := crypto.ParseIdentifier(sessionID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}
	switch prefix {
	case crypto.PrefixSession, crypto.PrefixBlinded:
	default:
		return Identity{}, fmt.Errorf("%w: unsupported prefix %q", ErrInvalidSessionID, prefix)
	}

	var found Identity
	err = r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&found).Error
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, err
	}
	if !autovivify {
		return Identity{}, ErrNotFound
	}

	fresh := Identity{
		SessionID:        sessionID,
		VisibleModerator: true,
		LastActiveAt:     r.now().UTC(),
	}
	if createErr := r.db.WithContext(ctx).Create(&fresh).Error; createErr != nil {
		// Lost a first-contact race; the row should exist now.
		if retryErr := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&found).Error; retryErr == nil {
			return found, nil
		}
		return Identity{}, createErr
	}
	r.logger.Debug("identity created", zap.Int64("id", fresh.ID), zap.String("session_id", sessionID))
	return fresh, nil
}

// ResolveByID looks an identity up by its numeric id.
func (r *Resolver) ResolveByID(ctx context.Context, id int64) (Identity, error) {
	var found Identity
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	return found, nil
}

// SetGlobalAdmin grants the global admin role; admin implies moderator.
func (r *Resolver) SetGlobalAdmin(ctx context.Context, id int64, visible bool) error {
	return r.updateFlags(ctx, id, map[string]interface{}{
		"global_admin":      true,
		"global_moderator":  true,
		"visible_moderator": visible,
	})
}

// SetGlobalModerator grants the global moderator role.
func (r *Resolver) SetGlobalModerator(ctx context.Context, id int64, visible bool) error {
	return r.updateFlags(ctx, id, map[string]interface{}{
		"global_moderator":  true,
		"visible_moderator": visible,
	})
}

// RemoveGlobalAdmin clears only the admin bit; a separately held moderator
// role survives.
func (r *Resolver) RemoveGlobalAdmin(ctx context.Context, id int64) error {
	return r.updateFlags(ctx, id, map[string]interface{}{"global_admin": false})
}

// RemoveGlobalModerator clears both the moderator and admin bits.
func (r *Resolver) RemoveGlobalModerator(ctx context.Context, id int64) error {
	return r.updateFlags(ctx, id, map[string]interface{}{
		"global_admin":     false,
		"global_moderator": false,
	})
}

// TouchActivity refreshes the last-active timestamp. Failures are logged and
// swallowed; activity tracking must never fail the caller's main operation.
func (r *Resolver) TouchActivity(ctx context.Context, id int64) {
	err := r.db.WithContext(ctx).Model(&Identity{}).
		Where("id = ?", id).
		Update("last_active_at", r.now().UTC()).Error
	if err != nil {
		r.logger.Warn("identity activity update failed", zap.Int64("id", id), zap.Error(err))
	}
}

func (r *Resolver) updateFlags(ctx context.Context, id int64, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&Identity{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
