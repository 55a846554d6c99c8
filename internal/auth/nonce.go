package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Nonce is a consumed replay-protection value. Rows are retained until expiry
// so replays within the signature tolerance window are detectable, then purged
// by the background reconciler.
type Nonce struct {
	Value     string    `gorm:"column:value;primaryKey;size:64"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index:idx_nonces_expiry"`
}

// TableName exposes the table backing consumed nonces.
func (Nonce) TableName() string {
	return "signing_nonces"
}

// NonceStore records consumed nonces.
type NonceStore struct {
	db       *gorm.DB
	lifetime time.Duration
}

// NewNonceStore constructs a nonce store retaining entries for the given
// lifetime.
func NewNonceStore(db *gorm.DB, lifetime time.Duration) *NonceStore {
	return &NonceStore{db: db, lifetime: lifetime}
}

// Consume records the nonce and reports whether it was fresh. A false return
// means the value was already used and the request must be rejected.
func (s *NonceStore) Consume(ctx context.Context, nonce []byte, now time.Time) (bool, error) {
	row := Nonce{Value: hex.EncodeToString(nonce), ExpiresAt: now.UTC().Add(s.lifetime)}

	var existing Nonce
	err := s.db.WithContext(ctx).Where("value = ?", row.Value).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	if createErr := s.db.WithContext(ctx).Create(&row).Error; createErr != nil {
		// Lost a race against a concurrent request using the same nonce;
		// exactly one of them may proceed.
		return false, nil
	}
	return true, nil
}

// PurgeExpired removes retired nonce rows.
func (s *NonceStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&Nonce{})
	return result.RowsAffected, result.Error
}
