// Package files tracks uploaded file metadata: ownership, expiry, and the
// association between uploads and the posts that reference them. Byte storage
// belongs to an external collaborator reached through the Storage interface.
package files

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// attachWindow bounds how old an upload may be when a post claims it.
const attachWindow = time.Hour

// defaultExpiry is how long an unattached upload survives.
const defaultExpiry = 15 * 24 * time.Hour

// File is the metadata row for one uploaded blob.
type File struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID     int64     `gorm:"column:room_id;not null;index:idx_files_room"`
	UploaderID int64     `gorm:"column:uploader_id;not null"`
	MessageID  *int64    `gorm:"column:message_id;index:idx_files_message"`
	Size       int64     `gorm:"column:size;not null"`
	Filename   string    `gorm:"column:filename;size:255"`
	PathHandle string    `gorm:"column:path_handle;size:64;not null;uniqueIndex:idx_files_handle"`
	UploadedAt time.Time `gorm:"column:uploaded_at;not null"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null;index:idx_files_expiry"`
}

// TableName exposes the table backing file metadata.
func (File) TableName() string {
	return "files"
}

// Storage removes blob bytes once the core retires a metadata row.
type Storage interface {
	Remove(ctx context.Context, pathHandle string) error
}

// NopStorage satisfies Storage when no blob backend is attached.
type NopStorage struct{}

// Remove does nothing.
func (NopStorage) Remove(context.Context, string) error { return nil }

var errMissingDatabase = errors.New("files: database handle is required")

// ServiceConfig describes file-tracking dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Storage  Storage
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns file metadata rows.
type Service struct {
	db      *gorm.DB
	storage Storage
	now     func() time.Time
	logger  *zap.Logger
}

// NewService constructs the file metadata service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	storage := cfg.Storage
	if storage == nil {
		storage = NopStorage{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, storage: storage, now: clock, logger: logger}, nil
}

// Reserve records an announced upload and returns its metadata row. The path
// handle names the blob for the storage collaborator.
func (s *Service) Reserve(ctx context.Context, roomID, uploaderID, size int64, filename string) (File, error) {
	now := s.now().UTC()
	file := File{
		RoomID:     roomID,
		UploaderID: uploaderID,
		Size:       size,
		Filename:   filename,
		PathHandle: uuid.NewString(),
		UploadedAt: now,
		ExpiresAt:  now.Add(defaultExpiry),
	}
	if err := s.db.WithContext(ctx).Create(&file).Error; err != nil {
		return File{}, err
	}
	return file, nil
}

// AttachToMessage claims recent uploads for a new post. Only files uploaded by
// the same author in the same room within the attach window are claimed;
// anything else in the id list is silently skipped.
func (s *Service) AttachToMessage(tx *gorm.DB, roomID, authorID, messageID int64, fileIDs []int64) error {
	if len(fileIDs) == 0 {
		return nil
	}
	cutoff := s.now().UTC().Add(-attachWindow)
	return tx.Model(&File{}).
		Where("id IN ? AND room_id = ? AND uploader_id = ? AND message_id IS NULL AND uploaded_at >= ?",
			fileIDs, roomID, authorID, cutoff).
		Update("message_id", messageID).Error
}

// ExtendExpiryForMessage pushes back expiry of every file attached to a post,
// used when unpinning so the blobs are not collected immediately.
func (s *Service) ExtendExpiryForMessage(ctx context.Context, messageID int64, extension time.Duration) error {
	return s.db.WithContext(ctx).Model(&File{}).
		Where("message_id = ?", messageID).
		Update("expires_at", s.now().UTC().Add(extension)).Error
}

// PurgeExpired deletes expired metadata rows and asks the storage
// collaborator to drop the underlying bytes. A storage failure for one blob
// is logged and does not abort the sweep.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	var expired []File
	if err := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Find(&expired).Error; err != nil {
		return 0, err
	}
	purged := 0
	for _, file := range expired {
		if err := s.db.WithContext(ctx).Delete(&File{}, file.ID).Error; err != nil {
			return purged, err
		}
		if err := s.storage.Remove(ctx, file.PathHandle); err != nil {
			s.logger.Warn("blob removal failed",
				zap.String("path_handle", file.PathHandle),
				zap.Error(err))
		}
		purged++
	}
	return purged, nil
}
