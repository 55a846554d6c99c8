// Package reaction aggregates emoji-style reactions over the room engine's
// message identity space and answers the "who reacted first" queries change
// feeds attach to served posts.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/parlorchat/parlor/internal/identity"
	"github.com/parlorchat/parlor/internal/room"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxReactionRunes bounds a reaction string to 12 unicode scalar values.
const maxReactionRunes = 12

// ErrInvalidReaction rejects empty, oversized, or non-UTF-8 reaction strings
// before storage is touched.
var ErrInvalidReaction = fmt.Errorf("%w: reaction must be 1-12 unicode characters", room.ErrInvalidInput)

var errMissingDatabase = errors.New("reaction: database handle is required")

// Reaction is one identity's reaction on one post. The autoincrement id
// preserves insertion order so first-reactor queries never rescan.
type Reaction struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID  int64     `gorm:"column:message_id;not null;uniqueIndex:idx_reaction_unique,priority:1;index:idx_reaction_message"`
	Reaction   string    `gorm:"column:reaction;size:48;not null;uniqueIndex:idx_reaction_unique,priority:2"`
	IdentityID int64     `gorm:"column:identity_id;not null;uniqueIndex:idx_reaction_unique,priority:3"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing reactions.
func (Reaction) TableName() string {
	return "message_reactions"
}

// EngineConfig describes reaction engine dependencies.
type EngineConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Engine owns reaction rows and their seqno coupling to the room engine.
type Engine struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ room.ReactionProvider = (*Engine)(nil)

// NewEngine constructs the reaction engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: cfg.Database, logger: logger}, nil
}

func validReaction(value string) bool {
	if !utf8.ValidString(value) {
		return false
	}
	runes := utf8.RuneCountInString(value)
	return runes >= 1 && runes <= maxReactionRunes
}

func (e *Engine) messageInRoom(tx *gorm.DB, roomID, messageID int64) (room.Message, error) {
	var message room.Message
	err := tx.Where("id = ? AND room_id = ? AND deleted_at IS NULL", messageID, roomID).First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return room.Message{}, room.ErrNotFound
	}
	return message, err
}

// Add records a reaction. Reacting twice with the same string is idempotent:
// the second call reports added=false without an error and allocates no
// seqno.
func (e *Engine) Add(ctx context.Context, r room.Room, messageID int64, caller identity.Identity, value string) (added bool, seqno int64, err error) {
	if !validReaction(value) {
		return false, 0, ErrInvalidReaction
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := e.messageInRoom(tx, r.ID, messageID)
		if err != nil {
			return err
		}
		var existing Reaction
		err = tx.Where("message_id = ? AND reaction = ? AND identity_id = ?", messageID, value, caller.ID).
			First(&existing).Error
		if err == nil {
			seqno = message.Seqno
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		row := Reaction{MessageID: messageID, Reaction: value, IdentityID: caller.ID}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		seqno, err = room.StampReactionChange(tx, r.ID, messageID)
		if err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return added, seqno, nil
}

// Remove deletes a reaction; removed=false when it was absent.
func (e *Engine) Remove(ctx context.Context, r room.Room, messageID int64, caller identity.Identity, value string) (removed bool, seqno int64, err error) {
	if !validReaction(value) {
		return false, 0, ErrInvalidReaction
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := e.messageInRoom(tx, r.ID, messageID)
		if err != nil {
			return err
		}
		result := tx.Where("message_id = ? AND reaction = ? AND identity_id = ?", messageID, value, caller.ID).
			Delete(&Reaction{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			seqno = message.Seqno
			return nil
		}
		seqno, err = room.StampReactionChange(tx, r.ID, messageID)
		if err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return removed, seqno, nil
}

// RemoveAll strips reactions from a post, scoped to one reaction string when
// value is non-nil. Callers gate this behind the moderator role.
func (e *Engine) RemoveAll(ctx context.Context, r room.Room, messageID int64, value *string) (removed int64, seqno int64, err error) {
	if value != nil && !validReaction(*value) {
		return 0, 0, ErrInvalidReaction
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := e.messageInRoom(tx, r.ID, messageID)
		if err != nil {
			return err
		}
		scope := tx.Where("message_id = ?", messageID)
		if value != nil {
			scope = scope.Where("reaction = ?", *value)
		}
		result := scope.Delete(&Reaction{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		if removed == 0 {
			seqno = message.Seqno
			return nil
		}
		seqno, err = room.StampReactionChange(tx, r.ID, messageID)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return removed, seqno, nil
}

// Summaries aggregates reactions for a batch of posts: per-reaction counts,
// whether the caller reacted, and the first reactorLimit reactor identifiers
// in insertion order. Reactor lists are omitted entirely when reactorLimit is
// zero.
func (e *Engine) Summaries(ctx context.Context, caller *identity.Identity, messageIDs []int64, reactorLimit int) (map[int64]map[string]room.ReactionSummary, error) {
	if len(messageIDs) == 0 {
		return map[int64]map[string]room.ReactionSummary{}, nil
	}
	var rows []Reaction
	err := e.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	type key struct {
		messageID int64
		reaction  string
	}
	summaries := make(map[key]*room.ReactionSummary)
	reactorIDs := make(map[key][]int64)
	identitySet := map[int64]struct{}{}
	for _, row := range rows {
		k := key{row.MessageID, row.Reaction}
		summary := summaries[k]
		if summary == nil {
			summary = &room.ReactionSummary{}
			summaries[k] = summary
		}
		summary.Count++
		if caller != nil && row.IdentityID == caller.ID {
			summary.You = true
		}
		if reactorLimit > 0 && len(reactorIDs[k]) < reactorLimit {
			reactorIDs[k] = append(reactorIDs[k], row.IdentityID)
			identitySet[row.IdentityID] = struct{}{}
		}
	}

	sessions := map[int64]string{}
	if len(identitySet) > 0 {
		ids := make([]int64, 0, len(identitySet))
		for id := range identitySet {
			ids = append(ids, id)
		}
		var identities []identity.Identity
		if err := e.db.WithContext(ctx).Where("id IN ?", ids).Find(&identities).Error; err != nil {
			return nil, err
		}
		for _, ident := range identities {
			sessions[ident.ID] = ident.SessionID
		}
	}

	result := make(map[int64]map[string]room.ReactionSummary)
	for k, summary := range summaries {
		if reactorLimit > 0 {
			for _, id := range reactorIDs[k] {
				summary.Reactors = append(summary.Reactors, sessions[id])
			}
		}
		perMessage := result[k.messageID]
		if perMessage == nil {
			perMessage = map[string]room.ReactionSummary{}
			result[k.messageID] = perMessage
		}
		perMessage[k.reaction] = *summary
	}
	return result, nil
}

// PurgeMessages removes all reactions for tombstoned posts; called inside the
// room engine's deletion transaction.
func (e *Engine) PurgeMessages(tx *gorm.DB, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return tx.Where("message_id IN ?", messageIDs).Delete(&Reaction{}).Error
}

// PurgeRoom removes every reaction in a room; called inside the room deletion
// transaction.
func (e *Engine) PurgeRoom(tx *gorm.DB, roomID int64) error {
	return tx.Exec(
		"DELETE FROM message_reactions WHERE message_id IN (SELECT id FROM messages WHERE room_id = ?)",
		roomID,
	).Error
}
