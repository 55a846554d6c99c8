package room

import (
	"context"
	"fmt"
	"time"

	"github.com/parlorchat/parlor/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 100
	maxPageSize     = 256
)

// NewPost describes a post submission.
type NewPost struct {
	Data        []byte
	Signature   []byte
	WhisperTo   *int64
	WhisperMods bool
	FileIDs     []int64
}

// AddPost admits a post into the room. The author needs write permission and,
// for whispers, the moderator role. Non-admin authors are subject to the
// room's rate limit. The content filter is consulted before insertion; a
// rejected post is still stored, marked filtered and hidden from normal
// reads, and the call reports ErrPostRejected.
func (s *Service) AddPost(ctx context.Context, r Room, author identity.Identity, post NewPost) (Message, error) {
	effective, err := s.Effective(ctx, r, &author)
	if err != nil {
		return Message{}, err
	}
	if effective.Banned || !effective.CanWrite() {
		return Message{}, ErrBadPermission
	}
	if (post.WhisperTo != nil || post.WhisperMods) && !effective.Moderator {
		return Message{}, fmt.Errorf("%w: whispering requires the moderator role", ErrBadPermission)
	}
	if len(post.Data) == 0 || len(post.Signature) != 64 {
		return Message{}, fmt.Errorf("%w: post requires data and a 64-byte signature", ErrInvalidInput)
	}

	now := s.now().UTC()
	if r.RateLimitSize > 0 && !effective.Admin {
		windowStart := now.Add(-time.Duration(r.RateLimitInterval) * time.Second)
		var recent int64
		err := s.db.WithContext(ctx).Model(&Message{}).
			Where("room_id = ? AND author_id = ? AND posted_at > ?", r.ID, author.ID, windowStart).
			Count(&recent).Error
		if err != nil {
			return Message{}, err
		}
		if recent >= int64(r.RateLimitSize) {
			return Message{}, ErrPostRateLimited
		}
	}

	filtered := s.filter.Rejects(ctx, r.Token, author.SessionID, post.Data)

	message := Message{
		RoomID:      r.ID,
		AuthorID:    author.ID,
		Data:        post.Data,
		Signature:   post.Signature,
		PostedAt:    now,
		WhisperTo:   post.WhisperTo,
		WhisperMods: post.WhisperMods,
		Filtered:    filtered,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := NextSeqno(tx, r.ID)
		if err != nil {
			return err
		}
		message.Seqno = seq
		message.DataSeqno = seq
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		if s.files != nil && len(post.FileIDs) > 0 {
			if err := s.files.AttachToMessage(tx, r.ID, author.ID, message.ID, post.FileIDs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	s.UpdateActivity(ctx, r.ID, author.ID)
	if filtered {
		s.logger.Info("post stored but filtered",
			zap.String("room", r.Token),
			zap.Int64("message_id", message.ID))
		return message, ErrPostRejected
	}
	return message, nil
}

// DeletePosts tombstones the given posts. Deleting another author's post
// requires the moderator role; a mixed batch containing any such post fails
// whole with ErrBadPermission and nothing is deleted.
func (s *Service) DeletePosts(ctx context.Context, r Room, actor identity.Identity, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	effective, err := s.Effective(ctx, r, &actor)
	if err != nil {
		return nil, err
	}
	if effective.Banned || !effective.CanRead() {
		return nil, ErrBadPermission
	}

	var targets []Message
	err = s.db.WithContext(ctx).
		Where("room_id = ? AND id IN ? AND deleted_at IS NULL", r.ID, ids).
		Find(&targets).Error
	if err != nil {
		return nil, err
	}
	if !effective.Moderator {
		if !effective.CanWrite() {
			return nil, ErrBadPermission
		}
		for _, target := range targets {
			if target.AuthorID != actor.ID {
				return nil, fmt.Errorf("%w: batch contains another author's post", ErrBadPermission)
			}
		}
	}

	now := s.now().UTC()
	deleted := make([]int64, 0, len(targets))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, target := range targets {
			history := MessageHistory{
				MessageID:  target.ID,
				Data:       target.Data,
				Signature:  target.Signature,
				ReplacedAt: now,
			}
			if err := tx.Create(&history).Error; err != nil {
				return err
			}
			seq, err := NextSeqno(tx, r.ID)
			if err != nil {
				return err
			}
			err = tx.Model(&Message{}).Where("id = ?", target.ID).
				Updates(map[string]interface{}{
					"data":       nil,
					"signature":  nil,
					"seqno":      seq,
					"data_seqno": seq,
					"deleted_at": now,
				}).Error
			if err != nil {
				return err
			}
			deleted = append(deleted, target.ID)
		}
		if s.reactions != nil && len(deleted) > 0 {
			return s.reactions.PurgeMessages(tx, deleted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Selector picks exactly one message query mode.
type Selector struct {
	// SinceSeqno serves the incremental change feed: ascending by seqno,
	// including tombstones and reaction-only delta rows.
	SinceSeqno *int64
	// AfterID pages forward by id; no tombstones, no deltas.
	AfterID *int64
	// BeforeID pages backward by id.
	BeforeID *int64
	// Recent serves the newest posts, descending by id.
	Recent bool
	// SingleID fetches one post.
	SingleID *int64
}

// QueryOptions tunes a message query.
type QueryOptions struct {
	Limit         int
	WithReactions bool
	ReactorLimit  int
}

// GetMessages serves one of the five selectors with the caller's visibility
// applied: whispers only reach their target, their author, and (for
// moderator whispers) the moderators; filtered posts are hidden from
// everyone, optionally excepting their author.
func (s *Service) GetMessages(ctx context.Context, r Room, caller *identity.Identity, sel Selector, opts QueryOptions) ([]Post, error) {
	effective, err := s.Effective(ctx, r, caller)
	if err != nil {
		return nil, err
	}
	if effective.Banned || !effective.CanAccess() {
		return nil, ErrNotFound
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	query := s.db.WithContext(ctx).Model(&Message{}).Where("messages.room_id = ?", r.ID)
	query = s.applyVisibility(query, caller, effective.Moderator)

	sinceMode := false
	switch {
	case sel.SinceSeqno != nil:
		sinceMode = true
		query = query.Where("messages.seqno > ?", *sel.SinceSeqno).Order("messages.seqno ASC")
	case sel.AfterID != nil:
		query = query.Where("messages.id > ? AND messages.deleted_at IS NULL", *sel.AfterID).Order("messages.id ASC")
	case sel.BeforeID != nil:
		query = query.Where("messages.id < ? AND messages.deleted_at IS NULL", *sel.BeforeID).Order("messages.id DESC")
	case sel.SingleID != nil:
		query = query.Where("messages.id = ? AND messages.deleted_at IS NULL", *sel.SingleID)
	case sel.Recent:
		query = query.Where("messages.deleted_at IS NULL").Order("messages.id DESC")
	default:
		return nil, fmt.Errorf("%w: a message selector is required", ErrInvalidInput)
	}

	var rows []Message
	if err := query.Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(rows))
	contentIDs := make([]int64, 0, len(rows))
	for _, row := range rows {
		post := Post{
			ID:            row.ID,
			RoomID:        row.RoomID,
			AuthorID:      row.AuthorID,
			Seqno:         row.Seqno,
			DataSeqno:     row.DataSeqno,
			ReactionSeqno: row.ReactionSeqno,
		}
		if sinceMode && !row.Deleted() && row.DataSeqno <= *sel.SinceSeqno {
			// Content unchanged since the client's seqno: emit a
			// reaction-only delta row.
			post.ReactionOnly = true
		} else {
			post.Data = row.Data
			post.Signature = row.Signature
			post.PostedAt = row.PostedAt
			post.WhisperTo = row.WhisperTo
			post.WhisperMods = row.WhisperMods
			post.Deleted = row.Deleted()
		}
		if !post.Deleted {
			contentIDs = append(contentIDs, row.ID)
		}
		posts = append(posts, post)
	}

	if err := s.fillAuthors(ctx, posts); err != nil {
		return nil, err
	}
	if opts.WithReactions && s.reactions != nil && len(contentIDs) > 0 {
		summaries, err := s.reactions.Summaries(ctx, caller, contentIDs, opts.ReactorLimit)
		if err != nil {
			return nil, err
		}
		for i := range posts {
			if summary, ok := summaries[posts[i].ID]; ok {
				posts[i].Reactions = summary
			}
		}
	}
	return posts, nil
}

// applyVisibility restricts whispers and filtered posts to their intended
// audience.
func (s *Service) applyVisibility(query *gorm.DB, caller *identity.Identity, moderator bool) *gorm.DB {
	if caller == nil {
		return query.Where("messages.whisper_to IS NULL AND messages.whisper_mods = ? AND messages.filtered = ?", false, false)
	}
	if s.filteredToAuthor {
		query = query.Where("(messages.filtered = ? OR messages.author_id = ?)", false, caller.ID)
	} else {
		query = query.Where("messages.filtered = ?", false)
	}
	if moderator {
		// Moderators see every whisper class.
		return query
	}
	return query.Where(
		"((messages.whisper_to IS NULL AND messages.whisper_mods = ?) OR messages.whisper_to = ? OR messages.author_id = ?)",
		false, caller.ID, caller.ID,
	)
}

func (s *Service) fillAuthors(ctx context.Context, posts []Post) error {
	ids := make([]int64, 0, len(posts))
	seen := map[int64]struct{}{}
	for _, post := range posts {
		if _, ok := seen[post.AuthorID]; !ok {
			seen[post.AuthorID] = struct{}{}
			ids = append(ids, post.AuthorID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	var authors []identity.Identity
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&authors).Error; err != nil {
		return err
	}
	sessions := make(map[int64]string, len(authors))
	for _, author := range authors {
		sessions[author.ID] = author.SessionID
	}
	for i := range posts {
		posts[i].AuthorSession = sessions[posts[i].AuthorID]
	}
	return nil
}
