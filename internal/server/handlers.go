package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parlorchat/parlor/internal/room"
)

type roomPayload struct {
	Token           string `json:"token"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	InfoUpdates     int64  `json:"info_updates"`
	MessageSequence int64  `json:"message_sequence"`
	ActiveUsers     int64  `json:"active_users"`
	CreatedAt       int64  `json:"created_at"`
	Read            bool   `json:"read"`
	Write           bool   `json:"write"`
	Upload          bool   `json:"upload"`
	Moderator       bool   `json:"moderator,omitempty"`
	Admin           bool   `json:"admin,omitempty"`
}

type postPayload struct {
	ID            int64                           `json:"id"`
	SessionID     string                          `json:"session_id,omitempty"`
	Data          []byte                          `json:"data,omitempty"`
	Signature     []byte                          `json:"signature,omitempty"`
	PostedAt      int64                           `json:"posted_at,omitempty"`
	Seqno         int64                           `json:"seqno"`
	DataSeqno     int64                           `json:"data_seqno,omitempty"`
	ReactionSeqno int64                           `json:"reaction_seqno,omitempty"`
	Whisper       bool                            `json:"whisper,omitempty"`
	WhisperMods   bool                            `json:"whisper_mods,omitempty"`
	Deleted       bool                            `json:"deleted,omitempty"`
	ReactionOnly  bool                            `json:"reaction_only,omitempty"`
	Reactions     map[string]room.ReactionSummary `json:"reactions,omitempty"`
}

func toPostPayload(post room.Post) postPayload {
	payload := postPayload{
		ID:            post.ID,
		SessionID:     post.AuthorSession,
		Data:          post.Data,
		Signature:     post.Signature,
		Seqno:         post.Seqno,
		DataSeqno:     post.DataSeqno,
		ReactionSeqno: post.ReactionSeqno,
		Whisper:       post.WhisperTo != nil,
		WhisperMods:   post.WhisperMods,
		Deleted:       post.Deleted,
		ReactionOnly:  post.ReactionOnly,
		Reactions:     post.Reactions,
	}
	if !post.PostedAt.IsZero() {
		payload.PostedAt = post.PostedAt.Unix()
	}
	return payload
}

func (h *httpHandler) handleRoomDetails(c *gin.Context) {
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	effective, err := h.rooms.Effective(c.Request.Context(), r, h.caller(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if effective.Banned || !effective.CanAccess() {
		h.writeError(c, room.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, roomPayload{
		Token:           r.Token,
		Name:            r.Name,
		Description:     r.Description,
		InfoUpdates:     r.InfoUpdates,
		MessageSequence: r.MessageSequence,
		ActiveUsers:     r.ActiveUsers,
		CreatedAt:       r.CreatedAt.Unix(),
		Read:            effective.CanRead(),
		Write:           effective.CanWrite(),
		Upload:          effective.CanUpload(),
		Moderator:       effective.Moderator,
		Admin:           effective.Admin,
	})
}

type roomUpdatePayload struct {
	Name              *string `json:"name"`
	Description       *string `json:"description"`
	DefaultRead       *bool   `json:"default_read"`
	DefaultWrite      *bool   `json:"default_write"`
	DefaultUpload     *bool   `json:"default_upload"`
	DefaultAccessible *bool   `json:"default_accessible"`
	RateLimitSize     *int    `json:"rate_limit_size"`
	RateLimitInterval *int    `json:"rate_limit_interval"`
}

func (h *httpHandler) handleRoomUpdate(c *gin.Context) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	effective, err := h.rooms.Effective(c.Request.Context(), r, &actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !effective.Admin {
		h.writeError(c, room.ErrBadPermission)
		return
	}

	var request roomUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err = h.rooms.UpdateRoomInfo(c.Request.Context(), r.ID, room.RoomUpdate{
		Name:              request.Name,
		Description:       request.Description,
		DefaultRead:       request.DefaultRead,
		DefaultWrite:      request.DefaultWrite,
		DefaultUpload:     request.DefaultUpload,
		DefaultAccessible: request.DefaultAccessible,
		RateLimitSize:     request.RateLimitSize,
		RateLimitInterval: request.RateLimitInterval,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type roomCreatePayload struct {
	Token       string `json:"token"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *httpHandler) handleRoomCreate(c *gin.Context) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return
	}
	if !actor.GlobalAdmin {
		h.writeError(c, room.ErrBadPermission)
		return
	}
	var request roomCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := h.rooms.GetRoomByToken(c.Request.Context(), request.Token); err == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_exists"})
		return
	} else if !errors.Is(err, room.ErrNotFound) {
		h.writeError(c, err)
		return
	}
	created, err := h.rooms.CreateRoom(c.Request.Context(), request.Token, request.Name, request.Description)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": created.Token})
}

func (h *httpHandler) handleRoomDelete(c *gin.Context) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return
	}
	if !actor.GlobalAdmin {
		h.writeError(c, room.ErrBadPermission)
		return
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	if err := h.rooms.DeleteRoom(c.Request.Context(), r.ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) queryOptions(c *gin.Context) room.QueryOptions {
	opts := room.QueryOptions{WithReactions: true, ReactorLimit: 4}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts.Limit = limit
		}
	}
	if raw := c.Query("reactors"); raw != "" {
		if reactors, err := strconv.Atoi(raw); err == nil {
			opts.ReactorLimit = reactors
		}
	}
	return opts
}

func (h *httpHandler) serveMessages(c *gin.Context, sel room.Selector) (room.Room, bool) {
	r, ok := h.loadRoom(c)
	if !ok {
		return room.Room{}, false
	}
	posts, err := h.rooms.GetMessages(c.Request.Context(), r, h.caller(c), sel, h.queryOptions(c))
	if err != nil {
		h.writeError(c, err)
		return room.Room{}, false
	}
	payload := make([]postPayload, 0, len(posts))
	for _, post := range posts {
		payload = append(payload, toPostPayload(post))
	}
	c.JSON(http.StatusOK, payload)
	return r, true
}

func (h *httpHandler) handleMessagesSince(c *gin.Context) {
	seqno, err := strconv.ParseInt(c.Param("seqno"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.serveMessages(c, room.Selector{SinceSeqno: &seqno})
}

func (h *httpHandler) handleMessagesRecent(c *gin.Context) {
	if r, ok := h.serveMessages(c, room.Selector{Recent: true}); ok {
		h.extension.NotifyRecentMessagesRequest(r.Token)
	}
}

func (h *httpHandler) handleMessagesBefore(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.serveMessages(c, room.Selector{BeforeID: &id})
}

func (h *httpHandler) handleMessageSingle(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	posts, err := h.rooms.GetMessages(c.Request.Context(), r, h.caller(c), room.Selector{SingleID: &id}, h.queryOptions(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if len(posts) == 0 {
		h.writeError(c, room.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, toPostPayload(posts[0]))
}

type postRequestPayload struct {
	Data        []byte  `json:"data"`
	Signature   []byte  `json:"signature"`
	WhisperTo   *string `json:"whisper_to"`
	WhisperMods bool    `json:"whisper_mods"`
	Files       []int64 `json:"files"`
}

func (h *httpHandler) handleMessagePost(c *gin.Context) {
	author, ok := h.requireCaller(c)
	if !ok {
		return
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	var request postRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	post := room.NewPost{
		Data:        request.Data,
		Signature:   request.Signature,
		WhisperMods: request.WhisperMods,
		FileIDs:     request.Files,
	}
	if request.WhisperTo != nil {
		target, err := h.resolver.ResolveBySessionID(c.Request.Context(), *request.WhisperTo, true)
		if err != nil {
			h.writeError(c, err)
			return
		}
		post.WhisperTo = &target.ID
	}

	message, err := h.rooms.AddPost(c.Request.Context(), r, author, post)
	if err != nil {
		// A filter-rejected post is stored hidden and acknowledged as if it
		// were admitted, so the response does not reveal the filter verdict.
		if errors.Is(err, room.ErrPostRateLimited) || !errors.Is(err, room.ErrPostRejected) {
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, postPayload{
		ID:        message.ID,
		SessionID: author.SessionID,
		Data:      message.Data,
		Signature: message.Signature,
		PostedAt:  message.PostedAt.Unix(),
		Seqno:     message.Seqno,
		DataSeqno: message.DataSeqno,
	})
}

type fileReservePayload struct {
	Size     int64  `json:"size"`
	Filename string `json:"filename"`
}

// handleFileReserve announces an upload. The returned id is what a subsequent
// post names in its files list to claim the upload.
func (h *httpHandler) handleFileReserve(c *gin.Context) {
	author, ok := h.requireCaller(c)
	if !ok {
		return
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	effective, err := h.rooms.Effective(c.Request.Context(), r, &author)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if effective.Banned || !effective.CanAccess() {
		h.writeError(c, room.ErrNotFound)
		return
	}
	if !effective.CanUpload() {
		h.writeError(c, room.ErrBadPermission)
		return
	}
	var request fileReservePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	file, err := h.files.Reserve(c.Request.Context(), r.ID, author.ID, request.Size, request.Filename)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": file.ID, "expires": file.ExpiresAt.Unix()})
}

type deleteRequestPayload struct {
	IDs []int64 `json:"ids"`
}

func (h *httpHandler) handleMessagesDelete(c *gin.Context) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	var request deleteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deleted, err := h.rooms.DeletePosts(c.Request.Context(), r, actor, request.IDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *httpHandler) handlePin(c *gin.Context) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.rooms.PinPost(c.Request.Context(), r, actor, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleUnpin(c *gin.Context) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	if c.Param("id") == "all" {
		removed, err := h.rooms.UnpinAll(c.Request.Context(), r, actor)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"unpinned": removed})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.rooms.UnpinPost(c.Request.Context(), r, actor, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// reactionTarget loads the room and verifies the caller can read it before a
// reaction mutation.
func (h *httpHandler) reactionTarget(c *gin.Context) (room.Room, int64, bool) {
	r, ok := h.loadRoom(c)
	if !ok {
		return room.Room{}, 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return room.Room{}, 0, false
	}
	effective, err := h.rooms.Effective(c.Request.Context(), r, h.caller(c))
	if err != nil {
		h.writeError(c, err)
		return room.Room{}, 0, false
	}
	if effective.Banned || !effective.CanAccess() {
		h.writeError(c, room.ErrNotFound)
		return room.Room{}, 0, false
	}
	return r, id, true
}

func (h *httpHandler) handleReactionAdd(c *gin.Context) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return
	}
	r, id, ok := h.reactionTarget(c)
	if !ok {
		return
	}
	added, seqno, err := h.reactions.Add(c.Request.Context(), r, id, actor, c.Param("reaction"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "seqno": seqno})
}

func (h *httpHandler) handleReactionRemove(c *gin.Context) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return
	}
	r, id, ok := h.reactionTarget(c)
	if !ok {
		return
	}
	removed, seqno, err := h.reactions.Remove(c.Request.Context(), r, id, actor, c.Param("reaction"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "seqno": seqno})
}

func (h *httpHandler) handleReactionsClear(c *gin.Context) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	effective, err := h.rooms.Effective(c.Request.Context(), r, &actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !effective.Moderator {
		h.writeError(c, room.ErrBadPermission)
		return
	}
	var value *string
	if reaction := c.Param("reaction"); reaction != "" {
		value = &reaction
	}
	removed, seqno, err := h.reactions.RemoveAll(c.Request.Context(), r, id, value)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "seqno": seqno})
}

func timeoutFromSeconds(seconds *int64) *time.Duration {
	if seconds == nil {
		return nil
	}
	d := time.Duration(*seconds) * time.Second
	return &d
}
