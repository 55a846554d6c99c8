package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parlorchat/parlor/internal/identity"
	"github.com/parlorchat/parlor/internal/perms"
	"github.com/parlorchat/parlor/internal/room"
)

type banRequestPayload struct {
	SessionID      string `json:"session_id"`
	TimeoutSeconds *int64 `json:"timeout"`
}

func (h *httpHandler) resolveTarget(c *gin.Context, sessionID string) (identity.Identity, bool) {
	target, err := h.resolver.ResolveBySessionID(c.Request.Context(), sessionID, true)
	if err != nil {
		h.writeError(c, err)
		return identity.Identity{}, false
	}
	return target, true
}

// roomModeratorGate loads the room and requires the caller to hold at least
// the moderator role in it.
func (h *httpHandler) roomModeratorGate(c *gin.Context, needAdmin bool) (room.Room, identity.Identity, bool) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return room.Room{}, identity.Identity{}, false
	}
	r, ok := h.loadRoom(c)
	if !ok {
		return room.Room{}, identity.Identity{}, false
	}
	effective, err := h.rooms.Effective(c.Request.Context(), r, &actor)
	if err != nil {
		h.writeError(c, err)
		return room.Room{}, identity.Identity{}, false
	}
	if !effective.Moderator || (needAdmin && !effective.Admin) {
		h.writeError(c, room.ErrBadPermission)
		return room.Room{}, identity.Identity{}, false
	}
	return r, actor, true
}

func (h *httpHandler) handleRoomBan(c *gin.Context) {
	r, _, ok := h.roomModeratorGate(c, false)
	if !ok {
		return
	}
	var request banRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target, ok := h.resolveTarget(c, request.SessionID)
	if !ok {
		return
	}
	targetEffective, err := h.rooms.Effective(c.Request.Context(), r, &target)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if targetEffective.Moderator {
		// Moderators must be demoted before they can be banned.
		h.writeError(c, room.ErrBadPermission)
		return
	}
	if err := h.perms.BanFromRoom(c.Request.Context(), r.ID, target.ID, timeoutFromSeconds(request.TimeoutSeconds)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleRoomUnban(c *gin.Context) {
	r, _, ok := h.roomModeratorGate(c, false)
	if !ok {
		return
	}
	var request banRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target, ok := h.resolveTarget(c, request.SessionID)
	if !ok {
		return
	}
	if err := h.perms.UnbanFromRoom(c.Request.Context(), r.ID, target.ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type permissionRequestPayload struct {
	SessionID  string   `json:"session_id"`
	Read       *bool    `json:"read"`
	Write      *bool    `json:"write"`
	Upload     *bool    `json:"upload"`
	Accessible *bool    `json:"accessible"`
	Inherit    []string `json:"inherit"`
	InSeconds  *int64   `json:"in"`
}

func settingFor(value *bool, name string, inherit []string) perms.Setting {
	for _, cleared := range inherit {
		if cleared == name {
			return perms.Inherit
		}
	}
	if value == nil {
		return perms.Unchanged
	}
	if *value {
		return perms.Grant
	}
	return perms.Deny
}

func (h *httpHandler) handleRoomPermissions(c *gin.Context) {
	r, _, ok := h.roomModeratorGate(c, false)
	if !ok {
		return
	}
	var request permissionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target, ok := h.resolveTarget(c, request.SessionID)
	if !ok {
		return
	}

	if request.InSeconds != nil {
		applyAt := h.now().UTC().Add(time.Duration(*request.InSeconds) * time.Second)
		err := h.perms.SchedulePermissionChange(c.Request.Context(), r.ID, target.ID,
			request.Read, request.Write, request.Upload, applyAt)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	err := h.perms.SetOverride(c.Request.Context(), r.ID, target.ID, perms.OverrideUpdate{
		Read:       settingFor(request.Read, "read", request.Inherit),
		Write:      settingFor(request.Write, "write", request.Inherit),
		Upload:     settingFor(request.Upload, "upload", request.Inherit),
		Accessible: settingFor(request.Accessible, "accessible", request.Inherit),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type moderatorRequestPayload struct {
	SessionID string `json:"session_id"`
	Moderator bool   `json:"moderator"`
	Admin     bool   `json:"admin"`
	Visible   bool   `json:"visible"`
}

func (h *httpHandler) handleRoomModerator(c *gin.Context) {
	r, _, ok := h.roomModeratorGate(c, true)
	if !ok {
		return
	}
	var request moderatorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target, ok := h.resolveTarget(c, request.SessionID)
	if !ok {
		return
	}

	var err error
	switch {
	case request.Admin:
		err = h.perms.SetRoomModerator(c.Request.Context(), r.ID, target.ID, true, request.Visible)
	case request.Moderator:
		err = h.perms.SetRoomModerator(c.Request.Context(), r.ID, target.ID, false, request.Visible)
	default:
		err = h.perms.RemoveRoomModerator(c.Request.Context(), r.ID, target.ID)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// globalModeratorGate requires the caller to hold a server-wide role.
func (h *httpHandler) globalModeratorGate(c *gin.Context, needAdmin bool) (identity.Identity, bool) {
	actor, ok := h.requireCaller(c)
	if !ok {
		return identity.Identity{}, false
	}
	if !actor.IsModerator() || (needAdmin && !actor.GlobalAdmin) {
		h.writeError(c, room.ErrBadPermission)
		return identity.Identity{}, false
	}
	return actor, true
}

type globalBanRequestPayload struct {
	TimeoutSeconds *int64 `json:"timeout"`
}

func (h *httpHandler) handleGlobalBan(c *gin.Context) {
	if _, ok := h.globalModeratorGate(c, false); !ok {
		return
	}
	target, ok := h.resolveTarget(c, c.Param("sid"))
	if !ok {
		return
	}
	if target.IsModerator() {
		h.writeError(c, room.ErrBadPermission)
		return
	}
	var request globalBanRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	if err := h.perms.BanGlobal(c.Request.Context(), target.ID, timeoutFromSeconds(request.TimeoutSeconds)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleGlobalUnban(c *gin.Context) {
	if _, ok := h.globalModeratorGate(c, false); !ok {
		return
	}
	target, ok := h.resolveTarget(c, c.Param("sid"))
	if !ok {
		return
	}
	if err := h.perms.UnbanGlobal(c.Request.Context(), target.ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type globalModeratorRequestPayload struct {
	Moderator bool `json:"moderator"`
	Admin     bool `json:"admin"`
	Visible   bool `json:"visible"`
}

func (h *httpHandler) handleGlobalModerator(c *gin.Context) {
	if _, ok := h.globalModeratorGate(c, true); !ok {
		return
	}
	target, ok := h.resolveTarget(c, c.Param("sid"))
	if !ok {
		return
	}
	var request globalModeratorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var err error
	switch {
	case request.Admin:
		err = h.resolver.SetGlobalAdmin(c.Request.Context(), target.ID, request.Visible)
	case request.Moderator:
		err = h.resolver.SetGlobalModerator(c.Request.Context(), target.ID, request.Visible)
	default:
		err = h.resolver.RemoveGlobalModerator(c.Request.Context(), target.ID)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
