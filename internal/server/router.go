// Package server exposes the open group engine over HTTP. Every route runs
// behind the signed-request middleware; handlers read the resolved identity
// from the request context and translate engine errors to protocol status
// codes.
package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/parlorchat/parlor/internal/auth"
	"github.com/parlorchat/parlor/internal/extension"
	"github.com/parlorchat/parlor/internal/files"
	"github.com/parlorchat/parlor/internal/identity"
	"github.com/parlorchat/parlor/internal/perms"
	"github.com/parlorchat/parlor/internal/reaction"
	"github.com/parlorchat/parlor/internal/room"
	"go.uber.org/zap"
)

const identityContextKey = "parlor_identity"

const defaultMaxBodyBytes = 10 << 20

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingRooms         = errors.New("room service dependency required")
	errMissingReactions     = errors.New("reaction engine dependency required")
	errMissingPerms         = errors.New("permission service dependency required")
	errMissingResolver      = errors.New("identity resolver dependency required")
	errMissingFiles         = errors.New("file service dependency required")
)

// Dependencies wires the engine into the HTTP surface.
type Dependencies struct {
	Authenticator *auth.Authenticator
	Rooms         *room.Service
	Reactions     *reaction.Engine
	Perms         *perms.Service
	Resolver      *identity.Resolver
	Files         *files.Service
	// Extension receives the fire-and-forget subsystem notifications; nil
	// degrades to the nop subsystem.
	Extension    *extension.FilterClient
	MaxBodyBytes int64
	Clock        func() time.Time
	Logger       *zap.Logger
}

// NewHTTPHandler builds the router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Reactions == nil {
		return nil, errMissingReactions
	}
	if deps.Perms == nil {
		return nil, errMissingPerms
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Files == nil {
		return nil, errMissingFiles
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	ext := deps.Extension
	if ext == nil {
		ext = extension.NewFilterClient(nil, 0, logger)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			"Content-Type",
			auth.HeaderPubkey, auth.HeaderTimestamp, auth.HeaderNonce, auth.HeaderSignature,
		},
		MaxAge: 12 * time.Hour,
	}))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		rooms:         deps.Rooms,
		reactions:     deps.Reactions,
		perms:         deps.Perms,
		resolver:      deps.Resolver,
		files:         deps.Files,
		extension:     ext,
		maxBody:       maxBody,
		now:           clock,
		logger:        logger,
	}
	router.Use(handler.authenticateRequest)

	router.GET("/room/:token", handler.handleRoomDetails)
	router.PUT("/room/:token", handler.handleRoomUpdate)
	router.DELETE("/room/:token", handler.handleRoomDelete)
	router.POST("/rooms", handler.handleRoomCreate)

	router.GET("/room/:token/messages/since/:seqno", handler.handleMessagesSince)
	router.GET("/room/:token/messages/recent", handler.handleMessagesRecent)
	router.GET("/room/:token/messages/before/:id", handler.handleMessagesBefore)
	router.GET("/room/:token/message/:id", handler.handleMessageSingle)
	router.POST("/room/:token/message", handler.handleMessagePost)
	router.POST("/room/:token/messages/delete", handler.handleMessagesDelete)
	router.POST("/room/:token/file", handler.handleFileReserve)

	router.POST("/room/:token/pin/:id", handler.handlePin)
	// The :id slot also accepts the literal "all" to clear the pinned set.
	router.POST("/room/:token/unpin/:id", handler.handleUnpin)

	router.PUT("/room/:token/reaction/:id/:reaction", handler.handleReactionAdd)
	router.DELETE("/room/:token/reaction/:id/:reaction", handler.handleReactionRemove)
	router.DELETE("/room/:token/reactions/:id/:reaction", handler.handleReactionsClear)
	router.DELETE("/room/:token/reactions/:id", handler.handleReactionsClear)

	router.POST("/room/:token/ban", handler.handleRoomBan)
	router.POST("/room/:token/unban", handler.handleRoomUnban)
	router.POST("/room/:token/permissions", handler.handleRoomPermissions)
	router.POST("/room/:token/moderator", handler.handleRoomModerator)
	router.POST("/user/:sid/ban", handler.handleGlobalBan)
	router.POST("/user/:sid/unban", handler.handleGlobalUnban)
	router.POST("/user/:sid/moderator", handler.handleGlobalModerator)

	return router, nil
}

type httpHandler struct {
	authenticator *auth.Authenticator
	rooms         *room.Service
	reactions     *reaction.Engine
	perms         *perms.Service
	resolver      *identity.Resolver
	files         *files.Service
	extension     *extension.FilterClient
	maxBody       int64
	now           func() time.Time
	logger        *zap.Logger
}

// authenticateRequest verifies the signed request headers once per request and
// stashes the resolved identity. The body is read here, bounded by the size
// cap, and restored for the handler.
func (h *httpHandler) authenticateRequest(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		limited := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
		read, err := io.ReadAll(limited)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		body = read
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	result, err := h.authenticator.Authenticate(
		c.Request.Context(),
		c.Request.Method,
		c.Request.URL.RequestURI(),
		auth.Headers{
			Pubkey:    c.GetHeader(auth.HeaderPubkey),
			Timestamp: c.GetHeader(auth.HeaderTimestamp),
			Nonce:     c.GetHeader(auth.HeaderNonce),
			Signature: c.GetHeader(auth.HeaderSignature),
		},
		body,
	)
	if err != nil {
		h.logger.Error("request authentication failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if result.Outcome == auth.Forbidden {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "banned"})
		return
	}
	if result.Outcome == auth.Authenticated {
		c.Set(identityContextKey, result.Identity)
	}
	c.Next()
}

// caller returns the authenticated identity, or nil for anonymous requests.
func (h *httpHandler) caller(c *gin.Context) *identity.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return nil
	}
	ident, ok := value.(*identity.Identity)
	if !ok {
		return nil
	}
	return ident
}

// requireCaller aborts with 401 when the request is anonymous.
func (h *httpHandler) requireCaller(c *gin.Context) (identity.Identity, bool) {
	ident := h.caller(c)
	if ident == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
		return identity.Identity{}, false
	}
	return *ident, true
}

// loadRoom fetches the room by token; a missing room is a 404.
func (h *httpHandler) loadRoom(c *gin.Context) (room.Room, bool) {
	found, err := h.rooms.GetRoomByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return room.Room{}, false
	}
	return found, true
}

// writeError maps engine errors to protocol status codes. An inaccessible
// room surfaces exactly as a nonexistent one.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, room.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, room.ErrPostRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	case errors.Is(err, room.ErrPostRejected):
		c.JSON(http.StatusForbidden, gin.H{"error": "post_rejected"})
	case errors.Is(err, room.ErrBadPermission):
		if h.caller(c) == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
		} else {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		}
	case errors.Is(err, room.ErrInvalidInput), errors.Is(err, identity.ErrInvalidSessionID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
