// Package extension models the boundary to the plugin subsystem as an
// explicit RPC interface. The core never inlines plugin behavior: it issues
// bounded request/response calls and fire-and-forget notifications, and a
// non-responsive subsystem is treated as having no objection.
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message types exchanged with the subsystem.
const (
	TypeBeforePost            = "onBeforePost"
	TypeRecentMessagesRequest = "onRecentMessagesRequest"
	TypeServerStarted         = "serverStarted"
	TypeServerStopping        = "serverStopping"
)

// ErrUnavailable indicates no subsystem is attached or it failed to answer.
var ErrUnavailable = errors.New("extension: subsystem unavailable")

// Subsystem is the outbound message-passing boundary. Request blocks for a
// correlated response until ctx expires; Notify is fire-and-forget.
type Subsystem interface {
	Request(ctx context.Context, messageType string, payload json.RawMessage) (json.RawMessage, error)
	Notify(messageType string, payload json.RawMessage)
}

// NopSubsystem is the default wiring when no plugin host is attached.
type NopSubsystem struct{}

// Request always reports the subsystem as unavailable.
func (NopSubsystem) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, ErrUnavailable
}

// Notify drops the notification.
func (NopSubsystem) Notify(string, json.RawMessage) {}

// BeforePostRequest is the payload offered to content filters ahead of post
// admission.
type BeforePostRequest struct {
	CorrelationID string `json:"correlation_id"`
	Room          string `json:"room"`
	Author        string `json:"author"`
	Data          []byte `json:"data"`
}

// BeforePostResponse carries the filter verdict; any action other than
// "reject" admits the post.
type BeforePostResponse struct {
	Action string `json:"action,omitempty"`
}

// FilterClient wraps the subsystem for the synchronous content-filter
// consultation with a bounded timeout. Filtering is advisory: a timeout,
// transport failure, or missing subsystem admits the post.
type FilterClient struct {
	subsystem Subsystem
	timeout   time.Duration
	logger    *zap.Logger
}

// NewFilterClient constructs a filter client; a nil subsystem degrades to the
// nop subsystem.
func NewFilterClient(subsystem Subsystem, timeout time.Duration, logger *zap.Logger) *FilterClient {
	if subsystem == nil {
		subsystem = NopSubsystem{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &FilterClient{subsystem: subsystem, timeout: timeout, logger: logger}
}

// Rejects reports whether the filter objects to the post. It never blocks
// longer than the configured timeout.
func (c *FilterClient) Rejects(ctx context.Context, roomToken, authorSessionID string, data []byte) bool {
	payload, err := json.Marshal(BeforePostRequest{
		CorrelationID: uuid.NewString(),
		Room:          roomToken,
		Author:        authorSessionID,
		Data:          data,
	})
	if err != nil {
		return false
	}

	bounded, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.subsystem.Request(bounded, TypeBeforePost, payload)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			c.logger.Warn("content filter unresponsive, admitting post", zap.Error(err))
		}
		return false
	}

	var response BeforePostResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		c.logger.Warn("content filter returned malformed response", zap.Error(err))
		return false
	}
	return response.Action == "reject"
}

// NotifyRecentMessagesRequest is a fire-and-forget signal emitted when a
// client pulls a recent-message page.
func (c *FilterClient) NotifyRecentMessagesRequest(roomToken string) {
	payload, err := json.Marshal(map[string]string{"room": roomToken})
	if err != nil {
		return
	}
	c.subsystem.Notify(TypeRecentMessagesRequest, payload)
}

// NotifyServerStarted announces that the server is accepting requests.
func (c *FilterClient) NotifyServerStarted() {
	c.subsystem.Notify(TypeServerStarted, nil)
}

// NotifyServerStopping announces an imminent shutdown.
func (c *FilterClient) NotifyServerStopping() {
	c.subsystem.Notify(TypeServerStopping, nil)
}
