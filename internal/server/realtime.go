package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/projects"
	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventProjectUpdated   = projects.EventProjectUpdated
	RealtimeEventGenerationFailed = projects.EventGenerationFailed
	realtimeEventHeartbeat        = "heartbeat"
	realtimeSourceBackend         = "sitesmith-backend"
	defaultSubscriberBuffer       = 16
)

type RealtimeMessage struct {
	UserID    string
	EventType string
	ProjectID string
	VersionID string
	Detail    string
	Timestamp time.Time
}

type realtimePayload struct {
	ProjectID string `json:"projectId,omitempty"`
	VersionID string `json:"versionId,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

// RealtimeDispatcher fans project events out to the owner's open streams.
type RealtimeDispatcher struct {
	mu      sync.RWMutex
	streams map[string]map[chan RealtimeMessage]struct{}
	buffer  int
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		streams: make(map[string]map[chan RealtimeMessage]struct{}),
		buffer:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream for userID until ctx ends or the returned cancel runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	stream := make(chan RealtimeMessage, d.buffer)
	if userID == "" {
		close(stream)
		return stream, func() {}
	}

	d.mu.Lock()
	userStreams, ok := d.streams[userID]
	if !ok {
		userStreams = make(map[chan RealtimeMessage]struct{})
		d.streams[userID] = userStreams
	}
	userStreams[stream] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { d.remove(userID, stream) })
	}
	context.AfterFunc(ctx, cancel)
	return stream, cancel
}

// Publish delivers message to every stream of its user. A stream whose buffer is full
// misses the message; clients recover by reloading the project.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for stream := range d.streams[message.UserID] {
		select {
		case stream <- message:
		default:
		}
	}
}

// PublishProjectEvent adapts pipeline events to realtime messages.
func (d *RealtimeDispatcher) PublishProjectEvent(event projects.Event) {
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	d.Publish(RealtimeMessage{
		UserID:    event.UserID,
		EventType: event.Type,
		ProjectID: event.ProjectID,
		VersionID: event.VersionID,
		Detail:    event.Detail,
		Timestamp: timestamp,
	})
}

func (d *RealtimeDispatcher) remove(userID string, stream chan RealtimeMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	userStreams := d.streams[userID]
	delete(userStreams, stream)
	if len(userStreams) == 0 {
		delete(d.streams, userID)
	}
}

func (h *httpHandler) handleProjectStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, realtimePayload{
				ProjectID: message.ProjectID,
				VersionID: message.VersionID,
				Detail:    message.Detail,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimePayload{
				Timestamp: tick.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			c.Writer.Flush()
		}
	}
}
