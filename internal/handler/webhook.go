package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/delivery"
	"github.com/zachbroad/webhook-engine/internal/model"
)

// Publisher enqueues events for asynchronous dispatch.
type Publisher interface {
	Publish(ctx context.Context, event model.Event) (string, error)
}

// Dispatcher delivers an event to its subscriptions in the request.
type Dispatcher interface {
	Dispatch(ctx context.Context, event model.Event) ([]delivery.Result, error)
}

// EventHandler accepts produced events.
type EventHandler struct {
	publisher  Publisher
	dispatcher Dispatcher
	log        *zap.Logger
	now        func() time.Time
}

// NewEventHandler wires event intake. A nil publisher makes every request
// dispatch synchronously.
func NewEventHandler(p Publisher, d Dispatcher, log *zap.Logger) *EventHandler {
	return &EventHandler{publisher: p, dispatcher: d, log: log, now: time.Now}
}

type acceptedResponse struct {
	EventID  string `json:"event_id"`
	StreamID string `json:"stream_id"`
}

type dispatchResponse struct {
	EventID string            `json:"event_id"`
	Results []delivery.Result `json:"results"`
}

func (h *EventHandler) Ingest(c *gin.Context) {
	var event model.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		badRequest(c, "invalid JSON payload")
		return
	}
	if event.Type == "" || event.TenantID == "" || event.OrganizationID == "" {
		badRequest(c, "type, tenant_id and organization_id are required")
		return
	}
	if event.ID == "" {
		event.ID = c.GetHeader("X-Idempotency-Key")
	}
	event = delivery.Produced(event, h.now())

	sync, _ := strconv.ParseBool(c.Query("sync"))
	if sync || h.publisher == nil {
		results, err := h.dispatcher.Dispatch(c.Request.Context(), event)
		if err != nil && results == nil {
			respondError(c, h.log, err)
			return
		}
		if results == nil {
			results = []delivery.Result{}
		}
		c.JSON(http.StatusOK, dispatchResponse{EventID: event.ID, Results: results})
		return
	}

	streamID, err := h.publisher.Publish(c.Request.Context(), event)
	if err != nil {
		h.log.Error("failed to publish event", zap.String("event_id", event.ID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "event bus unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, acceptedResponse{EventID: event.ID, StreamID: streamID})
}
