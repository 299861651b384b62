package handler

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/delivery"
	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/registry"
)

// DeliveryHandler exposes a subscription's delivery history and retry queue
// and lets operators probe or drain it.
type DeliveryHandler struct {
	reg  *registry.Registry
	exec *delivery.Executor
	log  *zap.Logger
}

func NewDeliveryHandler(reg *registry.Registry, exec *delivery.Executor, log *zap.Logger) *DeliveryHandler {
	return &DeliveryHandler{reg: reg, exec: exec, log: log}
}

// History lists recorded attempts, newest first.
func (h *DeliveryHandler) History(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	sub, err := h.reg.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	history := slices.Clone(sub.History)
	slices.Reverse(history)
	if len(history) > limit {
		history = history[:limit]
	}
	if history == nil {
		history = []model.DeliveryRecord{}
	}
	c.JSON(http.StatusOK, history)
}

func (h *DeliveryHandler) Queue(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	sub, err := h.reg.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if sub.Queue.Items == nil {
		sub.Queue.Items = []model.QueueEntry{}
	}
	c.JSON(http.StatusOK, sub.Queue)
}

func (h *DeliveryHandler) ProcessQueue(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	sweep, err := h.exec.ProcessReady(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sweep)
}

// Test sends a synthetic event to the endpoint and returns the recorded result.
func (h *DeliveryHandler) Test(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	rec, err := h.exec.Test(c.Request.Context(), id)
	if err != nil && rec == nil {
		respondError(c, h.log, err)
		return
	}
	if err != nil {
		h.log.Error("test result not stored", zap.Stringer("subscription_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, rec)
}
