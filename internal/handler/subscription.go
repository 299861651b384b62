package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/registry"
	"github.com/zachbroad/webhook-engine/internal/store"
)

type SubscriptionHandler struct {
	reg *registry.Registry
	log *zap.Logger
}

func NewSubscriptionHandler(reg *registry.Registry, log *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{reg: reg, log: log}
}

type suspendRequest struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until,omitempty"`
}

type rotateSecretResponse struct {
	Secret       string             `json:"secret"`
	Subscription model.Subscription `json:"subscription"`
}

func subscriptionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid subscription id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *SubscriptionHandler) Create(c *gin.Context) {
	var cfg registry.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	sub, err := h.reg.Register(c.Request.Context(), cfg)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, sub.Redacted())
}

func (h *SubscriptionHandler) List(c *gin.Context) {
	subs, err := h.reg.List(c.Request.Context(), store.Filter{
		TenantID:       c.Query("tenant_id"),
		OrganizationID: c.Query("organization_id"),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	out := make([]model.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Redacted())
	}
	c.JSON(http.StatusOK, out)
}

func (h *SubscriptionHandler) Get(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	sub, err := h.reg.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sub.Redacted())
}

func (h *SubscriptionHandler) Update(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	var patch registry.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	sub, err := h.reg.Update(c.Request.Context(), id, patch)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sub.Redacted())
}

func (h *SubscriptionHandler) Delete(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	if err := h.reg.Delete(c.Request.Context(), id); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SubscriptionHandler) Suspend(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	var req suspendRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "suspended by operator"
	}

	sub, err := h.reg.Suspend(c.Request.Context(), id, req.Reason, req.Until)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sub.Redacted())
}

func (h *SubscriptionHandler) Resume(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	sub, err := h.reg.Resume(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sub.Redacted())
}

// RotateSecret is the only read that returns a secret in the clear.
func (h *SubscriptionHandler) RotateSecret(c *gin.Context) {
	id, ok := subscriptionID(c)
	if !ok {
		return
	}

	sub, err := h.reg.RotateSecret(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rotateSecretResponse{
		Secret:       sub.Auth.HMAC.Secret,
		Subscription: sub.Redacted(),
	})
}
