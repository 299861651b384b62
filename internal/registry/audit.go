package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditEntry describes a security-relevant change to a subscription.
type AuditEntry struct {
	SubscriptionID uuid.UUID
	TenantID       string
	OrganizationID string
	Action         string
	Fields         []string
	At             time.Time
}

const (
	AuditUpdate       = "subscription.updated"
	AuditRotateSecret = "subscription.secret_rotated"
	AuditDelete       = "subscription.deleted"
)

// Auditor receives security-relevant changes. Delivery to an audit trail is
// up to the implementation.
type Auditor interface {
	Audit(ctx context.Context, entry AuditEntry)
}

// LogAuditor writes audit entries to the application log.
type LogAuditor struct {
	log *zap.Logger
}

func NewLogAuditor(log *zap.Logger) *LogAuditor {
	return &LogAuditor{log: log.Named("audit")}
}

func (a *LogAuditor) Audit(_ context.Context, e AuditEntry) {
	a.log.Info("security-relevant subscription change",
		zap.String("action", e.Action),
		zap.Stringer("subscription_id", e.SubscriptionID),
		zap.String("tenant_id", e.TenantID),
		zap.String("organization_id", e.OrganizationID),
		zap.Strings("fields", e.Fields),
		zap.Time("at", e.At),
	)
}
