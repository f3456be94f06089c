package services

import (
	"context"
	"log/slog"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
)

// AuditLog writes audit events to a dedicated slog logger.
type AuditLog struct {
	logger *slog.Logger
}

var _ ports.AuditLogger = (*AuditLog)(nil)

func NewAuditLog(logger *slog.Logger) *AuditLog {
	return &AuditLog{logger: logger.With("component", "audit")}
}

func (a *AuditLog) Record(ctx context.Context, e domain.AuditEvent) {
	level := slog.LevelInfo
	if e.Outcome != "ok" {
		level = slog.LevelWarn
	}
	a.logger.Log(ctx, level, "audit",
		"action", e.Action,
		"actor_id", e.ActorID,
		"job_id", e.JobID,
		"outcome", e.Outcome,
		"detail", e.Detail,
		"at", e.At,
	)
}
