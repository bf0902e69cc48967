package repos

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"vendor-reputation-engine/internal/models"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) WriteAuditLog(ctx context.Context, entries []models.AuditLog) error {
	for _, entry := range entries {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO audit_logs (occurred_at, subject, action, resource_type, resource_id, request_id, method, path, status_code, duration_ms, client_ip, user_agent, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, entry.OccurredAt, entry.Subject, entry.Action, entry.ResourceType, entry.ResourceID, entry.RequestID, entry.Method, entry.Path, entry.StatusCode, entry.DurationMS, entry.ClientIP, entry.UserAgent, entry.Details)
		if err != nil {
			return err
		}
	}
	return nil
}
