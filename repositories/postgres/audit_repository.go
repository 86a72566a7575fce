package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"go.uber.org/zap"
)

const auditColumns = `id, timestamp, tenant_id, pack, action, actor_type, actor_id, credential_prefix,
		       request_id, request_hash, idempotency_key_hash, result, code, dry_run,
		       decision_id, policy_version, impact, error_message, ip_address, user_agent, latency_ms`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit event. Called from the audit workers, never on
// the request path.
func (r *AuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	var impact []byte
	if event.Impact != nil {
		var err error
		if impact, err = json.Marshal(event.Impact); err != nil {
			return fmt.Errorf("failed to encode impact summary: %w", err)
		}
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.TenantID,
		nullString(event.Pack),
		event.Action,
		event.ActorType,
		nullString(event.ActorID),
		nullString(event.CredentialPrefix),
		event.RequestID,
		nullString(event.RequestHash),
		nullString(event.IdempotencyKeyHash),
		event.Result,
		nullString(event.Code),
		event.DryRun,
		nullString(event.DecisionID),
		nullString(event.PolicyVersion),
		impact,
		nullString(event.ErrorMessage),
		nullString(event.IPAddress),
		nullString(event.UserAgent),
		event.LatencyMs,
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	r.logger.Debug("audit event inserted", zap.String("id", event.ID.String()), zap.String("action", event.Action))
	return nil
}

// ListByTenant retrieves audit events of a tenant, newest first
func (r *AuditRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// GetByRequestID retrieves the event recorded for a request
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID string) (*models.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE request_id = $1 ORDER BY timestamp DESC LIMIT 1`

	event, err := scanAuditEvent(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit event for request %s: %w", requestID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return event, nil
}

func scanAuditEvent(row rowScanner) (*models.AuditEvent, error) {
	event := &models.AuditEvent{}
	var (
		pack, actorID, prefix, requestHash, keyHash, code sql.NullString
		decisionID, policyVersion, errorMessage           sql.NullString
		ipAddress, userAgent                              sql.NullString
		impact                                            []byte
	)

	err := row.Scan(
		&event.ID,
		&event.Timestamp,
		&event.TenantID,
		&pack,
		&event.Action,
		&event.ActorType,
		&actorID,
		&prefix,
		&event.RequestID,
		&requestHash,
		&keyHash,
		&event.Result,
		&code,
		&event.DryRun,
		&decisionID,
		&policyVersion,
		&impact,
		&errorMessage,
		&ipAddress,
		&userAgent,
		&event.LatencyMs,
	)
	if err != nil {
		return nil, err
	}

	event.Pack = pack.String
	event.ActorID = actorID.String
	event.CredentialPrefix = prefix.String
	event.RequestHash = requestHash.String
	event.IdempotencyKeyHash = keyHash.String
	event.Code = code.String
	event.DecisionID = decisionID.String
	event.PolicyVersion = policyVersion.String
	event.ErrorMessage = errorMessage.String
	event.IPAddress = ipAddress.String
	event.UserAgent = userAgent.String

	if len(impact) > 0 {
		event.Impact = &models.ImpactSummary{}
		if err := json.Unmarshal(impact, event.Impact); err != nil {
			return nil, fmt.Errorf("failed to decode impact summary: %w", err)
		}
	}

	return event, nil
}

// nullString stores empty strings as NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
