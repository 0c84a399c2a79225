// ABOUTME: Audit log entity and store methods for tracking key management and tool calls
// ABOUTME: Records which key did what to which resource, and whether it succeeded

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditCreateKey  AuditAction = "create_key"
	AuditRevokeKey  AuditAction = "revoke_key"
	AuditInvokeTool AuditAction = "invoke_tool"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditCreateKey,
	AuditRevokeKey,
	AuditInvokeTool,
}

// ParseAuditAction returns the action named s.
func ParseAuditAction(s string) (AuditAction, error) {
	for _, a := range ValidAuditActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown audit action %q", s)
}

// AuditOutcome is the result of an audited action.
type AuditOutcome string

const (
	OutcomeOK    AuditOutcome = "ok"
	OutcomeError AuditOutcome = "error"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	ActorID    string         // key ID, or "admin" / "cli" for key management
	Action     AuditAction    // what action was performed
	TargetType string         // "api_key", "tool"
	TargetID   string         // ID of the affected resource
	Outcome    AuditOutcome   // ok or error
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context (stage, error kind)
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time    // entries at or after this time
	Until      *time.Time    // entries at or before this time
	ActorID    *string       // filter by actor
	Action     *AuditAction  // filter by action type
	TargetType *string       // filter by target type
	TargetID   *string       // filter by target ID
	Outcome    *AuditOutcome // filter by outcome
	Limit      int           // max results (default 100, max 1000)
}

// prepareAuditEntry fills in generated fields.
func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor_id, action, target_type, target_id, outcome, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ActorID,
		e.Action,
		e.TargetType,
		e.TargetID,
		e.Outcome,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
		"outcome", e.Outcome,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// auditQueryArgs holds the string forms of typed filter fields.
type auditQueryArgs struct {
	sinceStr   *string
	untilStr   *string
	actionStr  *string
	outcomeStr *string
}

// buildAuditQueryArgs converts filter time/action fields to query args.
func buildAuditQueryArgs(f AuditFilter) auditQueryArgs {
	var args auditQueryArgs
	args.sinceStr = formatTimePtr(f.Since)
	args.untilStr = formatTimePtr(f.Until)
	if f.Action != nil {
		a := string(*f.Action)
		args.actionStr = &a
	}
	if f.Outcome != nil {
		o := string(*f.Outcome)
		args.outcomeStr = &o
	}
	return args
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, outcomeStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.ActorID,
		&actionStr,
		&e.TargetType,
		&e.TargetID,
		&outcomeStr,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	e.Outcome = AuditOutcome(outcomeStr)
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, actor_id, action, target_type, target_id, outcome, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	  AND (? IS NULL OR outcome = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)
	args := buildAuditQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		f.ActorID, f.ActorID,
		args.actionStr, args.actionStr,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		args.outcomeStr, args.outcomeStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
