package timeline

import (
	"fmt"
	"strings"
)

// AppendAudit writes an audit entry. The audit table has no update or delete path.
func (s *TimelineService) AppendAudit(e AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.stamp()
	}
	if strings.TrimSpace(e.Actor) == "" {
		e.Actor = "system"
	}
	switch e.Status {
	case AuditAllowed, AuditBlocked, AuditFailed:
	default:
		return fmt.Errorf("append audit: unknown status %q", e.Status)
	}
	_, err := s.db.Exec(`INSERT INTO audit_log (action, resource, status, actor, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Action, e.Resource, e.Status, e.Actor, e.Detail, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	Resource string
	Action   string
	Status   string
	Limit    int
}

// ListAudit returns audit entries, newest first.
func (s *TimelineService) ListAudit(f AuditFilter) ([]AuditEntry, error) {
	var where []string
	var args []any
	if f.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, f.Resource)
	}
	if f.Action != "" {
		where = append(where, "action LIKE ?")
		args = append(args, f.Action+"%")
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, resource, status, actor, COALESCE(detail,''), timestamp FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Resource, &e.Status, &e.Actor, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
