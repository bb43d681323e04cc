package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	var details []byte
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = b
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, actor_id, actor_name, action, entity_type, entity_id,
			details, ip_address, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, auditNullString(e.ActorID), auditNullString(e.ActorName),
		e.Action, auditNullString(e.EntityType), auditNullString(e.EntityID),
		details, auditNullString(e.IPAddress), e.Timestamp,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, int, error) {
	var clauses []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.From != nil {
		add("occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("occurred_at <= $%d", *f.To)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, actor_id, actor_name, action, entity_type, entity_id,
	       details, ip_address, occurred_at
		FROM audit_log` + where +
		fmt.Sprintf(` ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var list []*Entry
	for rows.Next() {
		e := &Entry{}
		var (
			actorID    sql.NullString
			actorName  sql.NullString
			entityType sql.NullString
			entityID   sql.NullString
			details    []byte
			ipAddress  sql.NullString
		)
		if err := rows.Scan(&e.ID, &actorID, &actorName, &e.Action,
			&entityType, &entityID, &details, &ipAddress, &e.Timestamp); err != nil {
			return nil, 0, err
		}
		e.ActorID = actorID.String
		e.ActorName = actorName.String
		e.EntityType = entityType.String
		e.EntityID = entityID.String
		e.IPAddress = ipAddress.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, 0, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		list = append(list, e)
	}
	return list, total, rows.Err()
}

func auditNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
