package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore persists rules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, name, description, criteria, severity, status,
	       created_by, updated_by, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Rule) error {
	criteria, err := json.Marshal(r.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rules (
			id, name, description, criteria, severity, status,
			created_by, updated_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Name, ruleNullString(r.Description), criteria,
		string(r.Severity), string(r.Status),
		ruleNullString(r.CreatedBy), ruleNullString(r.UpdatedBy),
		r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateName
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules WHERE id = $1`, id)

	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Rule) error {
	criteria, err := json.Marshal(r.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE rules SET
			description = $1, criteria = $2, severity = $3, status = $4,
			updated_by = $5, updated_at = $6
		WHERE id = $7`,
		ruleNullString(r.Description), criteria, string(r.Severity), string(r.Status),
		ruleNullString(r.UpdatedBy), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Rule, int, error) {
	var clauses []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rules`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + ruleColumns + `
		FROM rules` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	list, err := scanRules(rows)
	return list, total, err
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules WHERE status = 'active'
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRules(rows)
}

type ruleScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(s ruleScanner) (*Rule, error) {
	r := &Rule{}
	var (
		description sql.NullString
		criteria    []byte
		createdBy   sql.NullString
		updatedBy   sql.NullString
		severity    string
		status      string
	)

	err := s.Scan(
		&r.ID, &r.Name, &description, &criteria, &severity, &status,
		&createdBy, &updatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Description = description.String
	r.CreatedBy = createdBy.String
	r.UpdatedBy = updatedBy.String
	r.Severity = Severity(severity)
	r.Status = Status(status)

	if len(criteria) > 0 {
		r.Criteria = &Condition{}
		if err := json.Unmarshal(criteria, r.Criteria); err != nil {
			return nil, fmt.Errorf("unmarshal criteria: %w", err)
		}
	}
	return r, nil
}

func scanRules(rows *sql.Rows) ([]*Rule, error) {
	var result []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func ruleNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
