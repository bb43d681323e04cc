package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists anomaly cases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed anomaly store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const anomalyColumns = `id, transaction_id, user_id, risk_score, severity, status,
	       rule_name, description, triggered_by, comments,
	       resolved_by, resolved_at, resolution_notes, model_version,
	       detected_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Anomaly) error {
	triggeredBy, comments, err := marshalJSONFields(a)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO anomalies (
			id, transaction_id, user_id, risk_score, severity, status,
			rule_name, description, triggered_by, comments,
			resolved_by, resolved_at, resolution_notes, model_version,
			detected_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17
		)`,
		a.ID, a.TransactionID, anomalyNullString(a.UserID), a.RiskScore,
		string(a.Severity), string(a.Status),
		anomalyNullString(a.RuleName), a.Description, triggeredBy, comments,
		anomalyNullString(a.ResolvedBy), anomalyNullTime(a.ResolvedAt),
		anomalyNullString(a.ResolutionNotes), anomalyNullString(a.ModelVersion),
		a.Timestamp, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Anomaly, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM anomalies WHERE id = $1`, id)

	a, err := scanAnomaly(row)
	if err == sql.ErrNoRows {
		return nil, ErrAnomalyNotFound
	}
	return a, err
}

func (p *PostgresStore) Update(ctx context.Context, a *Anomaly) error {
	triggeredBy, comments, err := marshalJSONFields(a)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE anomalies SET
			risk_score = $1, severity = $2, status = $3,
			description = $4, triggered_by = $5, comments = $6,
			resolved_by = $7, resolved_at = $8, resolution_notes = $9,
			updated_at = $10
		WHERE id = $11`,
		a.RiskScore, string(a.Severity), string(a.Status),
		a.Description, triggeredBy, comments,
		anomalyNullString(a.ResolvedBy), anomalyNullTime(a.ResolvedAt),
		anomalyNullString(a.ResolutionNotes),
		a.UpdatedAt, a.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAnomalyNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) (*Anomaly, error) {
	row := p.db.QueryRowContext(ctx, `
		DELETE FROM anomalies WHERE id = $1
		RETURNING `+anomalyColumns, id)

	a, err := scanAnomaly(row)
	if err == sql.ErrNoRows {
		return nil, ErrAnomalyNotFound
	}
	return a, err
}

func (p *PostgresStore) FindByTransactionID(ctx context.Context, transactionID string) ([]*Anomaly, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM anomalies
		WHERE transaction_id = $1
		ORDER BY detected_at DESC, created_at DESC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAnomalies(rows)
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Anomaly, int, error) {
	where, args := buildListWhere(f)

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomalies`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + anomalyColumns + `
		FROM anomalies` + where +
		fmt.Sprintf(` ORDER BY detected_at DESC, created_at DESC LIMIT $%d OFFSET $%d`,
			len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	list, err := scanAnomalies(rows)
	return list, total, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Anomaly, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM anomalies
		WHERE status = 'open'
		ORDER BY detected_at DESC, created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAnomalies(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM anomalies GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) SeverityDistribution(ctx context.Context) (map[Severity]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM anomalies GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Severity]int)
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		counts[Severity(severity)] = n
	}
	return counts, rows.Err()
}

// buildListWhere assembles the WHERE clause for List from the filter.
func buildListWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Algorithm != "" {
		add("triggered_by->>'algorithm' = $%d", f.Algorithm)
	}
	if f.MinRisk != nil {
		add("risk_score >= $%d", *f.MinRisk)
	}
	if f.MaxRisk != nil {
		add("risk_score <= $%d", *f.MaxRisk)
	}
	if f.From != nil {
		add("detected_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("detected_at <= $%d", *f.To)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(description ILIKE $%d OR transaction_id ILIKE $%d)", len(args), len(args)))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// --- scan helpers ---

// anomalyScanner is satisfied by both *sql.Row and *sql.Rows.
type anomalyScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnomaly(s anomalyScanner) (*Anomaly, error) {
	a := &Anomaly{}
	var (
		userID          sql.NullString
		ruleName        sql.NullString
		triggeredBy     []byte
		comments        []byte
		resolvedBy      sql.NullString
		resolvedAt      sql.NullTime
		resolutionNotes sql.NullString
		modelVersion    sql.NullString
		severity        string
		status          string
	)

	err := s.Scan(
		&a.ID, &a.TransactionID, &userID, &a.RiskScore, &severity, &status,
		&ruleName, &a.Description, &triggeredBy, &comments,
		&resolvedBy, &resolvedAt, &resolutionNotes, &modelVersion,
		&a.Timestamp, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Severity = Severity(severity)
	a.Status = Status(status)
	a.UserID = userID.String
	a.RuleName = ruleName.String
	a.ResolvedBy = resolvedBy.String
	a.ResolutionNotes = resolutionNotes.String
	a.ModelVersion = modelVersion.String
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}

	if len(triggeredBy) > 0 {
		var tb Attribution
		if err := json.Unmarshal(triggeredBy, &tb); err != nil {
			return nil, fmt.Errorf("unmarshal triggered_by: %w", err)
		}
		a.TriggeredBy = &tb
	}
	a.Comments = []Comment{}
	if len(comments) > 0 {
		if err := json.Unmarshal(comments, &a.Comments); err != nil {
			return nil, fmt.Errorf("unmarshal comments: %w", err)
		}
	}

	return a, nil
}

func scanAnomalies(rows *sql.Rows) ([]*Anomaly, error) {
	var result []*Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// marshalJSONFields serializes the jsonb columns.
func marshalJSONFields(a *Anomaly) ([]byte, []byte, error) {
	var triggeredBy []byte
	if a.TriggeredBy != nil {
		b, err := json.Marshal(a.TriggeredBy)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal triggered_by: %w", err)
		}
		triggeredBy = b
	}

	comments := a.Comments
	if comments == nil {
		comments = []Comment{}
	}
	cb, err := json.Marshal(comments)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal comments: %w", err)
	}
	return triggeredBy, cb, nil
}

// --- nullable helpers ---

func anomalyNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func anomalyNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
