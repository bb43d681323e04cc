package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mwale/fraudlens/internal/anomaly"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, user_id, amount, currency, merchant, transaction_type,
	       location_city, location_country, device_id, ip_address,
	       is_new_location, is_new_device, status, is_fraud, risk_score,
	       description, occurred_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, amount, currency, merchant, transaction_type,
			location_city, location_country, device_id, ip_address,
			is_new_location, is_new_device, status, is_fraud, risk_score,
			description, occurred_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19
		)`,
		t.ID, t.UserID, t.Amount, t.Currency,
		txnNullString(t.Merchant), txnNullString(t.TransactionType),
		txnNullString(t.LocationCity), txnNullString(t.LocationCountry),
		txnNullString(t.DeviceID), txnNullString(t.IPAddress),
		t.IsNewLocation, t.IsNewDevice, string(t.Status), t.IsFraud, t.RiskScore,
		txnNullString(t.Description), t.Timestamp, t.CreatedAt, t.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateID
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Transaction, int, error) {
	where, args := buildTxnWhere(f)

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions` + where +
		fmt.Sprintf(` ORDER BY occurred_at DESC, created_at DESC LIMIT $%d OFFSET $%d`,
			len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var list []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, t)
	}
	return list, total, rows.Err()
}

func (p *PostgresStore) UserHistory(ctx context.Context, userID string) (*UserHistory, error) {
	h := &UserHistory{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(amount), 0),
		       COALESCE(array_agg(DISTINCT location_city) FILTER (WHERE location_city IS NOT NULL), '{}'),
		       COALESCE(array_agg(DISTINCT device_id) FILTER (WHERE device_id IS NOT NULL), '{}')
		FROM transactions
		WHERE user_id = $1`, userID).Scan(
		&h.TransactionCount, &h.TotalSpent,
		pq.Array(&h.Locations), pq.Array(&h.Devices),
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// UpdateMirror is a single-row last-write-wins update of the fraud
// mirror. Omitted patch fields keep their current value.
func (p *PostgresStore) UpdateMirror(ctx context.Context, transactionID string, patch anomaly.MirrorPatch) (anomaly.MirrorState, error) {
	var state anomaly.MirrorState
	err := p.db.QueryRowContext(ctx, `
		UPDATE transactions SET
			is_fraud = COALESCE($2, is_fraud),
			risk_score = COALESCE($3, risk_score),
			updated_at = $4
		WHERE id = $1
		RETURNING is_fraud, risk_score`,
		transactionID, txnNullBool(patch.IsFraud), txnNullFloat(patch.RiskScore),
		time.Now().UTC(),
	).Scan(&state.IsFraud, &state.RiskScore)
	if err == sql.ErrNoRows {
		return state, ErrTransactionNotFound
	}
	return state, err
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_fraud),
		       COALESCE(SUM(amount), 0),
		       COALESCE(SUM(amount) FILTER (WHERE is_fraud), 0)
		FROM transactions`).Scan(
		&s.TotalCount, &s.FraudCount, &s.TotalAmount, &s.FraudAmount)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func buildTxnWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.IsFraud != nil {
		add("is_fraud = $%d", *f.IsFraud)
	}
	if f.MinAmount != nil {
		add("amount >= $%d", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		add("amount <= $%d", *f.MaxAmount)
	}
	if f.From != nil {
		add("occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("occurred_at <= $%d", *f.To)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(id ILIKE $%d OR user_id ILIKE $%d OR merchant ILIKE $%d)",
			len(args), len(args), len(args)))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type txnScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s txnScanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		merchant        sql.NullString
		txnType         sql.NullString
		locationCity    sql.NullString
		locationCountry sql.NullString
		deviceID        sql.NullString
		ipAddress       sql.NullString
		description     sql.NullString
		status          string
	)

	err := s.Scan(
		&t.ID, &t.UserID, &t.Amount, &t.Currency, &merchant, &txnType,
		&locationCity, &locationCountry, &deviceID, &ipAddress,
		&t.IsNewLocation, &t.IsNewDevice, &status, &t.IsFraud, &t.RiskScore,
		&description, &t.Timestamp, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Merchant = merchant.String
	t.TransactionType = txnType.String
	t.LocationCity = locationCity.String
	t.LocationCountry = locationCountry.String
	t.DeviceID = deviceID.String
	t.IPAddress = ipAddress.String
	t.Description = description.String
	return t, nil
}

func txnNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func txnNullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func txnNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore also serves as the anomaly package's mirror.
var _ anomaly.TransactionMirror = (*PostgresStore)(nil)
