package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/fraudlab/ringtrace/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO alerts (id, account_id, risk_score, risk_bucket, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.Status == "" {
		alert.Status = "new"
	}
	if alert.RiskBucket == "" {
		alert.RiskBucket = models.BucketForScore(alert.RiskScore)
	}
	alert.CreatedAt = time.Now()
	alert.UpdatedAt = alert.CreatedAt

	_, err := s.db.ExecContext(ctx, query,
		alert.ID,
		alert.AccountID,
		alert.RiskScore,
		alert.RiskBucket,
		alert.Reason,
		alert.Status,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	return err
}

func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	var alert models.Alert
	query := `SELECT * FROM alerts WHERE id = $1`
	err := s.db.GetContext(ctx, &alert, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &alert, err
}

func (s *Store) ListAlerts(ctx context.Context, status *string, bucket *models.RiskBucket) ([]models.Alert, error) {
	return s.ListAlertsFiltered(ctx, status, bucket, nil)
}

func (s *Store) ListAlertsFiltered(ctx context.Context, status *string, bucket *models.RiskBucket, minScore *float64) ([]models.Alert, error) {
	query := `SELECT * FROM alerts WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *status)
		argIdx++
	}
	if bucket != nil {
		query += fmt.Sprintf(" AND risk_bucket = $%d", argIdx)
		args = append(args, *bucket)
		argIdx++
	}
	if minScore != nil {
		query += fmt.Sprintf(" AND risk_score >= $%d", argIdx)
		args = append(args, *minScore)
	}

	query += " ORDER BY risk_score DESC, created_at DESC"

	var alerts []models.Alert
	err := s.db.SelectContext(ctx, &alerts, query, args...)
	return alerts, err
}

func (s *Store) UpdateAlertStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE alerts SET status = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, status, time.Now(), id)
	return err
}

// caseRow is the persisted shape of a case: a handful of queryable columns
// plus the full case snapshot as jsonb. The snapshot is the source of truth;
// the columns exist for listing and sweeping.
type caseRow struct {
	ID               uuid.UUID             `db:"id"`
	AlertID          uuid.UUID             `db:"alert_id"`
	SuspectAccountID string                `db:"suspect_account_id"`
	Status           models.WorkflowStatus `db:"status"`
	Stage            models.Stage          `db:"stage"`
	Snapshot         []byte                `db:"snapshot"`
	CreatedAt        time.Time             `db:"created_at"`
	UpdatedAt        time.Time             `db:"updated_at"`
}

// SaveCase upserts the full case snapshot. Called after every stage advance,
// so a crashed worker can be resumed from the last persisted stage.
func (s *Store) SaveCase(ctx context.Context, c *models.Case) error {
	snapshot, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding case snapshot: %w", err)
	}

	query := `
		INSERT INTO cases (id, alert_id, suspect_account_id, status, stage, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			stage = EXCLUDED.stage,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.AlertID,
		c.SuspectAccountID,
		c.Status,
		c.Stage,
		snapshot,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (s *Store) GetCase(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	var row caseRow
	query := `SELECT * FROM cases WHERE id = $1`
	err := s.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var c models.Case
	if err := json.Unmarshal(row.Snapshot, &c); err != nil {
		return nil, fmt.Errorf("decoding case snapshot: %w", err)
	}
	return &c, nil
}

// CaseListing is the list view of a case without the snapshot payload.
type CaseListing struct {
	ID               uuid.UUID             `db:"id" json:"id"`
	AlertID          uuid.UUID             `db:"alert_id" json:"alert_id"`
	SuspectAccountID string                `db:"suspect_account_id" json:"suspect_account_id"`
	Status           models.WorkflowStatus `db:"status" json:"status"`
	Stage            models.Stage          `db:"stage" json:"stage"`
	CreatedAt        time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time             `db:"updated_at" json:"updated_at"`
}

func (s *Store) ListCases(ctx context.Context, status *models.WorkflowStatus) ([]CaseListing, error) {
	query := `
		SELECT id, alert_id, suspect_account_id, status, stage, created_at, updated_at
		FROM cases WHERE 1=1
	`
	args := make([]interface{}, 0)

	if status != nil {
		query += " AND status = $1"
		args = append(args, *status)
	}

	query += " ORDER BY created_at DESC"

	var cases []CaseListing
	err := s.db.SelectContext(ctx, &cases, query, args...)
	return cases, err
}

// ListStaleCases returns non-terminal cases untouched since the cutoff; the
// scheduler fails them so abandoned investigations do not linger forever.
func (s *Store) ListStaleCases(ctx context.Context, cutoff time.Time) ([]CaseListing, error) {
	query := `
		SELECT id, alert_id, suspect_account_id, status, stage, created_at, updated_at
		FROM cases
		WHERE status IN ('pending', 'running') AND updated_at < $1
		ORDER BY updated_at ASC
	`
	var cases []CaseListing
	err := s.db.SelectContext(ctx, &cases, query, cutoff)
	return cases, err
}

func (s *Store) MarkCaseFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE cases SET
			status = 'failed',
			snapshot = jsonb_set(jsonb_set(snapshot, '{status}', '"failed"'), '{error}', to_jsonb($1::text)),
			updated_at = $2
		WHERE id = $3 AND status IN ('pending', 'running')
	`
	_, err := s.db.ExecContext(ctx, query, reason, time.Now(), id)
	return err
}

// RequestCaseStop flips the stop flag inside the snapshot of a live case.
// Whichever runner owns the case picks the flag up between stages and hands
// it to the engine, which honors it at the next expansion decision.
func (s *Store) RequestCaseStop(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE cases SET
			snapshot = jsonb_set(snapshot, '{stop_requested}', 'true'),
			updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'running')
	`
	_, err := s.db.ExecContext(ctx, query, time.Now(), id)
	return err
}

func (s *Store) CaseStopRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var stop sql.NullBool
	query := `SELECT (snapshot->>'stop_requested')::boolean FROM cases WHERE id = $1`
	err := s.db.GetContext(ctx, &stop, query, id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stop.Valid && stop.Bool, nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, username, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = "analyst"
	}
	user.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.Role,
		user.CreatedAt,
	)
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	query := `SELECT * FROM users WHERE username = $1`
	err := s.db.GetContext(ctx, &user, query, username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &user, err
}
