// Package hfsql provides a PostgreSQL-backed store for campaigns and crash
// reports. It persists findings across dashboard restarts, but has no
// pub/sub support: live updates need the Redis stores or an in-process
// event bus.
package hfsql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // Needed to register pgx as a database/sql driver.

	"github.com/kingjohntom/honggfuzz"
)

type PostgresStore struct {
	pool *sql.DB
}

func NewPostgresStore(ctx context.Context, database_url string) (*PostgresStore, error) {
	pool, err := sql.Open("pgx", database_url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgresSQL at %s: %w", database_url, err)
	}
	s := &PostgresStore{pool: pool}
	// The database often starts together with the dashboard, retry for a
	// while before giving up.
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err = backoff.Retry(func() error { return s.pool.PingContext(ctx) }, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to ping PostgresSQL at %s: %w", database_url, err)
	}
	return s, nil
}

// CreateTables creates the campaigns and reports tables if they do not
// exist yet. Statements are executed one at a time, pgx uses the extended
// query protocol which does not accept multi-statement strings.
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			campaign_id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			started TIMESTAMPTZ NOT NULL,
			updated TIMESTAMPTZ NOT NULL,
			execs BIGINT NOT NULL,
			execs_per_sec DOUBLE PRECISION NOT NULL,
			crashes BIGINT NOT NULL,
			timeouts BIGINT NOT NULL,
			unique_crashes BIGINT NOT NULL,
			corpus_len INTEGER NOT NULL,
			corpus_bytes BIGINT NOT NULL,
			finished BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			report_id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			target TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			input BYTEA,
			input_hash BIGINT NOT NULL,
			created TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS reports_campaign_idx ON reports (campaign_id, created)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateCampaign(ctx context.Context, status *honggfuzz.CampaignStatus) error {
	_, err := s.pool.ExecContext(ctx, `
		INSERT INTO campaigns (
			campaign_id, target, started, updated, execs, execs_per_sec,
			crashes, timeouts, unique_crashes, corpus_len, corpus_bytes, finished)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (campaign_id) DO UPDATE SET
			target = $2, started = $3, updated = $4, execs = $5,
			execs_per_sec = $6, crashes = $7, timeouts = $8,
			unique_crashes = $9, corpus_len = $10, corpus_bytes = $11,
			finished = $12`,
		status.CampaignId, status.Target, status.Started, status.Updated,
		status.Execs, status.ExecsPerSec, status.Crashes, status.Timeouts,
		status.UniqueCrashes, status.CorpusLen, status.CorpusBytes, status.Finished)
	return err
}

func (s *PostgresStore) LookupCampaign(ctx context.Context, campaignId string) (*honggfuzz.CampaignStatus, error) {
	row := s.pool.QueryRowContext(ctx, `
		SELECT campaign_id, target, started, updated, execs, execs_per_sec,
			crashes, timeouts, unique_crashes, corpus_len, corpus_bytes, finished
		FROM campaigns WHERE campaign_id = $1`, campaignId)
	status := &honggfuzz.CampaignStatus{}
	err := row.Scan(&status.CampaignId, &status.Target, &status.Started, &status.Updated,
		&status.Execs, &status.ExecsPerSec, &status.Crashes, &status.Timeouts,
		&status.UniqueCrashes, &status.CorpusLen, &status.CorpusBytes, &status.Finished)
	if err == sql.ErrNoRows {
		return nil, honggfuzz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (s *PostgresStore) ListRecentCampaigns(ctx context.Context, limit int) ([]*honggfuzz.CampaignStatus, error) {
	rows, err := s.pool.QueryContext(ctx, `
		SELECT campaign_id, target, started, updated, execs, execs_per_sec,
			crashes, timeouts, unique_crashes, corpus_len, corpus_bytes, finished
		FROM campaigns ORDER BY updated DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cs []*honggfuzz.CampaignStatus
	for rows.Next() {
		status := &honggfuzz.CampaignStatus{}
		err := rows.Scan(&status.CampaignId, &status.Target, &status.Started, &status.Updated,
			&status.Execs, &status.ExecsPerSec, &status.Crashes, &status.Timeouts,
			&status.UniqueCrashes, &status.CorpusLen, &status.CorpusBytes, &status.Finished)
		if err != nil {
			return nil, err
		}
		cs = append(cs, status)
	}
	return cs, rows.Err()
}

func (s *PostgresStore) StoreNewReport(ctx context.Context, r *honggfuzz.CrashReport) (bool, error) {
	// Postgres has no unsigned 64 bit integer type, hashes are stored in
	// two's complement.
	res, err := s.pool.ExecContext(ctx, `
		INSERT INTO reports (
			report_id, campaign_id, target, kind, message, input, input_hash, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (report_id) DO NOTHING`,
		r.Id, r.CampaignId, r.Target, string(r.Kind), r.Message, r.Input,
		int64(r.InputHash), r.Time)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) scanReport(row *sql.Row) (*honggfuzz.CrashReport, error) {
	r := &honggfuzz.CrashReport{}
	var kind string
	var inputHash int64
	err := row.Scan(&r.Id, &r.CampaignId, &r.Target, &kind, &r.Message,
		&r.Input, &inputHash, &r.Time)
	if err == sql.ErrNoRows {
		return nil, honggfuzz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Kind = honggfuzz.CrashKind(kind)
	r.InputHash = uint64(inputHash)
	return r, nil
}

func (s *PostgresStore) LookupReport(ctx context.Context, reportId string) (*honggfuzz.CrashReport, error) {
	return s.scanReport(s.pool.QueryRowContext(ctx, `
		SELECT report_id, campaign_id, target, kind, message, input, input_hash, created
		FROM reports WHERE report_id = $1`, reportId))
}

func (s *PostgresStore) queryReports(ctx context.Context, query string, args ...any) ([]*honggfuzz.CrashReport, error) {
	rows, err := s.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []*honggfuzz.CrashReport
	for rows.Next() {
		r := &honggfuzz.CrashReport{}
		var kind string
		var inputHash int64
		err := rows.Scan(&r.Id, &r.CampaignId, &r.Target, &kind, &r.Message,
			&r.Input, &inputHash, &r.Time)
		if err != nil {
			return nil, err
		}
		r.Kind = honggfuzz.CrashKind(kind)
		r.InputHash = uint64(inputHash)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (s *PostgresStore) ListRecentReports(ctx context.Context, limit int) ([]*honggfuzz.CrashReport, error) {
	return s.queryReports(ctx, `
		SELECT report_id, campaign_id, target, kind, message, input, input_hash, created
		FROM reports ORDER BY created DESC LIMIT $1`, limit)
}

func (s *PostgresStore) ListCampaignReports(ctx context.Context, campaignId string) ([]*honggfuzz.CrashReport, error) {
	return s.queryReports(ctx, `
		SELECT report_id, campaign_id, target, kind, message, input, input_hash, created
		FROM reports WHERE campaign_id = $1 ORDER BY created DESC`, campaignId)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
