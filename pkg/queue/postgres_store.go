/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"
)

const jobColumns = `id, recipient, subject, html, status, attempts, last_attempt, error, created_at, updated_at`

// eligiblePredicate mirrors EligibilityPolicy.Eligible. @max is the attempt limit and
// @cutoff the latest lastAttempt that has cooled down.
const eligiblePredicate = `(
	(status IN ('pending', 'failed') AND attempts < @max AND (last_attempt IS NULL OR last_attempt <= @cutoff))
	OR (status = 'pending' AND attempts >= @max)
)`

const schemaDDL = `
CREATE TABLE IF NOT EXISTS email_queue (
	id           TEXT PRIMARY KEY,
	recipient    TEXT NOT NULL,
	subject      TEXT NOT NULL,
	html         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending'
	             CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_attempt TIMESTAMPTZ,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_email_queue_status_created ON email_queue (status, created_at);
CREATE INDEX IF NOT EXISTS idx_email_queue_created ON email_queue (created_at);
`

// PostgresStore keeps jobs in the email_queue table. Every mutation is a single
// statement, which makes Claim a compare-and-set.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clock.PassiveClock
}

// NewPostgresStore connects to databaseURL. maxConns <= 0 keeps the pgxpool default.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("unable to parse database URL: %w", err))
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("unable to create connection pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageErr("open", fmt.Errorf("unable to reach database: %w", err))
	}
	return &PostgresStore{pool: pool, clock: clock.RealClock{}}, nil
}

// InitSchema creates the table and indexes. It is safe to run on every start.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return storageErr("init schema", err)
}

func (s *PostgresStore) Enqueue(ctx context.Context, to, subject, html string) (string, error) {
	if err := checkContent(to, subject, html); err != nil {
		return "", storageErr("enqueue", err)
	}
	id := uuid.NewString()
	now := s.clock.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO email_queue (id, recipient, subject, html, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, $5, $5)`,
		id, to, subject, html, now)
	if err != nil {
		return "", storageErr("enqueue", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storageErr("get", ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return job, nil
}

func (s *PostgresStore) SelectEligible(ctx context.Context, now time.Time, p EligibilityPolicy, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM email_queue WHERE `+eligiblePredicate+`
		 ORDER BY created_at ASC, id ASC LIMIT @limit`,
		pgx.NamedArgs{"max": p.MaxAttempts, "cutoff": p.CooldownCutoff(now), "limit": limit})
	if err != nil {
		return nil, storageErr("select", err)
	}
	jobs, err := collectJobs(rows)
	return jobs, storageErr("select", err)
}

func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time, p EligibilityPolicy) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE email_queue
		 SET status = 'processing', attempts = attempts + 1, last_attempt = @now, error = '', updated_at = @now
		 WHERE id = @id AND `+eligiblePredicate+`
		 RETURNING `+jobColumns,
		pgx.NamedArgs{"id": id, "now": now.UTC(), "max": p.MaxAttempts, "cutoff": p.CooldownCutoff(now)}))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("claim", err)
	}
	return job, nil
}

// Save only matches rows whose current status may move to job.Status and whose
// attempt count is not above job.Attempts. A miss is resolved to the sentinel the
// bolt store would return.
func (s *PostgresStore) Save(ctx context.Context, job *Job) error {
	if err := checkContent(job.To, job.Subject, job.HTML, job.Error); err != nil {
		return storageErr("save", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_queue
		 SET recipient = @to, subject = @subject, html = @html, status = @status, attempts = @attempts,
		     last_attempt = @lastAttempt, error = @error, updated_at = @updatedAt
		 WHERE id = @id AND status <> 'completed' AND attempts <= @attempts
		   AND (status = ANY(@allowedFrom) OR (status = @status AND attempts = @attempts))`,
		pgx.NamedArgs{
			"id":          job.ID,
			"to":          job.To,
			"subject":     job.Subject,
			"html":        job.HTML,
			"status":      string(job.Status),
			"attempts":    job.Attempts,
			"lastAttempt": job.LastAttempt,
			"error":       job.Error,
			"updatedAt":   job.UpdatedAt.UTC(),
			"allowedFrom": sourcesOf(job.Status),
		})
	if err != nil {
		return storageErr("save", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_queue WHERE id = $1`, job.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return storageErr("save", ErrNotFound)
	}
	if err != nil {
		return storageErr("save", err)
	}
	if err := checkSave(current, job); err != nil {
		return storageErr("save", err)
	}
	// The row changed between the update and the read.
	return storageErr("save", ErrInvalidTransition)
}

func (s *PostgresStore) QueryStats(ctx context.Context, now time.Time) (*Stats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(AVG(attempts), 0)::float8 FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	counts := map[Status]StatusCount{}
	for rows.Next() {
		var c StatusCount
		var status string
		if err := rows.Scan(&status, &c.Count, &c.AvgAttempts); err != nil {
			rows.Close()
			return nil, storageErr("stats", err)
		}
		c.Status = Status(status)
		counts[c.Status] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("stats", err)
	}

	stats := &Stats{ByStatus: []StatusCount{}}
	for _, st := range AllStatuses {
		if c, ok := counts[st]; ok {
			stats.ByStatus = append(stats.ByStatus, c)
		}
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE created_at >= $1), COUNT(*) FROM email_queue`,
		now.Add(-24*time.Hour).UTC()).Scan(&stats.Last24Hours, &stats.Total)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	return stats, nil
}

func (s *PostgresStore) QueryPage(ctx context.Context, filter Filter, page, pageSize int) (*Page, error) {
	page, pageSize = NormalizePaging(page, pageSize)
	where := `(@status::text = '' OR status = @status::text)
		AND (@search::text = '' OR recipient ILIKE @pattern ESCAPE '\' OR subject ILIKE @pattern ESCAPE '\')`
	args := pgx.NamedArgs{
		"status":  string(filter.Status),
		"search":  filter.Search,
		"pattern": "%" + escapeLike(filter.Search) + "%",
		"limit":   pageSize,
		"offset":  (page - 1) * pageSize,
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM email_queue WHERE `+where, args).Scan(&total); err != nil {
		return nil, storageErr("query", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM email_queue WHERE `+where+`
		 ORDER BY created_at DESC, id DESC LIMIT @limit OFFSET @offset`, args)
	if err != nil {
		return nil, storageErr("query", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, storageErr("query", err)
	}
	return &Page{Jobs: jobs, Total: total, Pages: pageCount(total, pageSize), CurrentPage: page}, nil
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_queue SET status = 'pending', error = '', updated_at = $2 WHERE id = ANY($1)`,
		uniqueIDs(ids), s.clock.Now().UTC())
	if err != nil {
		return 0, storageErr("reset", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_queue SET status = 'failed', error = $2, updated_at = $3
		 WHERE status = 'processing' AND (last_attempt IS NULL OR last_attempt < $1)`,
		olderThan.UTC(), InterruptedError, s.clock.Now().UTC())
	if err != nil {
		return 0, storageErr("recover", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var status string
	if err := row.Scan(&job.ID, &job.To, &job.Subject, &job.HTML, &status, &job.Attempts,
		&job.LastAttempt, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// escapeLike makes search a literal for ILIKE ... ESCAPE '\'.
func escapeLike(search string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(search)
}
