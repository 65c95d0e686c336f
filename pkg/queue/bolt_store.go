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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"k8s.io/utils/clock"
)

var jobsBucket = []byte("jobs")

// BoltStore keeps jobs as JSON documents in a single bolt file. Each mutation runs in
// one write transaction, so per-job updates are atomic.
type BoltStore struct {
	db    *bolt.DB
	clock clock.PassiveClock
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithBoltClock sets the clock used for createdAt and updatedAt timestamps.
func WithBoltClock(c clock.PassiveClock) BoltOption {
	return func(s *BoltStore) { s.clock = c }
}

// OpenBoltStore opens (or creates) the bolt file at path.
func OpenBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("opening %s: %w", path, err))
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, storageErr("open", fmt.Errorf("creating bucket: %w", err))
	}
	s := &BoltStore{db: db, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BoltStore) Enqueue(ctx context.Context, to, subject, html string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storageErr("enqueue", err)
	}
	if err := checkContent(to, subject, html); err != nil {
		return "", storageErr("enqueue", err)
	}
	now := s.clock.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		To:        to,
		Subject:   subject,
		HTML:      html,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJob(tx.Bucket(jobsBucket), job)
	})
	if err != nil {
		return "", storageErr("enqueue", err)
	}
	return job.ID, nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx.Bucket(jobsBucket), id)
		return err
	})
	if err != nil {
		return nil, storageErr("get", err)
	}
	return job, nil
}

func (s *BoltStore) SelectEligible(ctx context.Context, now time.Time, p EligibilityPolicy, limit int) ([]Job, error) {
	var eligible []Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachJob(tx.Bucket(jobsBucket), func(j *Job) error {
			if p.Eligible(j, now) {
				eligible = append(eligible, *j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("select", err)
	}
	sortOldestFirst(eligible)
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (s *BoltStore) Claim(ctx context.Context, id string, now time.Time, p EligibilityPolicy) (*Job, error) {
	var claimed *Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		job, err := getJob(b, id)
		if err != nil {
			return err
		}
		if !p.Eligible(job, now) {
			return nil
		}
		job.markClaimed(now.UTC())
		if err := putJob(b, job); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, storageErr("claim", err)
	}
	return claimed, nil
}

func (s *BoltStore) Save(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return storageErr("save", err)
	}
	if err := checkContent(job.To, job.Subject, job.HTML, job.Error); err != nil {
		return storageErr("save", err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		current, err := getJob(b, job.ID)
		if err != nil {
			return err
		}
		if err := checkSave(current, job); err != nil {
			return err
		}
		return putJob(b, job)
	})
	return storageErr("save", err)
}

func (s *BoltStore) QueryStats(ctx context.Context, now time.Time) (*Stats, error) {
	var jobs []Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachJob(tx.Bucket(jobsBucket), func(j *Job) error {
			jobs = append(jobs, Job{Status: j.Status, Attempts: j.Attempts, CreatedAt: j.CreatedAt})
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("stats", err)
	}
	return buildStats(jobs, now), nil
}

func (s *BoltStore) QueryPage(ctx context.Context, filter Filter, page, pageSize int) (*Page, error) {
	page, pageSize = NormalizePaging(page, pageSize)
	var matched []Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachJob(tx.Bucket(jobsBucket), func(j *Job) error {
			if filter.matches(j) {
				matched = append(matched, *j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("query", err)
	}
	sortNewestFirst(matched)

	result := &Page{Jobs: []Job{}, Total: len(matched), Pages: pageCount(len(matched), pageSize), CurrentPage: page}
	start := (page - 1) * pageSize
	if start < len(matched) {
		end := min(start+pageSize, len(matched))
		result.Jobs = matched[start:end]
	}
	return result, nil
}

func (s *BoltStore) ResetForRetry(ctx context.Context, ids []string) (int, error) {
	matched := 0
	now := s.clock.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		for _, id := range uniqueIDs(ids) {
			job, err := getJob(b, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			job.Status = StatusPending
			job.Error = ""
			job.UpdatedAt = now
			if err := putJob(b, job); err != nil {
				return err
			}
			matched++
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("reset", err)
	}
	return matched, nil
}

func (s *BoltStore) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	recovered := 0
	now := s.clock.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		var stale []*Job
		if err := forEachJob(b, func(j *Job) error {
			if j.Status == StatusProcessing && (j.LastAttempt == nil || j.LastAttempt.Before(olderThan)) {
				stale = append(stale, j)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, j := range stale {
			j.Status = StatusFailed
			j.Error = InterruptedError
			j.UpdatedAt = now
			if err := putJob(b, j); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("recover", err)
	}
	return recovered, nil
}

func (s *BoltStore) Close() error {
	return storageErr("close", s.db.Close())
}

func getJob(b *bolt.Bucket, id string) (*Job, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, ErrNotFound
	}
	job := &Job{}
	if err := json.Unmarshal(raw, job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return job, nil
}

func putJob(b *bolt.Bucket, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	return b.Put([]byte(job.ID), raw)
}

func forEachJob(b *bolt.Bucket, fn func(*Job) error) error {
	return b.ForEach(func(k, v []byte) error {
		job := &Job{}
		if err := json.Unmarshal(v, job); err != nil {
			return fmt.Errorf("decoding job %s: %w", k, err)
		}
		return fn(job)
	})
}
