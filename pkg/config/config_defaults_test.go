// SPDX-FileCopyrightText: 2026 Stock Portfolio contributors
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigSecureDefaults(t *testing.T) {
	var cfg Config
	assert.False(t, cfg.Mail.InsecureSkipVerify, "mail.insecureSkipVerify should be false by default")
	assert.False(t, cfg.Events.Kafka.InsecureSkipVerify, "events.kafka.insecureSkipVerify should be false by default")
	assert.False(t, cfg.Auth.Disabled, "auth must be enabled by default")
}

func TestDefaults(t *testing.T) {
	cfg := Config{Mail: Mail{Username: "stocks@gmail.com"}}
	cfg.Defaults()

	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, "token", cfg.Auth.CookieName)
	assert.Equal(t, "isAdmin", cfg.Auth.AdminClaim)
	assert.Equal(t, 587, cfg.Mail.Port)
	assert.Equal(t, DefaultSenderName, cfg.Mail.SenderName)
	assert.Equal(t, "stocks@gmail.com", cfg.Mail.SenderAddress)
	assert.Equal(t, MailAuthPassword, cfg.Mail.AuthMode)
	assert.Equal(t, StoreDriverBolt, cfg.Store.Driver)
	assert.Equal(t, DefaultBoltPath, cfg.Store.Path)
	assert.Equal(t, DefaultBatchSize, cfg.Queue.BatchSize)
	assert.Equal(t, DefaultMaxAttempts, cfg.Queue.MaxAttempts)
	assert.Equal(t, 1, cfg.Queue.Concurrency)
	assert.Equal(t, DefaultStoreRetries, cfg.Queue.StoreRetries)
}

func TestDefaultsKeepExplicitValues(t *testing.T) {
	cfg := Config{
		Mail:  Mail{Port: 465, SenderName: "Ops", SenderAddress: "ops@x.io", Username: "u@x.io"},
		Store: Store{Driver: StoreDriverPostgres},
		Queue: Queue{BatchSize: 20, MaxAttempts: 3},
	}
	cfg.Defaults()

	assert.Equal(t, 465, cfg.Mail.Port)
	assert.Equal(t, "Ops", cfg.Mail.SenderName)
	assert.Equal(t, "ops@x.io", cfg.Mail.SenderAddress)
	assert.Empty(t, cfg.Store.Path, "bolt path must not be set for postgres")
	assert.Equal(t, 20, cfg.Queue.BatchSize)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
}

func TestQueueDurations(t *testing.T) {
	var q Queue
	assert.Equal(t, DefaultTickInterval, q.GetTickInterval())
	assert.Equal(t, DefaultCooldown, q.GetCooldown())
	assert.Equal(t, DefaultStaleAfter, q.GetStaleAfter())
	assert.Equal(t, DefaultStoreRetryDelay, q.GetStoreRetryDelay())

	q = Queue{TickInterval: "10s", Cooldown: "1m", StaleAfter: "off", StoreRetryDelay: "2s"}
	assert.Equal(t, "10s", q.GetTickInterval().String())
	assert.Equal(t, "1m0s", q.GetCooldown().String())
	assert.Zero(t, q.GetStaleAfter())
	assert.Equal(t, "2s", q.GetStoreRetryDelay().String())
}

func TestRetryDefaults(t *testing.T) {
	var r Retry
	assert.Equal(t, 3, r.GetMaxRetries())
	assert.Equal(t, "1s", r.GetInitialBackoff().String())
	assert.Equal(t, 2.0, r.GetBackoffMultiplier())

	zero := 0
	r = Retry{MaxRetries: &zero, BackoffMultiplier: 3}
	assert.Equal(t, 0, r.GetMaxRetries())
	assert.Equal(t, 3.0, r.GetBackoffMultiplier())
}
