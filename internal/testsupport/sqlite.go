// Package testsupport opens throwaway SQLite databases carrying the subsync
// schema for package tests.
package testsupport

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// Schema mirrors the migrations in SQLite syntax.
var Schema = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE processed_notifications (
		id INTEGER PRIMARY KEY,
		gateway TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		status TEXT NOT NULL,
		event_kind TEXT,
		original_transaction_ref TEXT,
		event TEXT,
		raw_payload TEXT,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		degraded BOOLEAN NOT NULL DEFAULT 0,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		updated_at DATETIME NOT NULL,
		UNIQUE (gateway, idempotency_key)
	)`,
	`CREATE TABLE transaction_user_mappings (
		id INTEGER PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		gateway TEXT NOT NULL,
		email TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (transaction_id, gateway),
		UNIQUE (email, gateway)
	)`,
	`CREATE TABLE subscriptions (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL UNIQUE,
		plan_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at DATETIME,
		auto_renew BOOLEAN NOT NULL DEFAULT 0,
		canceled BOOLEAN NOT NULL DEFAULT 0,
		gateway TEXT,
		original_transaction_ref TEXT,
		purchase_token TEXT,
		google_subscription_id TEXT,
		stripe_subscription_id TEXT,
		duration_days INTEGER NOT NULL DEFAULT 0,
		multi_login_count INTEGER NOT NULL DEFAULT 0,
		price_amount INTEGER NOT NULL DEFAULT 0,
		price_currency TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		last_event_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (gateway, original_transaction_ref)
	)`,
	`CREATE TABLE domain_events (
		id INTEGER PRIMARY KEY,
		event_type TEXT NOT NULL,
		user_id INTEGER,
		subscription_id INTEGER,
		payload TEXT NOT NULL,
		dedupe_key TEXT UNIQUE,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		locked_until DATETIME,
		created_at DATETIME NOT NULL,
		published_at DATETIME
	)`,
	`CREATE TABLE webhook_configurations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		secret TEXT NOT NULL,
		provider_type TEXT NOT NULL,
		subscribed_event_types TEXT NOT NULL,
		max_retries INTEGER NOT NULL,
		retry_delay_base_seconds INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE webhook_deliveries (
		id INTEGER PRIMARY KEY,
		config_id INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME,
		last_attempt_at DATETIME,
		response_status INTEGER,
		response_data TEXT,
		error_message TEXT,
		locked_until DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (config_id, event_id)
	)`,
	`CREATE TABLE webhook_delivery_attempts (
		id INTEGER PRIMARY KEY,
		delivery_id INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		status_code INTEGER,
		response_body TEXT,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		request_id TEXT,
		ip_address TEXT,
		user_agent TEXT,
		created_at DATETIME NOT NULL
	)`,
}

// OpenDB returns an isolated in-memory database with the full schema. The pool
// is pinned to one connection so writers serialize the way row locks would.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range Schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}
