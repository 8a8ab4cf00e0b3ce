package db

import (
	"database/sql"

	"gorm.io/gorm"
)

func isSQLite(db *gorm.DB) bool {
	return db != nil && db.Dialector != nil && db.Dialector.Name() == TypeSQLite
}

// ForUpdate returns the row-lock suffix for the connection's dialect.
// SQLite serializes writers and rejects the clause.
func ForUpdate(db *gorm.DB) string {
	if isSQLite(db) {
		return ""
	}
	return " FOR UPDATE"
}

// ForUpdateSkipLocked is ForUpdate for claim queries that must not wait.
func ForUpdateSkipLocked(db *gorm.DB) string {
	if isSQLite(db) {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

// Serializable returns tx options for db.Transaction. SQLite transactions are
// already serializable and the pure-go driver rejects explicit levels.
func Serializable(db *gorm.DB) []*sql.TxOptions {
	if isSQLite(db) {
		return nil
	}
	return []*sql.TxOptions{{Isolation: sql.LevelSerializable}}
}

func isMySQL(db *gorm.DB) bool {
	return db != nil && db.Dialector != nil && db.Dialector.Name() == TypeMySQL
}

// InsertIgnore is the statement prefix for an insert-if-absent.
func InsertIgnore(db *gorm.DB) string {
	if isMySQL(db) {
		return "INSERT IGNORE INTO"
	}
	return "INSERT INTO"
}

// OnConflictDoNothing pairs with InsertIgnore; MySQL expresses it in the prefix.
func OnConflictDoNothing(db *gorm.DB, columns string) string {
	if isMySQL(db) {
		return ""
	}
	return " ON CONFLICT (" + columns + ") DO NOTHING"
}
