package db

import (
	"database/sql"
	"time"
)

// ─── Time Helpers ────────────────────────────────────────────────────────────

const timeFormat = "2006-01-02 15:04:05"

// parseTime parses a time string written by this package.
func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// parseNullTime parses a nullable time string from SQLite
func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	return parseTime(ns.String)
}

// nowString returns the current UTC time as a formatted string
func nowString() string {
	return time.Now().UTC().Format(timeFormat)
}

// ─── Null Helpers ────────────────────────────────────────────────────────────

// nullInt64 maps zero to NULL for optional foreign keys.
func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// nullBytes maps empty JSON to NULL.
func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
