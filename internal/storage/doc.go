// Package storage provides SQLite-backed durable state: the session token
// and user record that survive restarts, plus a capped rolling debug log.
package storage
