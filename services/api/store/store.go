// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is a small JSON document repository used by the route
// group modules.
//
// # Description
//
// Every module keeps its records in one table, partitioned by kind:
//
//	documents(kind, id, owner, status, body, created_at, updated_at)
//
// Bodies are JSON objects. The SQL is dialect-neutral; "?" placeholders
// are rebound to the driver's style by the caller's DB (a *session.Session
// in production).
//
// # Thread Safety
//
// Store is stateless and safe for concurrent use. Each call runs on the DB
// it is given, which must not be shared between goroutines.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no document matches.
var ErrNotFound = errors.New("document not found")

// DefaultListLimit caps List when Query.Limit is not set.
const DefaultListLimit = 100

// MaxListLimit is the largest accepted Query.Limit.
const MaxListLimit = 1000

// DB is the subset of a session the store needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

// Document is one stored record.
type Document struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	Owner     string         `json:"owner,omitempty"`
	Status    string         `json:"status,omitempty"`
	Body      map[string]any `json:"body"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Query filters List and Count. Empty fields match everything.
type Query struct {
	Kind   string
	Owner  string
	Status string
	Limit  int
	Offset int
}

type row struct {
	Kind      string `db:"kind"`
	ID        string `db:"id"`
	Owner     string `db:"owner"`
	Status    string `db:"status"`
	Body      string `db:"body"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r row) document() (Document, error) {
	doc := Document{
		Kind:      r.Kind,
		ID:        r.ID,
		Owner:     r.Owner,
		Status:    r.Status,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.Body != "" {
		if err := json.Unmarshal([]byte(r.Body), &doc.Body); err != nil {
			return Document{}, fmt.Errorf("decode %s/%s body: %w", r.Kind, r.ID, err)
		}
	}
	if doc.Body == nil {
		doc.Body = map[string]any{}
	}
	return doc, nil
}

const columns = "kind, id, owner, status, body, created_at, updated_at"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		kind       VARCHAR(64)  NOT NULL,
		id         VARCHAR(64)  NOT NULL,
		owner      VARCHAR(64)  NOT NULL DEFAULT '',
		status     VARCHAR(32)  NOT NULL DEFAULT '',
		body       TEXT         NOT NULL,
		created_at BIGINT       NOT NULL,
		updated_at BIGINT       NOT NULL,
		PRIMARY KEY (kind, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_kind_owner ON documents (kind, owner)`,
}

// Store reads and writes documents.
type Store struct {
	now   func() time.Time
	newID func() string
}

// New creates a Store.
func New() *Store {
	return &Store{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Migrate creates the documents table and its index if missing.
func (s *Store) Migrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate documents: %w", err)
		}
	}
	return nil
}

// Insert stores a new document and returns it with id and timestamps set.
// A non-empty doc.ID is kept; otherwise a uuid is assigned. An existing
// (kind, id) yields ErrConflict.
func (s *Store) Insert(ctx context.Context, db DB, doc Document) (Document, error) {
	if doc.Kind == "" {
		return Document{}, errors.New("insert document: kind is required")
	}
	if doc.ID == "" {
		doc.ID = s.newID()
	}
	if doc.Body == nil {
		doc.Body = map[string]any{}
	}
	body, err := json.Marshal(doc.Body)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s body: %w", doc.Kind, err)
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	doc.CreatedAt, doc.UpdatedAt = now, now

	q := db.Rebind("INSERT INTO documents (" + columns + ") VALUES (?, ?, ?, ?, ?, ?, ?)")
	if _, err := db.ExecContext(ctx, q,
		doc.Kind, doc.ID, doc.Owner, doc.Status, string(body), now.UnixMilli(), now.UnixMilli()); err != nil {
		if isUniqueViolation(err) {
			return Document{}, fmt.Errorf("insert %s %s: %w: %w", doc.Kind, doc.ID, ErrConflict, err)
		}
		return Document{}, fmt.Errorf("insert %s: %w", doc.Kind, err)
	}
	return doc, nil
}

// Get loads one document.
func (s *Store) Get(ctx context.Context, db DB, kind, id string) (Document, error) {
	var r row
	q := db.Rebind("SELECT " + columns + " FROM documents WHERE kind = ? AND id = ?")
	if err := db.GetContext(ctx, &r, q, kind, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return Document{}, fmt.Errorf("get %s: %w", kind, err)
	}
	return r.document()
}

// List returns documents matching q ordered by creation time.
func (s *Store) List(ctx context.Context, db DB, q Query) ([]Document, error) {
	where, args := q.where()
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	stmt := db.Rebind(fmt.Sprintf(
		"SELECT %s FROM documents%s ORDER BY created_at, id LIMIT %d OFFSET %d",
		columns, where, limit, offset))

	var rows []row
	if err := db.SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Kind, err)
	}

	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		d, err := r.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// Count returns the number of documents matching q. Limit and Offset are
// ignored.
func (s *Store) Count(ctx context.Context, db DB, q Query) (int, error) {
	where, args := q.where()
	var n int
	if err := db.GetContext(ctx, &n, db.Rebind("SELECT COUNT(*) FROM documents"+where), args...); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.Kind, err)
	}
	return n, nil
}

// KindCount is one row of CountByKind.
type KindCount struct {
	Kind  string `db:"kind" json:"kind"`
	Count int    `db:"n" json:"count"`
}

// CountByKind returns the number of documents per kind.
func (s *Store) CountByKind(ctx context.Context, db DB) ([]KindCount, error) {
	var out []KindCount
	if err := db.SelectContext(ctx, &out,
		"SELECT kind, COUNT(*) AS n FROM documents GROUP BY kind ORDER BY kind"); err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	return out, nil
}

// Update merges patch into the document body. Keys with a nil value are
// removed. Returns the updated document.
func (s *Store) Update(ctx context.Context, db DB, kind, id string, patch map[string]any) (Document, error) {
	doc, err := s.Get(ctx, db, kind, id)
	if err != nil {
		return Document{}, err
	}
	for k, v := range patch {
		if v == nil {
			delete(doc.Body, k)
			continue
		}
		doc.Body[k] = v
	}
	body, err := json.Marshal(doc.Body)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s body: %w", kind, err)
	}
	doc.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)

	if err := s.exec(ctx, db, kind, id,
		"UPDATE documents SET body = ?, updated_at = ? WHERE kind = ? AND id = ?",
		string(body), doc.UpdatedAt.UnixMilli(), kind, id); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// SetStatus changes a document's status column.
func (s *Store) SetStatus(ctx context.Context, db DB, kind, id, status string) error {
	return s.exec(ctx, db, kind, id,
		"UPDATE documents SET status = ?, updated_at = ? WHERE kind = ? AND id = ?",
		status, s.now().UTC().UnixMilli(), kind, id)
}

// Assign changes a document's owner column.
func (s *Store) Assign(ctx context.Context, db DB, kind, id, owner string) error {
	return s.exec(ctx, db, kind, id,
		"UPDATE documents SET owner = ?, updated_at = ? WHERE kind = ? AND id = ?",
		owner, s.now().UTC().UnixMilli(), kind, id)
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, db DB, kind, id string) error {
	return s.exec(ctx, db, kind, id, "DELETE FROM documents WHERE kind = ? AND id = ?", kind, id)
}

// DeleteWhere removes every document of kind with the given owner and
// returns how many were removed.
func (s *Store) DeleteWhere(ctx context.Context, db DB, kind, owner string) (int64, error) {
	res, err := db.ExecContext(ctx, db.Rebind("DELETE FROM documents WHERE kind = ? AND owner = ?"), kind, owner)
	if err != nil {
		return 0, fmt.Errorf("delete %s for %s: %w", kind, owner, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s for %s: %w", kind, owner, err)
	}
	return n, nil
}

func (s *Store) exec(ctx context.Context, db DB, kind, id, query string, args ...any) error {
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("write %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (q Query) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, q.Owner)
	}
	if q.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, q.Status)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
