// Package db persists the operational history this core keeps beyond the
// bare JSON ledger/mirror contract of spec §6: three-way audit results,
// Order Mirror diffs and TWAP slice history. Adapted from the teacher's pkg/db/queries.go, whose
// per-user-isolated query shape is dropped along with the multi-tenant
// schema (§ DESIGN.md "Adapted (not dropped) teacher infrastructure").
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Queries wraps the single-operator query surface for this core.
type Queries struct {
	db *sql.DB
}

// NewQueries constructs a Queries bound to db.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// AuditRecord is one three-way audit comparison (Shadow Balance §4.2.3).
type AuditRecord struct {
	ID              int64
	Asset           string
	ExchangeFree    float64
	Reservations    float64
	ShadowAvailable float64
	Diff            float64
	Repaired        bool
	CreatedAt       time.Time
}

// InsertAudit records one audit comparison.
func (q *Queries) InsertAudit(ctx context.Context, r AuditRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_log (asset, exchange_free, reservations, shadow_available, diff, repaired)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Asset, r.ExchangeFree, r.Reservations, r.ShadowAvailable, r.Diff, r.Repaired)
	if err != nil {
		return fmt.Errorf("db: insert audit: %w", err)
	}
	return nil
}

// RecentAudits returns the last n audit records, newest first.
func (q *Queries) RecentAudits(ctx context.Context, n int) ([]AuditRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, asset, exchange_free, reservations, shadow_available, diff, repaired, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("db: recent audits: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.Asset, &r.ExchangeFree, &r.Reservations,
			&r.ShadowAvailable, &r.Diff, &r.Repaired, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan audit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MirrorDiff is one Order Mirror reconciliation difference (spec §4.5).
type MirrorDiff struct {
	OrderID      string
	Kind         string // "missing_local", "missing_remote", "status_delta"
	LocalStatus  string
	RemoteStatus string
}

// InsertMirrorDiff records one mirror diff.
func (q *Queries) InsertMirrorDiff(ctx context.Context, d MirrorDiff) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO mirror_diffs (order_id, kind, local_status, remote_status)
		VALUES (?, ?, ?, ?)`, d.OrderID, d.Kind, d.LocalStatus, d.RemoteStatus)
	if err != nil {
		return fmt.Errorf("db: insert mirror diff: %w", err)
	}
	return nil
}

// TWAPSlice is one rebalancer slice order (spec §4.6).
type TWAPSlice struct {
	ID           int64
	RebalanceID  string
	Side         string
	Qty          float64
	Price        sql.NullFloat64
	OrderID      sql.NullString
	Status       string
}

// InsertTWAPSlice records a new slice.
func (q *Queries) InsertTWAPSlice(ctx context.Context, s TWAPSlice) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO twap_slices (rebalance_id, side, qty, price, order_id, status)
		VALUES (?, ?, ?, ?, ?, ?)`, s.RebalanceID, s.Side, s.Qty, s.Price, s.OrderID, s.Status)
	if err != nil {
		return 0, fmt.Errorf("db: insert twap slice: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTWAPSliceStatus updates a slice's status and resolved order id.
func (q *Queries) UpdateTWAPSliceStatus(ctx context.Context, id int64, status, orderID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE twap_slices SET status = ?, order_id = ? WHERE id = ?`, status, orderID, id)
	if err != nil {
		return fmt.Errorf("db: update twap slice: %w", err)
	}
	return nil
}

// SlicesForRebalance returns all slices belonging to a rebalance run.
func (q *Queries) SlicesForRebalance(ctx context.Context, rebalanceID string) ([]TWAPSlice, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, rebalance_id, side, qty, price, order_id, status
		FROM twap_slices WHERE rebalance_id = ? ORDER BY id ASC`, rebalanceID)
	if err != nil {
		return nil, fmt.Errorf("db: slices for rebalance: %w", err)
	}
	defer rows.Close()

	var out []TWAPSlice
	for rows.Next() {
		var s TWAPSlice
		if err := rows.Scan(&s.ID, &s.RebalanceID, &s.Side, &s.Qty, &s.Price, &s.OrderID, &s.Status); err != nil {
			return nil, fmt.Errorf("db: scan twap slice: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
