package db

import (
	"context"
	"database/sql"
	"time"
)

// Payment is a settled invoice that was routed to this service
type Payment struct {
	Hash       string    `json:"payment_hash" yaml:"payment_hash"`
	Amount     int64     `json:"amount" yaml:"amount"`
	Memo       string    `json:"memo" yaml:"memo"`
	Tag        string    `json:"tag" yaml:"tag"`
	Extra      string    `json:"extra,omitempty" yaml:"extra,omitempty"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
}

// RecordPayment stores p once. It reports false when the hash was already
// recorded.
func (db *DB) RecordPayment(ctx context.Context, p *Payment) (bool, error) {
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now()
	}
	res, err := db.execRetry(ctx,
		`INSERT OR IGNORE INTO payments (payment_hash, amount, memo, tag, extra, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.Hash, p.Amount, p.Memo, p.Tag, p.Extra, p.ReceivedAt,
	)
	if err != nil {
		return false, mutationError("record payment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPayments returns the most recent payments, newest first
func (db *DB) ListPayments(ctx context.Context, limit int) ([]Payment, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT payment_hash, amount, memo, tag, extra, received_at
		 FROM payments
		 ORDER BY received_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		if isMissingTable(err) {
			return []Payment{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	payments := []Payment{}
	for rows.Next() {
		var p Payment
		var memo, extra sql.NullString
		if err := rows.Scan(&p.Hash, &p.Amount, &memo, &p.Tag, &extra, &p.ReceivedAt); err != nil {
			return nil, err
		}
		p.Memo = memo.String
		p.Extra = extra.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
