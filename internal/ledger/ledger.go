// Package ledger is the append-only money book. Every monetary effect of a
// lifecycle operation is a signed entry; corrections are new negative
// entries, never updates or deletes.
package ledger

import (
	"context"
	"database/sql"
	"time"
)

// Account name prefixes. The suffix is the actor or bid the account belongs
// to, e.g. "cash:helper-42".
const (
	AccountCash     = "cash"
	AccountPoint    = "point"
	AccountReferral = "referral"
	AccountPartner  = "partner"
	AccountFee      = "fee"
)

// Entry is one immutable row of the book.
type Entry struct {
	ID        int64
	Account   string
	Amount    int64
	Memo      string
	CreatedAt time.Time
}

// Service posts and sums entries. Writes always run inside the caller's
// transaction so money moves atomically with the state change that caused it.
type Service struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Service {
	return &Service{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q routes reads through tx when one is open. Reading through the pool
// connection while a tx holds the write lock would block on sqlite.
func (s *Service) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

// Post appends one entry and returns its id.
func (s *Service) Post(ctx context.Context, tx *sql.Tx, account string, amount int64, memo string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries(account, amount, memo, created_at) VALUES (?,?,?,?)`,
		account, amount, memo, s.now().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Reverse posts the negation of an existing entry and returns the new id.
// The original row is untouched.
func (s *Service) Reverse(ctx context.Context, tx *sql.Tx, entryID int64, memo string) (int64, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT account, amount FROM ledger_entries WHERE id=?`, entryID)
	var account string
	var amount int64
	if err := row.Scan(&account, &amount); err != nil {
		return 0, err
	}
	return s.Post(ctx, tx, account, -amount, memo)
}

// Balance sums an account.
func (s *Service) Balance(ctx context.Context, account string) (int64, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM ledger_entries WHERE account=?`, account)
	var total int64
	err := row.Scan(&total)
	return total, err
}

// Entries returns an account's rows oldest first.
func (s *Service) Entries(ctx context.Context, account string) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, account, amount, memo, created_at FROM ledger_entries WHERE account=? ORDER BY id`,
		account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Account, &e.Amount, &e.Memo, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesByMemo returns every row carrying the memo, oldest first. Lifecycle
// operations tag their postings with the bid id so compensation can find
// them without the bid carrying every entry id. Pass the open tx when
// calling from inside one.
func (s *Service) EntriesByMemo(ctx context.Context, tx *sql.Tx, memo string) ([]Entry, error) {
	rows, err := s.q(tx).QueryContext(ctx,
		`SELECT id, account, amount, memo, created_at FROM ledger_entries WHERE memo=? ORDER BY id`,
		memo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Account, &e.Amount, &e.Memo, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountCredits returns how many positive entries an account has, used to cap
// partner reward grants.
func (s *Service) CountCredits(ctx context.Context, tx *sql.Tx, account string) (int, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE account=? AND amount > 0`, account)
	var n int
	err := row.Scan(&n)
	return n, err
}
