package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HoldRequest reserves tokens against an idempotency key pending a job outcome.
type HoldRequest struct {
	AccountID      string            `json:"account_id"`
	Amount         int64             `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// HoldResult is the response from placing (or replaying) a hold.
type HoldResult struct {
	EntryID      string `json:"entry_id"`
	BalanceAfter int64  `json:"balance_after"`
	AlreadyHeld  bool   `json:"already_held"`
}

// RefundResult is the response from refunding (or replaying a refund of) a hold.
type RefundResult struct {
	BalanceAfter    int64 `json:"balance_after"`
	AlreadyRefunded bool  `json:"already_refunded"`
}

// Hold deducts req.Amount from the account and records a hold entry.
//
// A duplicate idempotency key is not an error: the prior result is returned
// unchanged so callers can retry "charge and run" safely. A hold that would
// drive the balance negative is rejected with INSUFFICIENT_BALANCE and
// writes nothing.
func (s *Store) Hold(req HoldRequest) (*HoldResult, error) {
	if req.Amount <= 0 {
		return nil, newStoreError(ErrorCodeInvalidAmount, fmt.Sprintf("hold amount must be > 0, got %d", req.Amount))
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("idempotency_key is required")
	}
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, fmt.Errorf("account_id is required")
	}

	var res HoldResult
	err := s.writer.ExecuteTx(func(tx *sql.Tx) error {
		if prior, err := findHold(tx, req.IdempotencyKey); err != nil {
			return err
		} else if prior != nil {
			res = HoldResult{EntryID: prior.ID, BalanceAfter: prior.BalanceAfter, AlreadyHeld: true}
			return nil
		}

		// Accounts are created lazily on first reference with zero balance.
		if _, err := tx.Exec("INSERT OR IGNORE INTO accounts (id) VALUES (?)", req.AccountID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		// Guarded decrement: the WHERE clause is what makes concurrent holds
		// on one account safe, not the preceding read.
		upd, err := tx.Exec(
			"UPDATE accounts SET balance = balance - ? WHERE id = ? AND balance >= ?",
			req.Amount, req.AccountID, req.Amount,
		)
		if err != nil {
			return fmt.Errorf("decrement balance: %w", err)
		}
		if n, err := upd.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return newStoreError(ErrorCodeInsufficientBalance,
				fmt.Sprintf("insufficient balance for hold of %d on account %s", req.Amount, req.AccountID))
		}

		balance, err := accountBalance(tx, req.AccountID)
		if err != nil {
			return err
		}

		entryID := NewEntryID()
		meta, err := marshalMetadata(req.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO ledger_entries (id, account_id, delta, reason, idempotency_key, balance_after, metadata)
			VALUES (?, ?, ?, 'hold', ?, ?, ?)`,
			entryID, req.AccountID, -req.Amount, req.IdempotencyKey, balance, meta,
		); err != nil {
			if isUniqueViolation(err) {
				// Another process held the same key between our check and
				// insert; roll back and replay its result.
				return errHoldRace
			}
			return fmt.Errorf("insert hold entry: %w", err)
		}
		res = HoldResult{EntryID: entryID, BalanceAfter: balance}
		return nil
	})
	if err == errHoldRace {
		prior, ferr := s.holdEntry(req.IdempotencyKey)
		if ferr != nil {
			return nil, ferr
		}
		return &HoldResult{EntryID: prior.ID, BalanceAfter: prior.BalanceAfter, AlreadyHeld: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

var errHoldRace = fmt.Errorf("hold raced with concurrent writer")

// Commit marks the hold for key as settled. The deduction already happened at
// hold time, so the entry carries a zero delta; its presence is what blocks a
// later refund. Committing twice is a no-op success.
func (s *Store) Commit(idempotencyKey string) error {
	return s.writer.ExecuteTx(func(tx *sql.Tx) error {
		hold, err := findHold(tx, idempotencyKey)
		if err != nil {
			return err
		}
		if hold == nil {
			return newStoreError(ErrorCodeNoSuchHold, fmt.Sprintf("no hold for key %q", idempotencyKey))
		}

		settle, err := findSettle(tx, idempotencyKey)
		if err != nil {
			return err
		}
		if settle != nil {
			if settle.Reason == ReasonCommit {
				return nil
			}
			return newStoreError(ErrorCodeAlreadyCommitted,
				fmt.Sprintf("hold %q already refunded; cannot commit", idempotencyKey))
		}

		balance, err := accountBalance(tx, hold.AccountID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO ledger_entries (id, account_id, delta, reason, idempotency_key, balance_after)
			VALUES (?, ?, 0, 'commit', ?, ?)`,
			NewEntryID(), hold.AccountID, idempotencyKey, balance,
		); err != nil {
			if isUniqueViolation(err) {
				return nil
			}
			return fmt.Errorf("insert commit entry: %w", err)
		}
		return nil
	})
}

// Refund restores the exact held amount for key. Refunding twice is a no-op
// success; refunding after a commit is rejected with ALREADY_COMMITTED and
// has no balance effect.
func (s *Store) Refund(idempotencyKey, errorContext string) (*RefundResult, error) {
	var res RefundResult
	err := s.writer.ExecuteTx(func(tx *sql.Tx) error {
		hold, err := findHold(tx, idempotencyKey)
		if err != nil {
			return err
		}
		if hold == nil {
			return newStoreError(ErrorCodeNoSuchHold, fmt.Sprintf("no hold for key %q", idempotencyKey))
		}

		settle, err := findSettle(tx, idempotencyKey)
		if err != nil {
			return err
		}
		if settle != nil {
			if settle.Reason == ReasonRefund {
				res = RefundResult{BalanceAfter: settle.BalanceAfter, AlreadyRefunded: true}
				return nil
			}
			return newStoreError(ErrorCodeAlreadyCommitted,
				fmt.Sprintf("hold %q already committed; refund rejected", idempotencyKey))
		}

		amount := -hold.Delta
		if _, err := tx.Exec("UPDATE accounts SET balance = balance + ? WHERE id = ?", amount, hold.AccountID); err != nil {
			return fmt.Errorf("restore balance: %w", err)
		}
		balance, err := accountBalance(tx, hold.AccountID)
		if err != nil {
			return err
		}
		meta, err := marshalMetadata(map[string]string{"error": errorContext})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO ledger_entries (id, account_id, delta, reason, idempotency_key, balance_after, metadata)
			VALUES (?, ?, ?, 'refund', ?, ?, ?)`,
			NewEntryID(), hold.AccountID, amount, idempotencyKey, balance, meta,
		); err != nil {
			if isUniqueViolation(err) {
				return errRefundRace
			}
			return fmt.Errorf("insert refund entry: %w", err)
		}
		res = RefundResult{BalanceAfter: balance}
		return nil
	})
	if err == errRefundRace {
		settle, ferr := s.settleEntry(idempotencyKey)
		if ferr != nil {
			return nil, ferr
		}
		if settle.Reason == ReasonCommit {
			return nil, newStoreError(ErrorCodeAlreadyCommitted,
				fmt.Sprintf("hold %q already committed; refund rejected", idempotencyKey))
		}
		return &RefundResult{BalanceAfter: settle.BalanceAfter, AlreadyRefunded: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

var errRefundRace = fmt.Errorf("refund raced with concurrent writer")

// Balance returns the current balance for an account. Accounts that have
// never been referenced read as zero.
func (s *Store) Balance(accountID string) (int64, error) {
	var balance int64
	err := s.db.Read.QueryRow("SELECT balance FROM accounts WHERE id = ?", accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Entries returns the most recent ledger entries for an account, newest first.
func (s *Store) Entries(accountID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Read.Query(`
		SELECT id, account_id, delta, reason, idempotency_key, balance_after, metadata, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]LedgerEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(sc scanner) (*LedgerEntry, error) {
	var e LedgerEntry
	var key, meta sql.NullString
	var created string
	if err := sc.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &key, &e.BalanceAfter, &meta, &created); err != nil {
		return nil, err
	}
	if key.Valid {
		e.IdempotencyKey = &key.String
	}
	if meta.Valid && meta.String != "" {
		e.Metadata = json.RawMessage(meta.String)
	}
	e.CreatedAt = parseDBTime(created)
	return &e, nil
}

const entryColumns = "id, account_id, delta, reason, idempotency_key, balance_after, metadata, created_at"

func findHold(tx *sql.Tx, key string) (*LedgerEntry, error) {
	row := tx.QueryRow(
		"SELECT "+entryColumns+" FROM ledger_entries WHERE idempotency_key = ? AND reason = 'hold'", key)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func findSettle(tx *sql.Tx, key string) (*LedgerEntry, error) {
	row := tx.QueryRow(
		"SELECT "+entryColumns+" FROM ledger_entries WHERE idempotency_key = ? AND reason IN ('commit', 'refund')", key)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) holdEntry(key string) (*LedgerEntry, error) {
	row := s.db.Read.QueryRow(
		"SELECT "+entryColumns+" FROM ledger_entries WHERE idempotency_key = ? AND reason = 'hold'", key)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, newStoreError(ErrorCodeNoSuchHold, fmt.Sprintf("no hold for key %q", key))
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) settleEntry(key string) (*LedgerEntry, error) {
	row := s.db.Read.QueryRow(
		"SELECT "+entryColumns+" FROM ledger_entries WHERE idempotency_key = ? AND reason IN ('commit', 'refund')", key)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, newStoreError(ErrorCodeNoSuchHold, fmt.Sprintf("no settle entry for key %q", key))
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func accountBalance(tx *sql.Tx, accountID string) (int64, error) {
	var balance int64
	if err := tx.QueryRow("SELECT balance FROM accounts WHERE id = ?", accountID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func marshalMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// parseDBTime parses timestamps written by SQLite defaults or by Go code.
func parseDBTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
