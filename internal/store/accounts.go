package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// CreditResult is the response from crediting an account.
type CreditResult struct {
	EntryID      string `json:"entry_id"`
	BalanceAfter int64  `json:"balance_after"`
}

// Credit adds tokens to an account with an adjustment entry. The account is
// created if it does not exist yet.
func (s *Store) Credit(accountID string, amount int64, note string) (*CreditResult, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("account_id is required")
	}
	if amount <= 0 {
		return nil, newStoreError(ErrorCodeInvalidAmount, fmt.Sprintf("credit amount must be > 0, got %d", amount))
	}

	var res CreditResult
	err := s.writer.ExecuteTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT OR IGNORE INTO accounts (id) VALUES (?)", accountID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		if _, err := tx.Exec("UPDATE accounts SET balance = balance + ? WHERE id = ?", amount, accountID); err != nil {
			return fmt.Errorf("increment balance: %w", err)
		}
		balance, err := accountBalance(tx, accountID)
		if err != nil {
			return err
		}
		meta := sql.NullString{}
		if strings.TrimSpace(note) != "" {
			var merr error
			meta, merr = marshalMetadata(map[string]string{"note": note})
			if merr != nil {
				return merr
			}
		}
		entryID := NewEntryID()
		if _, err := tx.Exec(`
			INSERT INTO ledger_entries (id, account_id, delta, reason, balance_after, metadata)
			VALUES (?, ?, ?, 'adjustment', ?, ?)`,
			entryID, accountID, amount, balance, meta,
		); err != nil {
			return fmt.Errorf("insert adjustment entry: %w", err)
		}
		res = CreditResult{EntryID: entryID, BalanceAfter: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetAccount returns an account by ID.
func (s *Store) GetAccount(accountID string) (*Account, error) {
	var a Account
	var created string
	err := s.db.Read.QueryRow(
		"SELECT id, balance, created_at FROM accounts WHERE id = ?", accountID,
	).Scan(&a.ID, &a.Balance, &created)
	if err == sql.ErrNoRows {
		return nil, newStoreError(ErrorCodeNotFound, fmt.Sprintf("account %q not found", accountID))
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseDBTime(created)
	return &a, nil
}
