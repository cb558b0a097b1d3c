package treasury

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/messaging"
	"github.com/terminal-bench/payflow/pkg/money"
)

var (
	ErrAccountNotFound   = errors.New("treasury account not found")
	ErrHoldNotFound      = errors.New("treasury hold not found")
	ErrInsufficientFunds = errors.New("insufficient available balance")
)

// Hold statuses
const (
	holdActive    = "active"
	holdReleased  = "released"
	holdFinalized = "finalized"
)

// Account is one treasury funding account. Available excludes held funds.
type Account struct {
	ID        uuid.UUID    `json:"id"`
	Code      string       `json:"code"`
	Currency  string       `json:"currency"`
	Balance   money.Amount `json:"balance"`
	Available money.Amount `json:"available"`
	Held      money.Amount `json:"held"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Version   int          `json:"version"`
}

// Entry is one book entry against a treasury account
type Entry struct {
	ID          uuid.UUID    `json:"id"`
	AccountCode string       `json:"account_code"`
	Type        string       `json:"type"`
	Amount      money.Amount `json:"amount"`
	Balance     money.Amount `json:"balance"`
	Reference   string       `json:"reference"`
	Description string       `json:"description"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Hold is a reservation of funds for one payout, identified by ref
type Hold struct {
	Ref         string       `json:"ref"`
	PayoutID    uuid.UUID    `json:"payout_id"`
	AccountCode string       `json:"account_code"`
	Amount      money.Amount `json:"amount"`
	Currency    string       `json:"currency"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ReleasedAt  *time.Time   `json:"released_at,omitempty"`
	FinalizedAt *time.Time   `json:"finalized_at,omitempty"`
}

// Ledger keeps treasury account balances and the hold lifecycle. It backs
// the payout engine's fund reservation: a hold moves funds from available
// to held, a release moves them back, and a finalize debits them for good.
type Ledger struct {
	db     *sql.DB
	events *messaging.Client
}

// NewLedger creates a treasury ledger
func NewLedger(db *sql.DB, events *messaging.Client) *Ledger {
	return &Ledger{db: db, events: events}
}

// CreateAccount registers a treasury account with an opening balance
func (l *Ledger) CreateAccount(ctx context.Context, code, currency string, opening money.Amount) (*Account, error) {
	now := time.Now()
	account := &Account{
		ID:        uuid.New(),
		Code:      code,
		Currency:  currency,
		Balance:   opening,
		Available: opening,
		Held:      money.Zero(),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO treasury_accounts (id, code, currency, balance, available, held, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		account.ID, account.Code, account.Currency,
		account.Balance, account.Available, account.Held,
		account.CreatedAt, account.UpdatedAt, account.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create treasury account: %w", err)
	}
	return account, nil
}

// GetAccount loads an account by code
func (l *Ledger) GetAccount(ctx context.Context, code string) (*Account, error) {
	var a Account
	err := l.db.QueryRowContext(ctx,
		`SELECT id, code, currency, balance, available, held, created_at, updated_at, version
		 FROM treasury_accounts WHERE code = $1`,
		code,
	).Scan(&a.ID, &a.Code, &a.Currency, &a.Balance, &a.Available, &a.Held,
		&a.CreatedAt, &a.UpdatedAt, &a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get treasury account: %w", err)
	}
	return &a, nil
}

func newHoldRef() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "HOLD-" + hex.EncodeToString(b)
}

// CreateHold reserves amount on the account, failing when available funds
// do not cover it. The returned ref identifies the hold for release or
// finalization.
func (l *Ledger) CreateHold(ctx context.Context, payoutID uuid.UUID, accountCode string, amount money.Amount, currency string) (string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := lockAccount(ctx, tx, accountCode)
	if err != nil {
		return "", err
	}
	if account.Currency != currency {
		return "", fmt.Errorf("account %s is denominated in %s, not %s", accountCode, account.Currency, currency)
	}
	if account.Available.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: account %s has %s available, hold needs %s",
			ErrInsufficientFunds, accountCode, account.Available, amount)
	}

	ref := newHoldRef()
	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO treasury_holds (ref, payout_id, account_code, amount, currency, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ref, payoutID, accountCode, amount, currency, holdActive, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create hold: %w", err)
	}

	if err := updateBalances(ctx, tx, account,
		account.Balance, account.Available.Sub(amount), account.Held.Add(amount)); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return ref, nil
}

// ReleaseHold returns held funds to available. Releasing an already
// released hold is a no-op.
func (l *Ledger) ReleaseHold(ctx context.Context, ref string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	hold, err := lockHold(ctx, tx, ref)
	if err != nil {
		return err
	}
	if hold.Status == holdReleased {
		return nil
	}
	if hold.Status != holdActive {
		return fmt.Errorf("hold %s is %s, cannot release", ref, hold.Status)
	}

	account, err := lockAccount(ctx, tx, hold.AccountCode)
	if err != nil {
		return err
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE treasury_holds SET status = $1, released_at = $2 WHERE ref = $3`,
		holdReleased, now, ref,
	); err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}

	if err := updateBalances(ctx, tx, account,
		account.Balance, account.Available.Add(hold.Amount), account.Held.Sub(hold.Amount)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// FinalizeHold debits the held funds out of the account once the payout
// settled, and writes the book entry.
func (l *Ledger) FinalizeHold(ctx context.Context, ref string, settledAt time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	hold, err := lockHold(ctx, tx, ref)
	if err != nil {
		return err
	}
	if hold.Status == holdFinalized {
		return nil
	}
	if hold.Status != holdActive {
		return fmt.Errorf("hold %s is %s, cannot finalize", ref, hold.Status)
	}

	account, err := lockAccount(ctx, tx, hold.AccountCode)
	if err != nil {
		return err
	}

	newBalance := account.Balance.Sub(hold.Amount)
	if _, err := tx.ExecContext(ctx,
		`UPDATE treasury_holds SET status = $1, finalized_at = $2 WHERE ref = $3`,
		holdFinalized, settledAt, ref,
	); err != nil {
		return fmt.Errorf("failed to finalize hold: %w", err)
	}

	entry := &Entry{
		ID:          uuid.New(),
		AccountCode: hold.AccountCode,
		Type:        "debit",
		Amount:      hold.Amount,
		Balance:     newBalance,
		Reference:   ref,
		Description: fmt.Sprintf("payout %s settled", hold.PayoutID),
		CreatedAt:   time.Now(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO treasury_entries (id, account_code, type, amount, balance, reference, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.AccountCode, entry.Type, entry.Amount,
		entry.Balance, entry.Reference, entry.Description, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create entry: %w", err)
	}

	if err := updateBalances(ctx, tx, account,
		newBalance, account.Available, account.Held.Sub(hold.Amount)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	l.publishEntry(ctx, entry)
	return nil
}

// Entries returns the most recent book entries for an account
func (l *Ledger) Entries(ctx context.Context, accountCode string, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, account_code, type, amount, balance, reference, description, created_at
		 FROM treasury_entries WHERE account_code = $1 ORDER BY created_at DESC LIMIT $2`,
		accountCode, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AccountCode, &e.Type, &e.Amount, &e.Balance,
			&e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func lockAccount(ctx context.Context, tx *sql.Tx, code string) (*Account, error) {
	var a Account
	err := tx.QueryRowContext(ctx,
		`SELECT id, code, currency, balance, available, held, version
		 FROM treasury_accounts WHERE code = $1 FOR UPDATE`,
		code,
	).Scan(&a.ID, &a.Code, &a.Currency, &a.Balance, &a.Available, &a.Held, &a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &a, nil
}

func lockHold(ctx context.Context, tx *sql.Tx, ref string) (*Hold, error) {
	var h Hold
	err := tx.QueryRowContext(ctx,
		`SELECT ref, payout_id, account_code, amount, currency, status, created_at
		 FROM treasury_holds WHERE ref = $1 FOR UPDATE`,
		ref,
	).Scan(&h.Ref, &h.PayoutID, &h.AccountCode, &h.Amount, &h.Currency, &h.Status, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock hold: %w", err)
	}
	return &h, nil
}

func updateBalances(ctx context.Context, tx *sql.Tx, account *Account, balance, available, held money.Amount) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE treasury_accounts SET balance = $1, available = $2, held = $3, updated_at = $4, version = version + 1
		 WHERE id = $5 AND version = $6`,
		balance, available, held, time.Now(), account.ID, account.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("concurrent modification of account %s", account.Code)
	}
	return nil
}

func (l *Ledger) publishEntry(ctx context.Context, entry *Entry) {
	if l.events == nil {
		return
	}
	event := messaging.TreasuryEntryEvent{
		EntryID:     entry.ID,
		AccountCode: entry.AccountCode,
		Type:        entry.Type,
		Amount:      entry.Amount.String(),
		Balance:     entry.Balance.String(),
		Reference:   entry.Reference,
		CreatedAt:   entry.CreatedAt,
	}
	l.events.Publish(ctx, messaging.SubjectTreasuryEntry, event)
}
