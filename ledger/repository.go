package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bankcore/cardvault/internal/expiry"
	"github.com/bankcore/cardvault/ledger/models"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Repository is the persistence boundary for cards and users. It runs either
// against Postgres or fully in memory; the in-memory backend exists for tests
// and keeps the same semantics, including transfer atomicity.
type Repository struct {
	mu    sync.RWMutex
	cards []*models.Card
	users []*models.User

	db *sql.DB
}

// NewRepository constructs the in-memory backend.
func NewRepository() *Repository {
	return &Repository{
		cards: make([]*models.Card, 0),
		users: make([]*models.User, 0),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// clampPage normalizes caller-supplied pagination. Page is zero-based; size
// is capped so a single list call cannot drag the whole table into memory.
func clampPage(page, size int) (offset, limit int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page * size, size
}

func (r *Repository) CreateCard(ctx context.Context, card *models.Card) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, c := range r.cards {
			if bytes.Equal(c.NumberHash, card.NumberHash) {
				return fmt.Errorf("card number exists: %w", models.ErrConflict)
			}
		}
		stored := *card
		r.cards = append(r.cards, &stored)
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger.cards(card_id, number_enc, number_hash, owner, expiry_yymm, status, balance, user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, card.ID, card.NumberEnc, card.NumberHash, card.Owner, card.ExpiryYYMM, string(card.Status), card.Balance, card.UserID)
	if isUniqueViolation(err) {
		return fmt.Errorf("card number exists: %w", models.ErrConflict)
	}
	return err
}

func (r *Repository) GetCard(ctx context.Context, id string) (*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, c := range r.cards {
			if c.ID == id {
				card := *c
				return &card, nil
			}
		}
		return nil, models.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT card_id, number_enc, number_hash, owner, expiry_yymm, status, balance, user_id
		FROM ledger.cards WHERE card_id=$1
	`, id)
	return scanCard(row)
}

// UpdateCard replaces every mutable field of the card row. Callers perform
// the read-modify-write; missing ids map to ErrNotFound.
func (r *Repository) UpdateCard(ctx context.Context, card *models.Card) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, c := range r.cards {
			if c.ID == card.ID {
				stored := *card
				r.cards[i] = &stored
				return nil
			}
		}
		return models.ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE ledger.cards
		   SET number_enc=$2, number_hash=$3, owner=$4, expiry_yymm=$5, status=$6, balance=$7, user_id=$8, updated_at=now()
		 WHERE card_id=$1
	`, card.ID, card.NumberEnc, card.NumberHash, card.Owner, card.ExpiryYYMM, string(card.Status), card.Balance, card.UserID)
	if isUniqueViolation(err) {
		return fmt.Errorf("card number exists: %w", models.ErrConflict)
	}
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteCard(ctx context.Context, id string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, c := range r.cards {
			if c.ID == id {
				r.cards = append(r.cards[:i], r.cards[i+1:]...)
				return nil
			}
		}
		return models.ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM ledger.cards WHERE card_id=$1`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListCards returns a page over every card, newest first in pg.
func (r *Repository) ListCards(ctx context.Context, page, size int) ([]*models.Card, error) {
	offset, limit := clampPage(page, size)
	if r.db == nil {
		return r.memPage(func(*models.Card) bool { return true }, offset, limit), nil
	}
	return r.queryCards(ctx, `
		SELECT card_id, number_enc, number_hash, owner, expiry_yymm, status, balance, user_id
		FROM ledger.cards ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
}

func (r *Repository) ListByOwnerAndStatus(ctx context.Context, owner string, status models.CardStatus, page, size int) ([]*models.Card, error) {
	offset, limit := clampPage(page, size)
	if r.db == nil {
		return r.memPage(func(c *models.Card) bool {
			return c.Owner == owner && c.Status == status
		}, offset, limit), nil
	}
	return r.queryCards(ctx, `
		SELECT card_id, number_enc, number_hash, owner, expiry_yymm, status, balance, user_id
		FROM ledger.cards WHERE owner=$1 AND status=$2 ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, owner, string(status), limit, offset)
}

func (r *Repository) ListByUserAndStatus(ctx context.Context, userID string, status models.CardStatus, page, size int) ([]*models.Card, error) {
	offset, limit := clampPage(page, size)
	if r.db == nil {
		return r.memPage(func(c *models.Card) bool {
			return c.UserID == userID && c.Status == status
		}, offset, limit), nil
	}
	return r.queryCards(ctx, `
		SELECT card_id, number_enc, number_hash, owner, expiry_yymm, status, balance, user_id
		FROM ledger.cards WHERE user_id=$1 AND status=$2 ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, userID, string(status), limit, offset)
}

func (r *Repository) ListByUser(ctx context.Context, userID string, page, size int) ([]*models.Card, error) {
	offset, limit := clampPage(page, size)
	if r.db == nil {
		return r.memPage(func(c *models.Card) bool { return c.UserID == userID }, offset, limit), nil
	}
	return r.queryCards(ctx, `
		SELECT card_id, number_enc, number_hash, owner, expiry_yymm, status, balance, user_id
		FROM ledger.cards WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
}

// TransferBalances moves amount between two cards as one atomic unit. Either
// both legs commit or neither does. Both cards must be ACTIVE and the source
// must hold at least amount; violations surface as distinct errors so the
// caller can report them.
func (r *Repository) TransferBalances(ctx context.Context, fromID, toID string, amount int64) error {
	if r.db == nil {
		return r.memTransfer(fromID, toID, amount)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return err
	}

	// Lock both rows in id order so two opposing transfers cannot deadlock.
	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	locked := map[string]*models.Card{}
	for _, id := range []string{first, second} {
		row := tx.QueryRowContext(ctx, `
			SELECT card_id, status, balance FROM ledger.cards WHERE card_id=$1 FOR UPDATE
		`, id)
		c := &models.Card{}
		var status string
		if err := row.Scan(&c.ID, &status, &c.Balance); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("card %s: %w", id, models.ErrNotFound)
			}
			return err
		}
		c.Status = models.CardStatus(status)
		locked[id] = c
	}

	from, to := locked[fromID], locked[toID]
	if from.Status != models.CardStatusActive || to.Status != models.CardStatusActive {
		return models.ErrCardNotActive
	}
	if from.Balance < amount {
		return models.ErrInsufficientBalance
	}

	// The balance guard repeats in SQL so a stale read can never drive the
	// source negative.
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger.cards SET balance = balance - $2, updated_at=now()
		 WHERE card_id=$1 AND balance >= $2 AND status='ACTIVE'
	`, fromID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return models.ErrInsufficientBalance
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger.cards SET balance = balance + $2, updated_at=now() WHERE card_id=$1
	`, toID, amount); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) memTransfer(fromID, toID string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var from, to *models.Card
	for _, c := range r.cards {
		switch c.ID {
		case fromID:
			from = c
		case toID:
			to = c
		}
	}
	if from == nil {
		return fmt.Errorf("card %s: %w", fromID, models.ErrNotFound)
	}
	if to == nil {
		return fmt.Errorf("card %s: %w", toID, models.ErrNotFound)
	}
	if from.Status != models.CardStatusActive || to.Status != models.CardStatusActive {
		return models.ErrCardNotActive
	}
	if from.Balance < amount {
		return models.ErrInsufficientBalance
	}
	from.Balance -= amount
	to.Balance += amount
	return nil
}

// BlockCard moves an ACTIVE card to BLOCKED. Status is the only column
// written, and the row's current status decides the outcome, so a block can
// never overwrite a concurrent balance change.
func (r *Repository) BlockCard(ctx context.Context, id string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, c := range r.cards {
			if c.ID != id {
				continue
			}
			switch c.Status {
			case models.CardStatusBlocked:
				return models.ErrAlreadyBlocked
			case models.CardStatusExpired:
				return models.ErrCardNotActive
			}
			c.Status = models.CardStatusBlocked
			return nil
		}
		return models.ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	row := tx.QueryRowContext(ctx, `SELECT status FROM ledger.cards WHERE card_id=$1 FOR UPDATE`, id)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		}
		return err
	}
	switch models.CardStatus(status) {
	case models.CardStatusBlocked:
		return models.ErrAlreadyBlocked
	case models.CardStatusExpired:
		return models.ErrCardNotActive
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger.cards SET status='BLOCKED', updated_at=now() WHERE card_id=$1
	`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkExpiredCards flips ACTIVE cards whose expiry month has passed to
// EXPIRED and returns how many changed.
func (r *Repository) MarkExpiredCards(ctx context.Context, asOf time.Time, loc *time.Location) (int, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		n := 0
		for _, c := range r.cards {
			if c.Status != models.CardStatusActive {
				continue
			}
			expired, err := expiry.IsExpired(c.ExpiryYYMM, asOf, loc)
			if err != nil || !expired {
				continue
			}
			c.Status = models.CardStatusExpired
			n++
		}
		return n, nil
	}
	// YYMM compares lexicographically within the century, so a plain string
	// comparison selects every month strictly before the current one.
	res, err := r.db.ExecContext(ctx, `
		UPDATE ledger.cards SET status='EXPIRED', updated_at=now()
		 WHERE status='ACTIVE' AND expiry_yymm < $1
	`, expiry.YYMMOf(asOf, loc))
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, u := range r.users {
			if u.Username == user.Username {
				return fmt.Errorf("username exists: %w", models.ErrConflict)
			}
		}
		stored := *user
		r.users = append(r.users, &stored)
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger.users(user_id, username, password_hash, role)
		VALUES ($1,$2,$3,$4)
	`, user.ID, user.Username, user.PasswordHash, string(user.Role))
	if isUniqueViolation(err) {
		return fmt.Errorf("username exists: %w", models.ErrConflict)
	}
	return err
}

func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, u := range r.users {
			if u.ID == id {
				user := *u
				return &user, nil
			}
		}
		return nil, models.ErrNotFound
	}
	return r.queryUser(ctx, `SELECT user_id, username, password_hash, role FROM ledger.users WHERE user_id=$1`, id)
}

func (r *Repository) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, u := range r.users {
			if u.Username == username {
				user := *u
				return &user, nil
			}
		}
		return nil, models.ErrNotFound
	}
	return r.queryUser(ctx, `SELECT user_id, username, password_hash, role FROM ledger.users WHERE username=$1`, username)
}

// Ping reports store readiness.
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func (r *Repository) memPage(match func(*models.Card) bool, offset, limit int) []*models.Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Card, 0)
	skipped := 0
	for _, c := range r.cards {
		if !match(c) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) == limit {
			break
		}
		card := *c
		out = append(out, &card)
	}
	return out
}

func (r *Repository) queryCards(ctx context.Context, query string, args ...any) ([]*models.Card, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Card, 0)
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) queryUser(ctx context.Context, query string, arg any) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	u := &models.User{}
	var role string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	u.Role = models.Role(role)
	return u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*models.Card, error) {
	c := &models.Card{}
	var status string
	err := row.Scan(&c.ID, &c.NumberEnc, &c.NumberHash, &c.Owner, &c.ExpiryYYMM, &status, &c.Balance, &c.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	c.Status = models.CardStatus(status)
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
