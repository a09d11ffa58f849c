package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/bankcore/cardvault/internal/cardcrypto"
	"github.com/bankcore/cardvault/internal/cardnum"
	"github.com/bankcore/cardvault/internal/expiry"
	"github.com/bankcore/cardvault/ledger/models"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// Service orchestrates card lifecycle and balance transfers. It holds no
// state between calls; everything durable lives in the repository.
type Service struct {
	repo   *Repository
	codec  *cardcrypto.Codec
	panKey []byte
	logger *slog.Logger
	loc    *time.Location
}

func NewService(repo *Repository, codec *cardcrypto.Codec, panKey []byte, logger *slog.Logger, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:   repo,
		codec:  codec,
		panKey: panKey,
		logger: logger.With(slog.String("component", "ledger")),
		loc:    loc,
	}
}

// CardSpec carries the fields for creating a card. Number is plaintext here
// and nowhere else; it is encrypted before the card is persisted.
type CardSpec struct {
	Number     string            `json:"number"`
	Owner      string            `json:"owner"`
	Expiration string            `json:"expiration"` // MM/YY or MMYY
	Status     models.CardStatus `json:"status"`
	Balance    int64             `json:"balance"`
	UserID     string            `json:"user_id"`
}

// CardChanges is a patch for an administrative update. Nil fields are left
// untouched; a new Number is re-encrypted, otherwise the stored ciphertext
// stays as is.
type CardChanges struct {
	Number     *string            `json:"number"`
	Owner      *string            `json:"owner"`
	Expiration *string            `json:"expiration"`
	Status     *models.CardStatus `json:"status"`
	Balance    *int64             `json:"balance"`
	UserID     *string            `json:"user_id"`
}

// CreateCard validates the spec, encrypts the card number and persists the
// card. The returned view carries the masked number only.
func (s *Service) CreateCard(ctx context.Context, spec CardSpec) (*models.CardView, error) {
	pan := cardnum.Normalize(spec.Number)
	if err := cardnum.Validate(pan); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if spec.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", models.ErrValidation)
	}
	if spec.Balance < 0 {
		return nil, fmt.Errorf("%w: balance must not be negative", models.ErrValidation)
	}
	yymm, err := expiry.ParseCardFace(spec.Expiration)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	status := spec.Status
	if status == "" {
		status = models.CardStatusActive
	}
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}
	if spec.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", models.ErrValidation)
	}
	if _, err := s.repo.GetUser(ctx, spec.UserID); err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	enc, err := s.codec.Encrypt(pan)
	if err != nil {
		s.logger.Error("encrypting card number", "err", err)
		return nil, fmt.Errorf("encrypting card number: %w", err)
	}

	card := &models.Card{
		ID:         uuid.New().String(),
		NumberEnc:  enc,
		NumberHash: cardnum.Fingerprint(pan, s.panKey),
		Owner:      spec.Owner,
		ExpiryYYMM: yymm,
		Status:     status,
		Balance:    spec.Balance,
		UserID:     spec.UserID,
	}
	if err := s.repo.CreateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("creating card: %w", err)
	}

	s.logger.Info("card created",
		slog.String("card_id", card.ID),
		slog.String("user_id", card.UserID),
	)
	return s.view(card)
}

// UpdateCard applies an administrative patch to a card.
func (s *Service) UpdateCard(ctx context.Context, id string, changes CardChanges) (*models.CardView, error) {
	card, err := s.repo.GetCard(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding card: %w", err)
	}

	if changes.Number != nil {
		pan := cardnum.Normalize(*changes.Number)
		if err := cardnum.Validate(pan); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		enc, err := s.codec.Encrypt(pan)
		if err != nil {
			s.logger.Error("encrypting card number", "err", err)
			return nil, fmt.Errorf("encrypting card number: %w", err)
		}
		card.NumberEnc = enc
		card.NumberHash = cardnum.Fingerprint(pan, s.panKey)
	}
	if changes.Owner != nil {
		if *changes.Owner == "" {
			return nil, fmt.Errorf("%w: owner must not be empty", models.ErrValidation)
		}
		card.Owner = *changes.Owner
	}
	if changes.Expiration != nil {
		yymm, err := expiry.ParseCardFace(*changes.Expiration)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		card.ExpiryYYMM = yymm
	}
	if changes.Status != nil {
		if !models.ValidStatus(*changes.Status) {
			return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, *changes.Status)
		}
		card.Status = *changes.Status
	}
	if changes.Balance != nil {
		if *changes.Balance < 0 {
			return nil, fmt.Errorf("%w: balance must not be negative", models.ErrValidation)
		}
		card.Balance = *changes.Balance
	}
	if changes.UserID != nil {
		if _, err := s.repo.GetUser(ctx, *changes.UserID); err != nil {
			return nil, fmt.Errorf("resolving user: %w", err)
		}
		card.UserID = *changes.UserID
	}

	if err := s.repo.UpdateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("updating card: %w", err)
	}

	s.logger.Info("card updated", slog.String("card_id", card.ID))
	return s.view(card)
}

// DeleteCard removes a card unconditionally.
func (s *Service) DeleteCard(ctx context.Context, id string) error {
	if err := s.repo.DeleteCard(ctx, id); err != nil {
		return fmt.Errorf("deleting card: %w", err)
	}
	s.logger.Info("card deleted", slog.String("card_id", id))
	return nil
}

// Transfer debits one card and credits another as a single atomic unit. Both
// cards must be ACTIVE and the source balance must cover the amount; a
// failed transfer leaves both balances untouched.
func (s *Service) Transfer(ctx context.Context, fromID, toID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	if fromID == toID {
		return fmt.Errorf("%w: source and destination must differ", models.ErrValidation)
	}
	if err := s.repo.TransferBalances(ctx, fromID, toID, amount); err != nil {
		return fmt.Errorf("transferring: %w", err)
	}
	s.logger.Info("transfer completed",
		slog.String("from_card_id", fromID),
		slog.String("to_card_id", toID),
		slog.Int64("amount", amount),
	)
	return nil
}

// RequestBlock moves an ACTIVE card to BLOCKED. Blocked cards report
// AlreadyBlocked; expired cards cannot transition at all. The write touches
// status only, and nothing is written on a refused request.
func (s *Service) RequestBlock(ctx context.Context, id string) error {
	if err := s.repo.BlockCard(ctx, id); err != nil {
		return fmt.Errorf("blocking card: %w", err)
	}
	s.logger.Info("card blocked", slog.String("card_id", id))
	return nil
}

// GetCard returns a single card in masked form.
func (s *Service) GetCard(ctx context.Context, id string) (*models.CardView, error) {
	card, err := s.repo.GetCard(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding card: %w", err)
	}
	return s.view(card)
}

// ListCards returns a page over every card; administrative use only, the
// boundary enforces that.
func (s *Service) ListCards(ctx context.Context, page, size int) ([]models.CardView, error) {
	cards, err := s.repo.ListCards(ctx, page, size)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	return s.views(cards)
}

// FilterCards branches on role: administrators query any owner, everyone
// else is scoped to their own cards regardless of the owner argument.
func (s *Service) FilterCards(ctx context.Context, owner string, status models.CardStatus, page, size int, caller models.Identity) ([]models.CardView, error) {
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}

	var cards []*models.Card
	var err error
	if caller.IsAdmin() {
		cards, err = s.repo.ListByOwnerAndStatus(ctx, owner, status, page, size)
	} else {
		var user *models.User
		user, err = s.repo.FindUserByUsername(ctx, caller.Username)
		if err != nil {
			return nil, fmt.Errorf("resolving caller: %w", err)
		}
		cards, err = s.repo.ListByUserAndStatus(ctx, user.ID, status, page, size)
	}
	if err != nil {
		return nil, fmt.Errorf("filtering cards: %w", err)
	}
	return s.views(cards)
}

// GetUserCards lists the cards owned by username.
func (s *Service) GetUserCards(ctx context.Context, username string, page, size int) ([]models.CardView, error) {
	user, err := s.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	cards, err := s.repo.ListByUser(ctx, user.ID, page, size)
	if err != nil {
		return nil, fmt.Errorf("listing user cards: %w", err)
	}
	return s.views(cards)
}

// ExpireDueCards marks every ACTIVE card past its expiry month as EXPIRED.
// Driven by the sweep job.
func (s *Service) ExpireDueCards(ctx context.Context) (int, error) {
	n, err := s.repo.MarkExpiredCards(ctx, time.Now(), s.loc)
	if err != nil {
		return 0, fmt.Errorf("expiring cards: %w", err)
	}
	if n > 0 {
		s.logger.Info("cards expired", slog.Int("count", n))
	}
	return n, nil
}

// view renders the caller-facing form of a card. The number is decrypted
// only to produce the mask and is not retained.
func (s *Service) view(card *models.Card) (*models.CardView, error) {
	pan, err := s.codec.Decrypt(card.NumberEnc)
	if err != nil {
		s.logger.Error("decrypting card number", slog.String("card_id", card.ID), "err", err)
		return nil, fmt.Errorf("decrypting card number: %w", err)
	}
	masked, err := cardcrypto.Mask(pan)
	if err != nil {
		return nil, fmt.Errorf("masking card number: %w", err)
	}
	face, err := expiry.CardFace(card.ExpiryYYMM)
	if err != nil {
		return nil, fmt.Errorf("formatting expiration: %w", err)
	}
	return &models.CardView{
		ID:           card.ID,
		MaskedNumber: masked,
		Owner:        card.Owner,
		Expiration:   face,
		Status:       card.Status,
		Balance:      card.Balance,
		UserID:       card.UserID,
	}, nil
}

func (s *Service) views(cards []*models.Card) ([]models.CardView, error) {
	out := make([]models.CardView, 0, len(cards))
	for _, c := range cards {
		v, err := s.view(c)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}
