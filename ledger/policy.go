package ledger

import (
	"context"

	"github.com/bankcore/cardvault/ledger/models"
)

// Action names an operation gated by the access policy.
type Action int

const (
	ActionListAll Action = iota
	ActionReadCard
	ActionManageCard // create, update, delete
	ActionTransfer
	ActionBlockCard
	ActionFilterCards
	ActionMyCards
)

// Policy decides whether a caller may perform an action, based on role and
// card ownership. It never mutates state and it fails closed: a card or user
// that cannot be resolved is treated as not owned.
type Policy struct {
	repo *Repository
}

func NewPolicy(repo *Repository) *Policy {
	return &Policy{repo: repo}
}

// IsOwner reports whether the card's user reference resolves to the given
// username. Lookup failures yield false, never an error.
func (p *Policy) IsOwner(ctx context.Context, cardID, username string) bool {
	card, err := p.repo.GetCard(ctx, cardID)
	if err != nil {
		return false
	}
	user, err := p.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return false
	}
	return card.UserID == user.ID
}

// OwnsBoth is the conjunction of two ownership checks, short-circuiting on
// the first miss.
func (p *Policy) OwnsBoth(ctx context.Context, cardA, cardB, username string) bool {
	return p.IsOwner(ctx, cardA, username) && p.IsOwner(ctx, cardB, username)
}

// Allows evaluates the authorization table for an action. Ownership-gated
// actions take the card ids they touch.
func (p *Policy) Allows(ctx context.Context, action Action, id models.Identity, cardIDs ...string) bool {
	switch action {
	case ActionListAll, ActionManageCard:
		return id.IsAdmin()
	case ActionReadCard:
		if id.IsAdmin() {
			return true
		}
		return len(cardIDs) == 1 && p.IsOwner(ctx, cardIDs[0], id.Username)
	case ActionTransfer:
		return id.IsUser() && len(cardIDs) == 2 && p.OwnsBoth(ctx, cardIDs[0], cardIDs[1], id.Username)
	case ActionBlockCard:
		return id.IsUser() && len(cardIDs) == 1 && p.IsOwner(ctx, cardIDs[0], id.Username)
	case ActionFilterCards:
		// Both roles may filter; the service scopes non-admins to their
		// own cards.
		return id.IsAdmin() || id.IsUser()
	case ActionMyCards:
		return id.IsUser()
	}
	return false
}
