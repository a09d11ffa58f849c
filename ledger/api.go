package ledger

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bankcore/cardvault/internal/cardcrypto"
	"github.com/bankcore/cardvault/internal/middleware"
	"github.com/bankcore/cardvault/ledger/models"
	"github.com/go-chi/chi/v5"
)

// API is the HTTP surface of the ledger. Every card route requires an
// authenticated identity; the policy runs before the service so a forbidden
// caller never reaches the core operation.
type API struct {
	svc    *Service
	policy *Policy
	auth   *Auth
}

func NewAPI(svc *Service, policy *Policy, auth *Auth) *API {
	return &API{svc: svc, policy: policy, auth: auth}
}

// AppendRoutes mounts the authenticated card routes.
func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/cards", func(r chi.Router) {
		r.Get("/", a.listCards)
		r.Post("/", a.createCard)
		r.Get("/filter", a.filterCards)
		r.Get("/my", a.myCards)
		r.Post("/transfer", a.transfer)
		r.Route("/{cardID}", func(r chi.Router) {
			r.Get("/", a.getCard)
			r.Put("/", a.updateCard)
			r.Delete("/", a.deleteCard)
			r.Post("/block", a.requestBlock)
		})
	})
}

// AppendAuthRoutes mounts the public login route.
func (a *API) AppendAuthRoutes(r chi.Router) {
	r.Post("/login", a.login)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, err := a.auth.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) listCards(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if !a.policy.Allows(r.Context(), ActionListAll, caller) {
		http.Error(w, models.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	page, size := pageParams(r)
	cards, err := a.svc.ListCards(r.Context(), page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	cardID := chi.URLParam(r, "cardID")
	if !a.policy.Allows(r.Context(), ActionReadCard, caller, cardID) {
		http.Error(w, models.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	card, err := a.svc.GetCard(r.Context(), cardID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (a *API) createCard(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if !a.policy.Allows(r.Context(), ActionManageCard, caller) {
		http.Error(w, models.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	var spec CardSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	card, err := a.svc.CreateCard(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (a *API) updateCard(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if !a.policy.Allows(r.Context(), ActionManageCard, caller) {
		http.Error(w, models.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	var changes CardChanges
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	card, err := a.svc.UpdateCard(r.Context(), chi.URLParam(r, "cardID"), changes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (a *API) deleteCard(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if !a.policy.Allows(r.Context(), ActionManageCard, caller) {
		http.Error(w, models.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	if err := a.svc.DeleteCard(r.Context(), chi.URLParam(r, "cardID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var body struct {
		FromCardID string `json:"from_card_id"`
		ToCardID   string `json:"to_card_id"`
		Amount     int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !a.policy.Allows(r.Context(), ActionTransfer, caller, body.FromCardID, body.ToCardID) {
		http.Error(w, models.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	if err := a.svc.Transfer(r.Context(), body.FromCardID, body.ToCardID, body.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (a *API) requestBlock(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	cardID := chi.URLParam(r, "cardID")
	if !a.policy.Allows(r.Context(), ActionBlockCard, caller, cardID) {
		http.Error(w, models.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	if err := a.svc.RequestBlock(r.Context(), cardID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (a *API) filterCards(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if !a.policy.Allows(r.Context(), ActionFilterCards, caller) {
		http.Error(w, models.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	page, size := pageParams(r)
	owner := r.URL.Query().Get("owner")
	status := models.CardStatus(r.URL.Query().Get("status"))
	cards, err := a.svc.FilterCards(r.Context(), owner, status, page, size, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (a *API) myCards(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if !a.policy.Allows(r.Context(), ActionMyCards, caller) {
		http.Error(w, models.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	page, size := pageParams(r)
	cards, err := a.svc.GetUserCards(r.Context(), caller.Username, page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func pageParams(r *http.Request) (page, size int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	size, _ = strconv.Atoi(r.URL.Query().Get("size"))
	return page, size
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the closed error set onto HTTP statuses. Business-rule
// violations surface as 422 with the wrapped reason.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, cardcrypto.ErrInvalidCardNumber):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrCardNotActive),
		errors.Is(err, models.ErrAlreadyBlocked):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, models.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
