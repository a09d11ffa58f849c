package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bankcore/cardvault/internal/cardcrypto"
	"github.com/bankcore/cardvault/internal/middleware"
	"github.com/bankcore/cardvault/ledger"
	"github.com/bankcore/cardvault/ledger/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var jwtSecret = []byte("api-test-secret")

type testAPI struct {
	router *chi.Mux
	repo   *ledger.Repository
	auth   *ledger.Auth
	svc    *ledger.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	repo := ledger.NewRepository()
	codec, err := cardcrypto.New([]byte("0123456789abcdef"))
	require.NoError(t, err)
	svc := ledger.NewService(repo, codec, []byte("test-pepper"), testLogger(), nil)
	auth := ledger.NewAuth(repo, jwtSecret, testLogger())
	api := ledger.NewAPI(svc, ledger.NewPolicy(repo), auth)

	router := chi.NewRouter()
	api.AppendAuthRoutes(router)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(jwtSecret))
		api.AppendRoutes(r)
	})

	return &testAPI{router: router, repo: repo, auth: auth, svc: svc}
}

func (a *testAPI) registerAndLogin(t *testing.T, username, password string, role models.Role) (*models.User, string) {
	t.Helper()
	user, err := a.auth.CreateUser(context.Background(), uuid.New().String(), username, password, role)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	a.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return user, resp.Token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	a := newTestAPI(t)
	a.registerAndLogin(t, "john", "s3cret", models.RoleUser)

	body, _ := json.Marshal(map[string]string{"username": "john", "password": "wrong"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	a.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCardRoutesRequireToken(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/cards", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminCardManagement(t *testing.T) {
	a := newTestAPI(t)
	_, adminToken := a.registerAndLogin(t, "root", "adminpw", models.RoleAdmin)
	john, userToken := a.registerAndLogin(t, "john", "userpw", models.RoleUser)

	spec := ledger.CardSpec{
		Number:     "4111111111111111",
		Owner:      "JOHN DOE",
		Expiration: "12/30",
		Balance:    100_00,
		UserID:     john.ID,
	}

	// Only admins create cards.
	w := a.do(t, http.MethodPost, "/cards", userToken, spec)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/cards", adminToken, spec)
	require.Equal(t, http.StatusCreated, w.Code)

	var card models.CardView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
	require.Equal(t, "**** **** **** 1111", card.MaskedNumber)
	require.NotContains(t, w.Body.String(), "4111111111111111")

	// Admins list everything; users are refused.
	w = a.do(t, http.MethodGet, "/cards", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cards []models.CardView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cards))
	require.Len(t, cards, 1)

	w = a.do(t, http.MethodGet, "/cards", userToken, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	// Admin update patches fields.
	w = a.do(t, http.MethodPut, "/cards/"+card.ID, adminToken, map[string]any{"owner": "JANE DOE"})
	require.Equal(t, http.StatusOK, w.Code)
	var updated models.CardView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	require.Equal(t, "JANE DOE", updated.Owner)

	// Admin delete, then the card is gone.
	w = a.do(t, http.MethodDelete, "/cards/"+card.ID, adminToken, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = a.do(t, http.MethodGet, "/cards/"+card.ID, adminToken, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCardVisibility(t *testing.T) {
	a := newTestAPI(t)
	_, adminToken := a.registerAndLogin(t, "root", "adminpw", models.RoleAdmin)
	john, johnToken := a.registerAndLogin(t, "john", "johnpw", models.RoleUser)
	_, janeToken := a.registerAndLogin(t, "jane", "janepw", models.RoleUser)

	w := a.do(t, http.MethodPost, "/cards", adminToken, ledger.CardSpec{
		Number: "4111111111111111", Owner: "JOHN DOE", Expiration: "12/30", UserID: john.ID,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var card models.CardView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))

	// Owner and admin read; another user is refused.
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/cards/"+card.ID, johnToken, nil).Code)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/cards/"+card.ID, adminToken, nil).Code)
	require.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/cards/"+card.ID, janeToken, nil).Code)
}

func TestTransferEndpoint(t *testing.T) {
	a := newTestAPI(t)
	_, adminToken := a.registerAndLogin(t, "root", "adminpw", models.RoleAdmin)
	john, johnToken := a.registerAndLogin(t, "john", "johnpw", models.RoleUser)
	_, janeToken := a.registerAndLogin(t, "jane", "janepw", models.RoleUser)

	create := func(number string, balance int64) models.CardView {
		w := a.do(t, http.MethodPost, "/cards", adminToken, ledger.CardSpec{
			Number: number, Owner: "JOHN DOE", Expiration: "12/30", Balance: balance, UserID: john.ID,
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var card models.CardView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
		return card
	}
	from := create("4111111111111111", 100_00)
	to := create("4242424242424242", 0)

	transfer := map[string]any{"from_card_id": from.ID, "to_card_id": to.ID, "amount": 30_00}

	// Admins do not transfer, nor do non-owners.
	require.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, "/cards/transfer", adminToken, transfer).Code)
	require.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, "/cards/transfer", janeToken, transfer).Code)

	// The owner moves funds.
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/cards/transfer", johnToken, transfer).Code)

	w := a.do(t, http.MethodGet, "/cards/"+from.ID, johnToken, nil)
	var after models.CardView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &after))
	require.Equal(t, int64(70_00), after.Balance)

	// Business violations surface as unprocessable, with the reason.
	overdraft := map[string]any{"from_card_id": from.ID, "to_card_id": to.ID, "amount": 1_000_00}
	w = a.do(t, http.MethodPost, "/cards/transfer", johnToken, overdraft)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), "insufficient balance")
}

func TestBlockEndpoint(t *testing.T) {
	a := newTestAPI(t)
	_, adminToken := a.registerAndLogin(t, "root", "adminpw", models.RoleAdmin)
	john, johnToken := a.registerAndLogin(t, "john", "johnpw", models.RoleUser)

	w := a.do(t, http.MethodPost, "/cards", adminToken, ledger.CardSpec{
		Number: "4111111111111111", Owner: "JOHN DOE", Expiration: "12/30", UserID: john.ID,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var card models.CardView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))

	blockPath := fmt.Sprintf("/cards/%s/block", card.ID)

	// Admins do not block; owners do.
	require.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, blockPath, adminToken, nil).Code)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, blockPath, johnToken, nil).Code)

	// A repeat is refused without a write.
	w = a.do(t, http.MethodPost, blockPath, johnToken, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), "already blocked")
}

func TestFilterAndMyCards(t *testing.T) {
	a := newTestAPI(t)
	_, adminToken := a.registerAndLogin(t, "root", "adminpw", models.RoleAdmin)
	john, johnToken := a.registerAndLogin(t, "john", "johnpw", models.RoleUser)
	jane, _ := a.registerAndLogin(t, "jane", "janepw", models.RoleUser)

	seed := func(number, owner, userID string) {
		w := a.do(t, http.MethodPost, "/cards", adminToken, ledger.CardSpec{
			Number: number, Owner: owner, Expiration: "12/30", UserID: userID,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	seed("4111111111111111", "JOHN DOE", john.ID)
	seed("4242424242424242", "JANE DOE", jane.ID)

	// Admin filters across owners.
	w := a.do(t, http.MethodGet, "/cards/filter?owner=JANE+DOE&status=ACTIVE", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cards []models.CardView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cards))
	require.Len(t, cards, 1)
	require.Equal(t, "JANE DOE", cards[0].Owner)

	// A user filtering on another owner still sees only their own cards.
	w = a.do(t, http.MethodGet, "/cards/filter?owner=JANE+DOE&status=ACTIVE", johnToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cards = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cards))
	require.Len(t, cards, 1)
	require.Equal(t, john.ID, cards[0].UserID)

	// "my cards" is for users; admins have the full list instead.
	w = a.do(t, http.MethodGet, "/cards/my", johnToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cards = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cards))
	require.Len(t, cards, 1)

	require.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/cards/my", adminToken, nil).Code)
}
