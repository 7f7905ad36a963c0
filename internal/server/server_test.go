package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/transferdesk/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		StepTimeout:     5 * time.Second,
		HistoryDepth:    10,
		DefaultOfferTTL: 7,
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips on in Run; before that the server reports not ready.
	w = doRequest(t, srv, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string `json:"status"`
		Checks []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "confirmation_network", resp.Checks[0].Name)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "transferdesk_")
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestDemoMarketSeeded(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/v1/players/listed", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Players []struct {
			ID     string `json:"id"`
			Listed bool   `json:"listed"`
		} `json:"players"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Players)
	for _, p := range resp.Players {
		assert.True(t, p.Listed)
	}
}

func TestMarketOverview(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/v1/offers",
		`{"player_id":"ply_okafor","from_club_id":"club_riverside","amount":4000000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doRequest(t, srv, http.MethodGet, "/v1/market/overview", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		PendingOffers   []struct{ ID string } `json:"pending_offers"`
		ListedPlayers   []struct{ ID string } `json:"listed_players"`
		RecentTransfers []struct{ ID string } `json:"recent_transfers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.PendingOffers, 1)
	assert.NotEmpty(t, resp.ListedPlayers)
	assert.Empty(t, resp.RecentTransfers)
}

func TestOfferLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/v1/offers",
		`{"player_id":"ply_mercer","from_club_id":"club_northgate","amount":10000000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var offer struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offer))
	assert.Equal(t, "pending", offer.Status)

	w = doRequest(t, srv, http.MethodPost, "/v1/offers/"+offer.ID+"/respond", `{"accept":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Selling club picked up a notification.
	w = doRequest(t, srv, http.MethodGet, "/v1/clubs/club_harbour/notifications", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "offer_received")
}

func TestOfferValidationOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	t.Run("missing fields", func(t *testing.T) {
		w := doRequest(t, srv, http.MethodPost, "/v1/offers", `{"amount":1}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("own player", func(t *testing.T) {
		w := doRequest(t, srv, http.MethodPost, "/v1/offers",
			`{"player_id":"ply_mercer","from_club_id":"club_harbour","amount":1000000}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("over budget", func(t *testing.T) {
		w := doRequest(t, srv, http.MethodPost, "/v1/offers",
			`{"player_id":"ply_mercer","from_club_id":"club_northgate","amount":99000000}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestSettlementRequiresAcceptedOffer(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/v1/offers",
		`{"player_id":"ply_silva","from_club_id":"club_northgate","amount":15000000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var offer struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offer))

	// Still pending: settlement is refused.
	w = doRequest(t, srv, http.MethodPost, "/v1/settlements",
		`{"offer_id":"`+offer.ID+`","income":{"transfer_fee":15000000},"expense":{"transfer_fee":15000000}}`)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
