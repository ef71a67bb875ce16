package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
	"github.com/ronniedreams/nifty-options-agent/internal/orders"
	"github.com/ronniedreams/nifty-options-agent/internal/positions"
	"github.com/ronniedreams/nifty-options-agent/internal/state"
)

func testServer(t *testing.T) (*Server, *state.Store) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(testWriter{t})
	return NewServer(config.DashboardConfig{ListenAddr: ":0"}, store, logger), store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func get(t *testing.T, s *Server, path string, out interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t)
	var body map[string]interface{}
	get(t, s, "/health", &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestSummaryReflectsState(t *testing.T) {
	s, store := testServer(t)

	require.NoError(t, store.SaveDailyState("2026-01-27", positions.Summary{
		CumulativeR: 1.8,
		ClosedCount: 2,
		TotalPnL:    11700,
	}))
	require.NoError(t, store.SetOperationalState("RUNNING", ""))
	require.NoError(t, store.SetControlFlags(true, false))

	var body map[string]interface{}
	get(t, s, "/api/summary", &body)
	assert.Equal(t, "2026-01-27", body["trade_date"])
	assert.InDelta(t, 1.8, body["cumulative_r"].(float64), 1e-9)
	assert.Equal(t, "RUNNING", body["state"])
	assert.Equal(t, true, body["pause_requested"])
}

func TestPositionsAndOrdersEndpoints(t *testing.T) {
	s, store := testServer(t)

	require.NoError(t, store.SaveOpenPositions([]models.Position{
		{Symbol: "NIFTY30JAN2526000CE", OptionType: models.OptionCE, EntryPrice: 99.95, Quantity: 650},
	}))
	require.NoError(t, store.SavePendingEntries([]orders.EntryOrder{
		{OptionType: models.OptionPE, Symbol: "NIFTY30JAN2523000PE", OrderID: "O1", TriggerPrice: 88.95},
	}))
	require.NoError(t, store.SaveActiveSLs([]orders.SLOrder{
		{Symbol: "NIFTY30JAN2526000CE", OrderID: "O2", TriggerPrice: 106.00},
	}))

	var open []models.Position
	get(t, s, "/api/positions", &open)
	require.Len(t, open, 1)
	assert.Equal(t, "NIFTY30JAN2526000CE", open[0].Symbol)

	var ord struct {
		PendingEntries []orders.EntryOrder `json:"pending_entries"`
		ActiveSLs      []orders.SLOrder    `json:"active_sls"`
	}
	get(t, s, "/api/orders", &ord)
	require.Len(t, ord.PendingEntries, 1)
	assert.Equal(t, "O1", ord.PendingEntries[0].OrderID)
	require.Len(t, ord.ActiveSLs, 1)
	assert.InDelta(t, 106.00, ord.ActiveSLs[0].TriggerPrice, 1e-9)
}

func TestStrikesEndpoint(t *testing.T) {
	s, store := testServer(t)
	require.NoError(t, store.SaveBestStrikes(map[models.OptionType]*models.Candidate{
		models.OptionCE: {Symbol: "CE1", EntryPrice: 99.95, SLPoints: 6.05},
	}))

	var strikes []state.BestStrike
	get(t, s, "/api/strikes", &strikes)
	require.Len(t, strikes, 1)
	assert.Equal(t, "CE1", strikes[0].Symbol)
}
