package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbx/goarb/clob/types"
	"github.com/arbx/goarb/internal/domain"
	"github.com/arbx/goarb/internal/risk"
	"github.com/arbx/goarb/internal/services"
)

func testServer(t *testing.T) (*Server, *domain.Ledger, *services.OrderTracker) {
	t.Helper()
	ledger := domain.NewLedger()
	tracker := services.NewOrderTracker()
	srv, err := New(Config{}, Deps{
		Ledger:   ledger,
		Tracker:  tracker,
		Breakers: risk.NewSessionBreakers(risk.DefaultSessionLimits()),
	})
	require.NoError(t, err)
	return srv, ledger, tracker
}

func TestNewRequiresLedgerAndTracker(t *testing.T) {
	_, err := New(Config{}, Deps{Tracker: services.NewOrderTracker()})
	assert.Error(t, err)

	_, err = New(Config{}, Deps{Ledger: domain.NewLedger()})
	assert.Error(t, err)
}

func TestStatusEndpoint(t *testing.T) {
	srv, ledger, _ := testServer(t)
	require.NoError(t, ledger.ApplyFill("market-a", domain.TokenTypeUp, 10, 0.45))

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var view statusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, 1, view.Markets)
	assert.Equal(t, 0, view.OpenOrders)
	require.NotNil(t, view.Breakers)
	assert.Equal(t, 0, view.Breakers.ActiveCycles)
	assert.Nil(t, view.AUM) // 未注入 AUM 时不出现在响应里
}

func TestPositionsFromLiveLedger(t *testing.T) {
	srv, ledger, _ := testServer(t)
	require.NoError(t, ledger.ApplyFill("market-a", domain.TokenTypeUp, 10, 0.45))
	require.NoError(t, ledger.ApplyFill("market-a", domain.TokenTypeDown, 10, 0.52))

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var views []positionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "market-a", views[0].Market)
	assert.InDelta(t, 10, views[0].QtyUp, 1e-9)
	assert.InDelta(t, 10, views[0].HedgedPairs, 1e-9)
	assert.InDelta(t, 0.97, views[0].PairCost, 1e-9)
}

func TestOrdersEndpoint(t *testing.T) {
	srv, _, tracker := testServer(t)
	o := domain.NewOrder("0xABC", "market-a", "asset-up", types.SideSell,
		domain.PriceFromCents(47), 29, domain.RoleLadder, types.OrderTypeGTC)
	o.Status = domain.OrderStatusLive
	tracker.Track(o)

	closed := domain.NewOrder("0xDEF", "market-a", "asset-up", types.SideSell,
		domain.PriceFromCents(50), 29, domain.RoleLadder, types.OrderTypeGTC)
	closed.Status = domain.OrderStatusCancelled
	tracker.Track(closed)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var views []orderView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1) // 只有挂着的单
	assert.Equal(t, "0xabc", views[0].OrderID)
	assert.Equal(t, "ladder", views[0].Role)
	assert.InDelta(t, 0.47, views[0].Price, 1e-9)
}

// 没接审计库时 cycles 返回空数组而不是报错。
func TestCyclesWithoutStore(t *testing.T) {
	srv, _, _ := testServer(t)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cycles", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
