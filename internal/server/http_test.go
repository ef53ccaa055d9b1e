package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DepositEngine/internal/core"
	"DepositEngine/internal/ingestion"
	"DepositEngine/internal/ledger"
	"DepositEngine/internal/observability"
	"DepositEngine/internal/persistence"
	"DepositEngine/internal/query"
	"DepositEngine/internal/server"
	"DepositEngine/internal/state"
	"DepositEngine/internal/testutil"
	"DepositEngine/internal/wallet"
)

// --- Test helpers ---

type apiFixture struct {
	handler http.Handler
	deps    *server.Deps
	store   *persistence.MemoryStore
}

func newAPIFixture(t *testing.T, limiter *server.RateLimiter) *apiFixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	testutil.SeedMemoryStore(store)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	engine, err := core.NewEngine(
		store,
		store,
		state.NewAssetRegistry(store, nil, 0),
		wallet.NewResolver(store).WithPicker(func(n int) int { return 0 }),
		store,
		core.DefaultConfig(),
		metrics,
		zerolog.Nop(),
	)
	require.NoError(t, err)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	deps := &server.Deps{
		Engine:         engine,
		Queries:        query.NewQueryService(store),
		Intake:         ingestion.NewIntake(engine, metrics, zerolog.Nop()),
		Health:         health,
		Limiter:        limiter,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         zerolog.Nop(),
	}
	h, err := server.NewHTTPHandler(deps)
	require.NoError(t, err)
	return &apiFixture{handler: h, deps: deps, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(server.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func generalBody(gross string) map[string]any {
	return map[string]any{
		"account_id":   testutil.FixtureAccount,
		"currency":     "USDT",
		"network":      "TRC20",
		"gross_amount": gross,
		"tx_reference": "0xabc",
	}
}

func (f *apiFixture) submit(t *testing.T) query.DepositResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/deposits", testutil.FixtureUser, generalBody("100"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[query.DepositResponse](t, rec)
}

// ==========================================================================
// Submission
// ==========================================================================

func TestHTTP_SubmitRequiresUser(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/deposits", "", generalBody("100"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode[server.ErrorBody](t, rec).Code)
}

func TestHTTP_Submit(t *testing.T) {
	f := newAPIFixture(t, nil)
	d := f.submit(t)

	assert.Equal(t, state.StatusPending, d.Status)
	assert.True(t, d.Fee.Equal(testutil.Dec(t, "2")), "fee = %s", d.Fee)
	assert.True(t, d.Net.Equal(testutil.Dec(t, "98")), "net = %s", d.Net)
	assert.Equal(t, testutil.FixturePersonalAddress, d.Destination.Address)
}

func TestHTTP_SubmitRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		status int
		code   string
	}{
		{
			name:   "missing evidence",
			mutate: func(b map[string]any) { delete(b, "tx_reference") },
			status: http.StatusBadRequest,
			code:   "missing_verification_evidence",
		},
		{
			name:   "below minimum",
			mutate: func(b map[string]any) { b["gross_amount"] = "5" },
			status: http.StatusUnprocessableEntity,
			code:   "below_minimum_deposit",
		},
		{
			name:   "unsupported asset",
			mutate: func(b map[string]any) { b["currency"] = "DOGE" },
			status: http.StatusUnprocessableEntity,
			code:   "unsupported_asset",
		},
		{
			name:   "unknown purpose",
			mutate: func(b map[string]any) { b["purpose"] = "margin" },
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "unknown field",
			mutate: func(b map[string]any) { b["amount"] = "1" },
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newAPIFixture(t, nil)
			body := generalBody("100")
			tc.mutate(body)

			rec := f.do(t, http.MethodPost, "/v1/deposits", testutil.FixtureUser, body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decode[server.ErrorBody](t, rec).Code)
		})
	}
}

func TestHTTP_SubmitIntegrityErrorsAreOpaque(t *testing.T) {
	f := newAPIFixture(t, nil)
	body := generalBody("100")
	body["currency"] = "DOGE"

	rec := f.do(t, http.MethodPost, "/v1/deposits", testutil.FixtureUser, body)
	eb := decode[server.ErrorBody](t, rec)
	assert.NotContains(t, eb.Message, "DOGE")
}

func TestHTTP_DuplicateOpenDeposit(t *testing.T) {
	f := newAPIFixture(t, nil)
	first := f.submit(t)

	rec := f.do(t, http.MethodPost, "/v1/deposits", testutil.FixtureUser, generalBody("100"))
	require.Equal(t, http.StatusConflict, rec.Code)
	eb := decode[server.ErrorBody](t, rec)
	assert.Equal(t, "duplicate_open_deposit", eb.Code)
	assert.Equal(t, first.DepositID.String(), eb.Details["existing_deposit_id"])
}

func TestHTTP_ForeignAccountHidesOpenDeposit(t *testing.T) {
	f := newAPIFixture(t, nil)
	first := f.submit(t)

	rec := f.do(t, http.MethodPost, "/v1/deposits", testutil.FixtureOtherUser, generalBody("100"))
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	eb := decode[server.ErrorBody](t, rec)
	assert.Equal(t, "account_not_found", eb.Code)
	assert.NotContains(t, rec.Body.String(), first.DepositID.String())
}

func TestHTTP_ActivationShortfall(t *testing.T) {
	f := newAPIFixture(t, nil)
	body := generalBody("102")
	body["account_id"] = testutil.FixtureActivationAccount
	body["purpose"] = "activation"

	rec := f.do(t, http.MethodPost, "/v1/deposits", testutil.FixtureUser, body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	eb := decode[server.ErrorBody](t, rec)
	assert.Equal(t, "insufficient_for_activation", eb.Code)
	assert.Equal(t, "102.06", eb.Details["required_gross"])
	assert.Equal(t, "0.04", eb.Details["shortfall"])
}

func TestHTTP_RateLimited(t *testing.T) {
	f := newAPIFixture(t, server.NewRateLimiter(1, 1))

	f.submit(t)
	rec := f.do(t, http.MethodPost, "/v1/deposits", testutil.FixtureUser, generalBody("100"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[server.ErrorBody](t, rec).Code)

	// Other users keep their own budget.
	rec = f.do(t, http.MethodPost, "/v1/deposits", testutil.FixtureOtherUser, generalBody("100"))
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

// ==========================================================================
// Quotes and destinations
// ==========================================================================

func TestHTTP_QuoteActivation(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/deposits:quote", testutil.FixtureUser, map[string]any{
		"account_id": testutil.FixtureActivationAccount,
		"currency":   "USDT",
		"network":    "TRC20",
		"purpose":    "activation",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var q struct {
		RequiredGross string `json:"required_gross"`
		Activation    struct {
			Remaining  string `json:"remaining"`
			Sufficient bool   `json:"sufficient"`
		} `json:"activation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, "102.06", q.RequiredGross)
	assert.Equal(t, "100", q.Activation.Remaining)
	assert.True(t, q.Activation.Sufficient)
}

func TestHTTP_Destination(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/destinations?currency=usdt&network=trc20", testutil.FixtureUser, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dest struct {
		Address string `json:"address"`
		Shared  bool   `json:"shared"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dest))
	assert.Equal(t, testutil.FixturePersonalAddress, dest.Address)
	assert.False(t, dest.Shared)

	rec = f.do(t, http.MethodGet, "/v1/destinations?currency=usdt&network=trc20&purpose=activation", testutil.FixtureUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dest))
	assert.True(t, dest.Shared)
	assert.Contains(t, testutil.FixtureSharedAddresses, dest.Address)
}

// ==========================================================================
// Lifecycle
// ==========================================================================

func TestHTTP_ConfirmCompleteReverse(t *testing.T) {
	f := newAPIFixture(t, nil)
	d := f.submit(t)
	base := "/v1/deposits/" + d.DepositID.String()

	rec := f.do(t, http.MethodPost, base+"/confirmations", "", map[string]any{"confirmations": 20})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ingestion.UpdateResult](t, rec)
	assert.Equal(t, core.ConfirmationApplied, res.Result)
	assert.Equal(t, state.StatusConfirmed, res.Status)

	rec = f.do(t, http.MethodPost, base+"/confirmations", "", map[string]any{"confirmations": 5})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "stale_confirmation_update", decode[server.ErrorBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, base+"/complete", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, state.StatusCompleted, decode[query.DepositResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, base+"/reverse", "", map[string]any{"reason": "chain reorg"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reversed := decode[query.DepositResponse](t, rec)
	assert.Equal(t, state.StatusReversed, reversed.Status)
	assert.Equal(t, "chain reorg", reversed.FailureReason)

	rec = f.do(t, http.MethodGet, base+"/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evts struct {
		Events []query.EventResponse `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evts))
	assert.NotEmpty(t, evts.Events)
}

func TestHTTP_ReviewApprove(t *testing.T) {
	f := newAPIFixture(t, nil)
	d := f.submit(t)

	rec := f.do(t, http.MethodPost, "/v1/deposits/"+d.DepositID.String()+"/review", "", map[string]any{
		"decision": "approve",
		"reviewer": "ops-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, state.StatusCompleted, decode[query.DepositResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/v1/deposits/"+d.DepositID.String()+"/review", "", map[string]any{
		"decision": "escalate",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unsupported_review_decision", decode[server.ErrorBody](t, rec).Code)
}

func TestHTTP_CompleteBeforeConfirmed(t *testing.T) {
	f := newAPIFixture(t, nil)
	d := f.submit(t)

	rec := f.do(t, http.MethodPost, "/v1/deposits/"+d.DepositID.String()+"/complete", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "illegal_transition", decode[server.ErrorBody](t, rec).Code)
}

// ==========================================================================
// Queries
// ==========================================================================

func TestHTTP_Queries(t *testing.T) {
	f := newAPIFixture(t, nil)
	d := f.submit(t)

	rec := f.do(t, http.MethodGet, "/v1/deposits/"+d.DepositID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, d.DepositID, decode[query.DepositResponse](t, rec).DepositID)

	rec = f.do(t, http.MethodGet, "/v1/accounts/"+testutil.FixtureAccount+"/open-deposit", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, d.DepositID, decode[query.DepositResponse](t, rec).DepositID)

	rec = f.do(t, http.MethodGet, "/v1/accounts/"+testutil.FixtureAccount+"/deposits?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Deposits []query.DepositResponse `json:"deposits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Deposits, 1)

	rec = f.do(t, http.MethodGet, "/v1/accounts/"+testutil.FixtureAccount+"/deposits?limit=ten", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_NotFound(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/deposits/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/deposits/00000000-0000-0000-0000-00000000dead", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "deposit_not_found", decode[server.ErrorBody](t, rec).Code)

	rec = f.do(t, http.MethodGet, "/v1/accounts/"+testutil.FixtureAccount+"/open-deposit", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_LedgerBalance(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/accounts/"+testutil.FixtureAccount+"/balances/USDT", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ledger_unavailable", decode[server.ErrorBody](t, rec).Code)

	f.deps.Queries.WithLedger(ledger.NewBalanceTracker())
	rec = f.do(t, http.MethodGet, "/v1/accounts/"+testutil.FixtureAccount+"/balances/usdt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bal := decode[query.LedgerBalanceResponse](t, rec)
	assert.Equal(t, "USDT", bal.Asset)
	assert.True(t, bal.Available.IsZero())
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.submit(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deposit_api_requests_total")
	assert.Contains(t, rec.Body.String(), `route="submit"`)
}

func TestHTTPServer_ShutsDownOnCancel(t *testing.T) {
	f := newAPIFixture(t, nil)
	srv := server.NewHTTPServer("127.0.0.1:0", f.handler, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
