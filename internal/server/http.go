package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DepositEngine/internal/core"
	"DepositEngine/internal/event"
	"DepositEngine/internal/ingestion"
	"DepositEngine/internal/observability"
	"DepositEngine/internal/query"
	"DepositEngine/internal/state"
)

// UserHeader carries the authenticated user id, set by the edge proxy.
const UserHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// Deps holds everything the HTTP and gRPC surfaces call into.
type Deps struct {
	Engine         *core.Engine
	Queries        *query.QueryService
	Intake         *ingestion.Intake
	Health         *observability.HealthChecker
	Limiter        *RateLimiter
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Logger         zerolog.Logger
}

type httpAPI struct {
	deps   *Deps
	logger zerolog.Logger
}

// NewHTTPHandler builds the HTTP/JSON API on a grpc-gateway runtime mux,
// plus health and metrics endpoints.
func NewHTTPHandler(deps *Deps) (http.Handler, error) {
	api := &httpAPI{deps: deps, logger: deps.Logger.With().Str("component", "http").Logger()}
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern, name string
		h                     runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/deposits", "submit", api.submit},
		{http.MethodPost, "/v1/deposits:quote", "quote", api.quote},
		{http.MethodGet, "/v1/destinations", "destination", api.destination},
		{http.MethodGet, "/v1/deposits/{deposit_id}", "get_deposit", api.getDeposit},
		{http.MethodGet, "/v1/deposits/{deposit_id}/events", "deposit_events", api.depositEvents},
		{http.MethodPost, "/v1/deposits/{deposit_id}/confirmations", "confirm", api.recordConfirmation},
		{http.MethodPost, "/v1/deposits/{deposit_id}/review", "review", api.review},
		{http.MethodPost, "/v1/deposits/{deposit_id}/complete", "complete", api.complete},
		{http.MethodPost, "/v1/deposits/{deposit_id}/reverse", "reverse", api.reverse},
		{http.MethodGet, "/v1/accounts/{account_id}/deposits", "list_deposits", api.listDeposits},
		{http.MethodGet, "/v1/accounts/{account_id}/open-deposit", "open_deposit", api.openDeposit},
		{http.MethodGet, "/v1/accounts/{account_id}/balances/{asset}", "ledger_balance", api.ledgerBalance},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, api.instrument(r.name, r.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	root := http.NewServeMux()
	if deps.Health != nil {
		root.HandleFunc("/healthz", deps.Health.LivenessHandler)
		root.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		root.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if deps.MetricsHandler != nil {
		root.Handle("/metrics", deps.MetricsHandler)
	}
	root.Handle("/", mux)
	return root, nil
}

// HTTPServer runs the API handler until its context ends.
type HTTPServer struct {
	server *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(addr string, handler http.Handler, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *httpAPI) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)

		if m := a.deps.Metrics; m != nil {
			m.APIRequests.WithLabelValues("http", route, strconv.Itoa(rec.status)).Inc()
			m.APIDuration.WithLabelValues("http", route).Observe(time.Since(start).Seconds())
		}
		a.logger.Debug().
			Str("route", route).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// --- Wire formats ---

type submitRequestJSON struct {
	AccountID       string          `json:"account_id"`
	Currency        string          `json:"currency"`
	Network         string          `json:"network"`
	Purpose         string          `json:"purpose"`
	GrossAmount     decimal.Decimal `json:"gross_amount"`
	TxReference     string          `json:"tx_reference"`
	ProofPointer    string          `json:"proof_pointer"`
	Destination     string          `json:"destination"`
	DestinationMemo string          `json:"destination_memo"`
}

type quoteRequestJSON struct {
	AccountID   string          `json:"account_id"`
	Currency    string          `json:"currency"`
	Network     string          `json:"network"`
	Purpose     string          `json:"purpose"`
	GrossAmount decimal.Decimal `json:"gross_amount"`
	TargetNet   decimal.Decimal `json:"target_net"`
}

type activationQuoteJSON struct {
	Balance       decimal.Decimal `json:"balance"`
	Minimum       decimal.Decimal `json:"minimum"`
	Remaining     decimal.Decimal `json:"remaining"`
	AlreadyFunded bool            `json:"already_funded"`
	Sufficient    bool            `json:"sufficient"`
	Shortfall     decimal.Decimal `json:"shortfall"`
}

type quoteResponseJSON struct {
	Currency              string               `json:"currency"`
	Network               string               `json:"network"`
	FeePercent            decimal.Decimal      `json:"fee_percent"`
	MinimumDeposit        decimal.Decimal      `json:"minimum_deposit"`
	RequiredConfirmations int                  `json:"required_confirmations"`
	Gross                 decimal.Decimal      `json:"gross"`
	Fee                   decimal.Decimal      `json:"fee"`
	Net                   decimal.Decimal      `json:"net"`
	RequiredGross         decimal.Decimal      `json:"required_gross"`
	Activation            *activationQuoteJSON `json:"activation,omitempty"`
}

type destinationResponseJSON struct {
	Currency              string          `json:"currency"`
	Network               string          `json:"network"`
	Address               string          `json:"address"`
	Memo                  string          `json:"memo,omitempty"`
	Shared                bool            `json:"shared"`
	MinimumDeposit        decimal.Decimal `json:"minimum_deposit"`
	FeePercent            decimal.Decimal `json:"fee_percent"`
	RequiredConfirmations int             `json:"required_confirmations"`
}

type confirmationRequestJSON struct {
	Confirmations *int   `json:"confirmations"`
	UpdateID      string `json:"update_id"`
	TxReference   string `json:"tx_reference"`
}

type reasonRequestJSON struct {
	Reason string `json:"reason"`
}

// --- Handlers ---

func (a *httpAPI) submit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if !a.deps.Limiter.Allow(userID) {
		if a.deps.Metrics != nil {
			a.deps.Metrics.RateLimited.WithLabelValues("submit").Inc()
		}
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{Code: "rate_limited", Message: "too many deposit submissions"})
		return
	}

	var body submitRequestJSON
	if !decodeBody(w, r, &body) {
		return
	}
	purpose, ok := state.ParsePurpose(body.Purpose)
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown purpose %q", state.ErrInvalidRequest, body.Purpose))
		return
	}

	d, err := a.deps.Engine.Submit(r.Context(), core.SubmitRequest{
		UserID:          userID,
		AccountID:       body.AccountID,
		Currency:        body.Currency,
		Network:         body.Network,
		Purpose:         purpose,
		GrossAmount:     body.GrossAmount,
		Evidence:        state.Evidence{TxReference: body.TxReference, ProofPointer: body.ProofPointer},
		Destination:     body.Destination,
		DestinationMemo: body.DestinationMemo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, query.NewDepositResponse(d))
}

func (a *httpAPI) quote(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body quoteRequestJSON
	if !decodeBody(w, r, &body) {
		return
	}
	purpose, ok := state.ParsePurpose(body.Purpose)
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown purpose %q", state.ErrInvalidRequest, body.Purpose))
		return
	}

	q, err := a.deps.Engine.Quote(r.Context(), core.QuoteRequest{
		UserID:      r.Header.Get(UserHeader),
		AccountID:   body.AccountID,
		Currency:    body.Currency,
		Network:     body.Network,
		Purpose:     purpose,
		GrossAmount: body.GrossAmount,
		TargetNet:   body.TargetNet,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := quoteResponseJSON{
		Currency:              q.Currency,
		Network:               q.Network,
		FeePercent:            q.FeePercent,
		MinimumDeposit:        q.MinimumDeposit,
		RequiredConfirmations: q.RequiredConfirmations,
		Gross:                 q.Gross,
		Fee:                   q.Fee,
		Net:                   q.Net,
		RequiredGross:         q.RequiredGross,
	}
	if act := q.Activation; act != nil {
		resp.Activation = &activationQuoteJSON{
			Balance:       act.Balance,
			Minimum:       act.Minimum,
			Remaining:     act.Remaining,
			AlreadyFunded: act.AlreadyFunded,
			Sufficient:    act.Sufficient,
			Shortfall:     act.Shortfall,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *httpAPI) destination(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	purpose, ok := state.ParsePurpose(q.Get("purpose"))
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown purpose %q", state.ErrInvalidRequest, q.Get("purpose")))
		return
	}

	assignment, asset, err := a.deps.Engine.ResolveDestination(r.Context(), userID, q.Get("currency"), q.Get("network"), purpose)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, destinationResponseJSON{
		Currency:              asset.Currency,
		Network:               asset.Network,
		Address:               assignment.Address,
		Memo:                  assignment.Memo,
		Shared:                assignment.Shared(),
		MinimumDeposit:        asset.MinimumDeposit,
		FeePercent:            asset.FeePercent,
		RequiredConfirmations: asset.RequiredConfirmations,
	})
}

func (a *httpAPI) getDeposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := depositID(w, params)
	if !ok {
		return
	}
	d, err := a.deps.Queries.GetDeposit(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *httpAPI) depositEvents(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := depositID(w, params)
	if !ok {
		return
	}
	evts, err := a.deps.Queries.DepositEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

func (a *httpAPI) listDeposits(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, fmt.Errorf("%w: limit must be an integer", state.ErrInvalidRequest))
			return
		}
		limit = n
	}
	list, err := a.deps.Queries.ListAccountDeposits(r.Context(), params["account_id"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": list})
}

func (a *httpAPI) openDeposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	purpose, ok := state.ParsePurpose(r.URL.Query().Get("purpose"))
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown purpose", state.ErrInvalidRequest))
		return
	}
	d, err := a.deps.Queries.GetOpenDeposit(r.Context(), params["account_id"], purpose)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *httpAPI) ledgerBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	bal, err := a.deps.Queries.GetLedgerBalance(params["account_id"], params["asset"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (a *httpAPI) recordConfirmation(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := depositID(w, params)
	if !ok {
		return
	}
	var body confirmationRequestJSON
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Confirmations == nil {
		writeError(w, fmt.Errorf("%w: confirmations is required", state.ErrInvalidRequest))
		return
	}

	out, err := a.deps.Engine.ApplyUpdate(r.Context(), &event.ConfirmationUpdate{
		UpdateID:      body.UpdateID,
		DepositID:     id,
		TxReference:   body.TxReference,
		Confirmations: *body.Confirmations,
		ObservedAt:    time.Now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestion.UpdateResult{
		DepositID:     id,
		Result:        out.Result,
		Status:        out.Status,
		Confirmations: out.Confirmations,
	})
}

func (a *httpAPI) review(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body ingestion.ReviewJSON
	if !decodeBody(w, r, &body) {
		return
	}
	body.DepositID = params["deposit_id"]
	res, err := body.ToResolution()
	if err != nil {
		if _, ok := event.ParseReviewDecision(body.Decision); !ok {
			err = fmt.Errorf("%w: %q", state.ErrUnsupportedReviewDecision, body.Decision)
		} else {
			err = fmt.Errorf("%w: %v", state.ErrInvalidRequest, err)
		}
		writeError(w, err)
		return
	}

	d, err := a.deps.Engine.ResolveReview(r.Context(), *res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewDepositResponse(d))
}

func (a *httpAPI) complete(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := depositID(w, params)
	if !ok {
		return
	}
	d, err := a.deps.Engine.Complete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewDepositResponse(d))
}

func (a *httpAPI) reverse(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := depositID(w, params)
	if !ok {
		return
	}
	var body reasonRequestJSON
	if !decodeBody(w, r, &body) {
		return
	}
	d, err := a.deps.Engine.Reverse(r.Context(), id, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, query.NewDepositResponse(d))
}

// --- Helpers ---

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorBody{Code: "unauthenticated", Message: UserHeader + " header is required"})
		return "", false
	}
	return userID, true
}

func depositID(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params["deposit_id"])
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid deposit_id", state.ErrInvalidRequest))
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: malformed body: %v", state.ErrInvalidRequest, err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	code, body := describe(err)
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
