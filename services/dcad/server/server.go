package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"recurswap/native/dca"
	"recurswap/native/venue"
	"recurswap/observability"
)

const (
	moduleName      = "dcad"
	maxRequestBytes = 1 << 20
)

// Store is the persistence the API reads outside the plan registries.
type Store interface {
	dca.Vault
	Balance(ctx context.Context, owner, asset string) (*uint256.Int, error)
	Executions(ctx context.Context, owner string, planID uint64) ([]*dca.Execution, error)
	Ping(ctx context.Context) error
}

// Config wires the API to the plan directory and its backing services.
type Config struct {
	ListenAddress string
	Directory     *dca.Directory
	Store         Store
	Grants        *Grants
	Tokens        *venue.TokenRegistry
	FeeAsset      string
	Auth          *Authenticator
	RateLimit     RateLimit
	// EnableDeposits exposes the vault funding route. Development only.
	EnableDeposits bool
	Logger         *slog.Logger
}

// Server is the owner facing HTTP API.
type Server struct {
	cfg     Config
	dir     *dca.Directory
	store   Store
	grants  *Grants
	tokens  *venue.TokenRegistry
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	metrics *observability.DCAMetrics

	router http.Handler
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("server: directory required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: store required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: authenticator required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("server: token registry required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Grants == nil {
		cfg.Grants = NewGrants(cfg.Store, cfg.FeeAsset)
	}
	s := &Server{
		cfg:     cfg,
		dir:     cfg.Directory,
		store:   cfg.Store,
		grants:  cfg.Grants,
		tokens:  cfg.Tokens,
		auth:    cfg.Auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger,
		metrics: observability.DCA(),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(s.router, moduleName),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", slog.String("address", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.limiter.Middleware)

		api.Post("/plans", s.handleCreatePlan)
		api.Get("/plans", s.handleListPlans)
		api.Get("/plans/active", s.handleActivePlans)
		api.Get("/plans/{id}", s.handleGetPlan)
		api.Get("/plans/{id}/executions", s.handleExecutions)
		api.Post("/plans/{id}/pause", s.handlePause)
		api.Post("/plans/{id}/resume", s.handleResume)
		api.Post("/plans/{id}/cancel", s.handleCancel)
		api.Post("/plans/{id}/fund", s.handleFund)
		api.Get("/ledger", s.handleLedger)
		api.Get("/vaults/{asset}", s.handleBalance)
		if s.cfg.EnableDeposits {
			api.Post("/vaults/{asset}/deposit", s.handleDeposit)
		}
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe(moduleName, r.Method+" "+route, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	owner, reg, ok := s.registry(w, r)
	if !ok {
		return
	}
	var req createPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseBaseUnits("amount_per_interval", req.AmountPerInterval)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	firstDelay, err := delaySeconds("first_delay_seconds", req.FirstDelaySeconds)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := dca.Config{
		SourceAsset:       req.SourceAsset,
		TargetAsset:       req.TargetAsset,
		AmountPerInterval: amount,
		IntervalSeconds:   req.IntervalSeconds,
		MaxSlippageBps:    req.MaxSlippageBps,
		MaxExecutions:     req.MaxExecutions,
		FeeTier:           req.FeeTier,
	}
	if err := cfg.Validate(); err != nil {
		s.writeDomainError(w, err)
		return
	}
	cfg = cfg.Normalize()
	for _, asset := range []string{cfg.SourceAsset, cfg.TargetAsset} {
		if _, err := s.tokens.Resolve(asset); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	if err := s.grants.Ensure(reg, cfg.SourceAsset, cfg.TargetAsset); err != nil {
		s.writeDomainError(w, err)
		return
	}
	before := reg.Ledger().Balance()
	plan, err := reg.CreatePlan(r.Context(), cfg, dca.CreateOptions{
		FirstDelay: firstDelay,
		Prefund:    req.PrefundExecutions,
	})
	s.recordFunding(before, reg.Ledger().Balance())
	if err != nil && plan == nil {
		s.writeDomainError(w, err)
		return
	}
	view := s.planView(plan)
	if err != nil {
		s.logger.Warn("plan stored but not armed",
			slog.String("owner", owner),
			slog.Uint64("plan_id", plan.ID),
			slog.Any("error", err))
		view.Warning = err.Error()
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	reg, found := s.dir.Lookup(owner)
	if !found {
		writeJSON(w, http.StatusOK, []planView{})
		return
	}
	s.writePlans(w, reg.Plans())
}

func (s *Server) handleActivePlans(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	reg, found := s.dir.Lookup(owner)
	if !found {
		writeJSON(w, http.StatusOK, []planView{})
		return
	}
	s.writePlans(w, reg.ActivePlans())
}

func (s *Server) writePlans(w http.ResponseWriter, plans []*dca.Plan) {
	out := make([]planView, 0, len(plans))
	for _, plan := range plans {
		out = append(out, s.planView(plan))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := s.planTarget(w, r)
	if !ok {
		return
	}
	plan, err := reg.Plan(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.planView(plan))
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := s.planTarget(w, r)
	if !ok {
		return
	}
	if _, err := reg.Plan(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	execs, err := s.store.Executions(r.Context(), reg.Owner(), id)
	if err != nil {
		s.logger.Error("load executions failed", slog.Uint64("plan_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load executions")
		return
	}
	writeJSON(w, http.StatusOK, executionViews(execs))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := s.planTarget(w, r)
	if !ok {
		return
	}
	plan, err := reg.Pause(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.planView(plan))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := s.planTarget(w, r)
	if !ok {
		return
	}
	var req resumeRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	var delay *time.Duration
	if req.DelaySeconds != nil {
		d, err := delaySeconds("delay_seconds", *req.DelaySeconds)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		delay = &d
	}
	if current, err := reg.Plan(id); err == nil {
		if err := s.grants.Ensure(reg, current.Config.SourceAsset, current.Config.TargetAsset); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	plan, err := reg.Resume(r.Context(), id, delay)
	if err != nil && plan == nil {
		s.writeDomainError(w, err)
		return
	}
	view := s.planView(plan)
	if err != nil {
		view.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := s.planTarget(w, r)
	if !ok {
		return
	}
	plan, err := reg.Cancel(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.planView(plan))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	reg, id, ok := s.planTarget(w, r)
	if !ok {
		return
	}
	var req fundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.grants.ensure(reg, dca.CapFee, s.grants.feeAsset); err != nil {
		s.writeDomainError(w, err)
		return
	}
	funded, err := reg.Ledger().FundFor(r.Context(), id, req.Executions)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.RecordLedgerFunding(funded)
	writeJSON(w, http.StatusOK, ledgerView{
		Owner:    reg.Owner(),
		Balance:  reg.Ledger().Balance().Dec(),
		FeeAsset: s.grants.feeAsset,
		Funded:   funded.Dec(),
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	balance := new(uint256.Int)
	if reg, found := s.dir.Lookup(owner); found {
		balance = reg.Ledger().Balance()
	}
	writeJSON(w, http.StatusOK, ledgerView{Owner: owner, Balance: balance.Dec(), FeeAsset: s.grants.feeAsset})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	asset := normalizeAsset(chi.URLParam(r, "asset"))
	balance, err := s.store.Balance(r.Context(), owner, asset)
	if err != nil {
		s.logger.Error("load vault balance failed", slog.String("asset", asset), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, s.balanceView(owner, asset, balance))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	asset := normalizeAsset(chi.URLParam(r, "asset"))
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := parseBaseUnits("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.tokens.Resolve(asset); err != nil && asset != s.grants.feeAsset {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.Deposit(r.Context(), owner, asset, amount); err != nil {
		s.writeDomainError(w, err)
		return
	}
	balance, err := s.store.Balance(r.Context(), owner, asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	s.logger.Info("vault deposit",
		slog.String("owner", owner),
		slog.String("asset", asset),
		slog.String("amount", amount.Dec()))
	writeJSON(w, http.StatusOK, s.balanceView(owner, asset, balance))
}

func (s *Server) balanceView(owner, asset string, balance *uint256.Int) balanceView {
	view := balanceView{Owner: owner, Asset: asset, Balance: balance.Dec()}
	if tok, err := s.tokens.Resolve(asset); err == nil {
		view.Display = displayAmount(balance, tok.Decimals)
	}
	return view
}

func (s *Server) recordFunding(before, after *uint256.Int) {
	if after.Gt(before) {
		s.metrics.RecordLedgerFunding(new(uint256.Int).Sub(after, before))
	}
}

func (s *Server) registry(w http.ResponseWriter, r *http.Request) (string, *dca.Registry, bool) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return "", nil, false
	}
	reg, err := s.dir.Registry(owner)
	if err != nil {
		s.writeDomainError(w, err)
		return "", nil, false
	}
	return owner, reg, true
}

func (s *Server) planTarget(w http.ResponseWriter, r *http.Request) (*dca.Registry, uint64, bool) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return nil, 0, false
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return nil, 0, false
	}
	reg, found := s.dir.Lookup(owner)
	if !found {
		s.writeDomainError(w, dca.ErrPlanNotFound)
		return nil, 0, false
	}
	return reg, id, true
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return "", false
	}
	return owner, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return false
	}
	return true
}

func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return false
	}
	return true
}

// writeDomainError maps dca sentinels onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dca.ErrConfiguration), errors.Is(err, dca.ErrUnknownToken):
		status = http.StatusBadRequest
	case errors.Is(err, dca.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, dca.ErrPlanNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dca.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, dca.ErrInsufficientFunds), errors.Is(err, dca.ErrLedgerExhausted):
		status = http.StatusPaymentRequired
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Any("error", err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// maxDelaySeconds is the largest delay representable as a time.Duration.
const maxDelaySeconds = uint64(math.MaxInt64 / int64(time.Second))

func delaySeconds(field string, seconds uint64) (time.Duration, error) {
	if seconds > maxDelaySeconds {
		return 0, fmt.Errorf("%s must not exceed %d", field, maxDelaySeconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
