package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"feedoracle/core/events"
	"feedoracle/core/exec"
	"feedoracle/core/state"
	"feedoracle/crypto"
	"feedoracle/deploy"
	nativecommon "feedoracle/native/common"
	"feedoracle/native/consumer"
	"feedoracle/native/controller"
	"feedoracle/native/datanode"
	"feedoracle/native/feed"
	"feedoracle/native/oracle"
	"feedoracle/services/oracled/audit"
	"feedoracle/services/oracled/middleware"
)

// PaymentHeader carries the amount attached to paid calls, in base units.
const PaymentHeader = "X-Feed-Payment"

// Rate-limit groups routes are assigned to.
const (
	GroupReads     = "reads"
	GroupWrites    = "writes"
	GroupPayPerUse = "payperuse"
	GroupAdmin     = "admin"
)

var errCallerRequired = errors.New("authenticated caller required")

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress   string
	ShutdownTimeout time.Duration
	LogRequests     bool
}

// Deps are the components the API serves.
type Deps struct {
	Deployment    *deploy.Deployment
	Audit         *audit.Store
	Events        *events.Bus
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger
}

// Server exposes the registry, the data node, the oracles and the consumers
// over JSON/HTTP. Every ledger call is made from the authenticated caller.
type Server struct {
	cfg        Config
	deployment *deploy.Deployment
	audit      *audit.Store
	events     *events.Bus
	auth       *middleware.Authenticator
	limiter    *middleware.RateLimiter
	logger     *slog.Logger
	router     http.Handler
}

// New constructs the server and its router.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Deployment == nil {
		return nil, fmt.Errorf("deployment required")
	}
	if deps.Authenticator == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:        cfg,
		deployment: deps.Deployment,
		audit:      deps.Audit,
		events:     deps.Events,
		auth:       deps.Authenticator,
		limiter:    deps.RateLimiter,
		logger:     deps.Logger,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(s.router, "oracled"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("oracled: http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.group(r, "controller", GroupAdmin, middleware.ScopeAdmin, func(cr chi.Router) {
		cr.Route("/controller", s.controllerRoutes)
		cr.Put("/oracles/payperuse/quota", s.setQuota)
		cr.Post("/oracles/payperuse/responders", s.addResponder)
		cr.Delete("/oracles/payperuse/responders/{address}", s.dropResponder)
		cr.Post("/oracles/payperuse/withdraw", s.withdraw(s.deployment.PayPerUse.Withdraw))
		cr.Post("/oracles/subscription/withdraw", s.withdraw(s.deployment.Subscription.Withdraw))
		cr.Post("/consumers", s.deployConsumer)
	})
	s.group(r, "datanode", GroupWrites, middleware.ScopeWrite, func(dr chi.Router) {
		dr.Post("/datanode/feeds", s.storeFeed)
		dr.Post("/datanode/packs", s.storePack)
	})
	s.group(r, "oracles", GroupReads, middleware.ScopeRead, func(or chi.Router) {
		or.Route("/oracles/open", func(sub chi.Router) { s.readerRoutes(sub, s.deployment.Open) })
		or.Get("/oracles/subscription/feeds/{feedId}/price", s.checkPrice(s.deployment.Subscription.CheckPrice))
		or.Get("/oracles/subscription/feeds/{feedId}/available", s.subscriptionAvailable)
		or.Get("/oracles/payperuse/feeds/{feedId}/price", s.checkPrice(s.deployment.PayPerUse.CheckPrice))
		or.Get("/oracles/payperuse/feeds/{feedId}/available", s.payPerUseAvailable)
		or.Get("/oracles/payperuse/requests/{feedId}/{consumer}", s.pendingRequest)
		or.Get("/consumers", s.listConsumers)
		or.Get("/consumers/{address}", s.getConsumer)
		or.Get("/balances/{address}", s.getBalance)
		or.Get("/events", s.listEvents)
		or.Get("/events/export", s.exportEvents)
		or.Get("/events/verify", s.verifyEvents)
		or.Get("/events/stream", s.streamEvents)
	})
	s.group(r, "subscription", GroupPayPerUse, middleware.ScopeRead, s.subscriptionRoutes)
	s.group(r, "payperuse", GroupPayPerUse, middleware.ScopeRead, func(pr chi.Router) {
		pr.Post("/oracles/payperuse/feeds/{feedId}", s.payPerUseValue)
		pr.Post("/oracles/payperuse/feeds/{feedId}/pack", s.payPerUsePack)
		pr.Post("/oracles/payperuse/verify", s.payPerUseVerify)
		pr.Post("/oracles/payperuse/verify-pack", s.payPerUseVerifyPack)
		pr.Post("/oracles/payperuse/requests", s.createRequest)
		pr.Post("/consumers/{address}/get", s.consumerGet)
		pr.Post("/consumers/{address}/requests", s.consumerRequest)
		pr.Post("/consumers/{address}/verify", s.consumerVerify)
		pr.Post("/consumers/{address}/reset", s.consumerReset)
	})
	s.group(r, "responses", GroupPayPerUse, middleware.ScopeRespond, func(rr chi.Router) {
		rr.Post("/oracles/payperuse/responses", s.deliverResponse)
	})
	return r
}

// group mounts routes behind rate limiting, authentication and request
// metrics.
func (s *Server) group(r chi.Router, route, limitKey, scope string, fn func(chi.Router)) {
	r.Group(func(g chi.Router) {
		if s.limiter != nil {
			g.Use(s.limiter.Middleware(limitKey))
		}
		g.Use(s.auth.Middleware(scope))
		g.Use(middleware.Observe(route, s.logger, s.cfg.LogRequests))
		fn(g)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errCallerRequired):
		return http.StatusUnauthorized
	case errors.Is(err, controller.ErrUnauthorized),
		errors.Is(err, oracle.ErrUnauthorized),
		errors.Is(err, datanode.ErrUnauthorized),
		errors.Is(err, datanode.ErrNotOracle),
		errors.Is(err, consumer.ErrUnauthorized),
		errors.Is(err, oracle.ErrNoLicense):
		return http.StatusForbidden
	case errors.Is(err, oracle.ErrInsufficientPayment),
		errors.Is(err, state.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, controller.ErrNodeNotFound),
		errors.Is(err, controller.ErrSignerNotFound),
		errors.Is(err, controller.ErrOracleNotFound),
		errors.Is(err, oracle.ErrFeedNotAssigned),
		errors.Is(err, datanode.ErrFeedNotAssigned),
		errors.Is(err, oracle.ErrNoPendingRequest),
		errors.Is(err, consumer.ErrNotConsumer),
		errors.Is(err, exec.ErrNotContract):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrNodeExists),
		errors.Is(err, controller.ErrSignerExists),
		errors.Is(err, oracle.ErrRequestPending):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, feed.ErrInvalidRecord),
		errors.Is(err, feed.ErrInvalidLicense),
		errors.Is(err, controller.ErrInvalidAddress),
		errors.Is(err, controller.ErrInvalidPrice),
		errors.Is(err, controller.ErrInvalidModule),
		errors.Is(err, exec.ErrNegativeValue):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// caller returns the authenticated caller. Anonymous reads run from the zero
// address.
func caller(r *http.Request) common.Address {
	addr, _ := middleware.Caller(r.Context())
	return addr
}

func requireCaller(r *http.Request) (common.Address, error) {
	addr, ok := middleware.Caller(r.Context())
	if !ok || addr == (common.Address{}) {
		return common.Address{}, errCallerRequired
	}
	return addr, nil
}

// paidCall builds the call of an authenticated caller attaching the amount
// from PaymentHeader.
func paidCall(r *http.Request) (exec.Call, error) {
	from, err := requireCaller(r)
	if err != nil {
		return exec.Call{}, err
	}
	value := new(big.Int)
	if raw := strings.TrimSpace(r.Header.Get(PaymentHeader)); raw != "" {
		if _, ok := value.SetString(raw, 10); !ok || value.Sign() < 0 {
			return exec.Call{}, fmt.Errorf("%w: %s %q", exec.ErrNegativeValue, PaymentHeader, raw)
		}
	}
	return exec.Call{From: from, Value: value}, nil
}

func parseUint32(raw string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint32(v), nil
}

func urlUint32(r *http.Request, name string) (uint32, error) {
	return parseUint32(chi.URLParam(r, name))
}

func urlAddress(r *http.Request, name string) (common.Address, error) {
	return crypto.ParseAddress(chi.URLParam(r, name))
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func hexAddr(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
