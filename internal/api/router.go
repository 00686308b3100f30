package api

import (
	"net/http"

	"github.com/adeyemio/fxrail/internal/api/handler"
	"github.com/adeyemio/fxrail/internal/api/middleware"
	"github.com/adeyemio/fxrail/internal/idempotency"
	"github.com/adeyemio/fxrail/internal/service"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Router wires services and middleware into the HTTP surface.
type Router struct {
	db          *pgxpool.Pool
	redis       redis.Cmdable
	transfers   *service.TransferService
	ledger      *service.LedgerService
	feeRules    *service.FeeRuleService
	idempotency *idempotency.Store
	logger      *zap.Logger
	publicRPS   int
}

type RouterDeps struct {
	DB          *pgxpool.Pool
	Redis       redis.Cmdable
	Transfers   *service.TransferService
	Ledger      *service.LedgerService
	FeeRules    *service.FeeRuleService
	Idempotency *idempotency.Store
	Logger      *zap.Logger
	PublicRPS   int
}

func NewRouter(deps RouterDeps) *Router {
	if deps.PublicRPS <= 0 {
		deps.PublicRPS = 50
	}
	return &Router{
		db:          deps.DB,
		redis:       deps.Redis,
		transfers:   deps.Transfers,
		ledger:      deps.Ledger,
		feeRules:    deps.FeeRules,
		idempotency: deps.Idempotency,
		logger:      deps.Logger,
		publicRPS:   deps.PublicRPS,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(chiMiddleware.RealIP)

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	transferHandler := handler.NewTransferHandler(api.transfers)
	walletHandler := handler.NewWalletHandler(api.ledger)
	feeRuleHandler := handler.NewFeeRuleHandler(api.feeRules)

	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.publicRPS))

		r.With(middleware.IdempotencyMiddleware(api.idempotency, api.logger)).
			Post("/v1/transfers", transferHandler.Create)
		r.Get("/v1/transfers/{id}", transferHandler.Get)
		r.Get("/v1/transfers/{id}/timeline", transferHandler.Timeline)
		r.With(middleware.IdempotencyMiddleware(api.idempotency, api.logger)).
			Post("/v1/transfers/{id}/reverse", transferHandler.Reverse)
		r.Get("/v1/transfers/manual-review", transferHandler.ManualReview)

		r.Get("/v1/wallets", walletHandler.List)
		r.Get("/v1/wallets/{id}", walletHandler.Get)
		r.Get("/v1/wallets/{id}/movements", walletHandler.Movements)

		r.Post("/v1/fee-rules", feeRuleHandler.Create)
		r.Get("/v1/fee-rules", feeRuleHandler.List)
	})

	return r
}
