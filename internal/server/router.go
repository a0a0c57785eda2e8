// Package server exposes the engine over HTTP/JSON. Handlers are thin: they
// parse, delegate to the engine or query service, and render.
package server

import (
	"github.com/gin-gonic/gin"

	"BrokerLedger/internal/core"
	"BrokerLedger/internal/observability"
	"BrokerLedger/internal/query"
)

// New builds the HTTP router over the engine and query service.
func New(engine *core.Engine, queries *query.Service, health *observability.HealthChecker, metrics *observability.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(MetricsMiddleware(metrics))

	h := &Handler{engine: engine, queries: queries}

	api := r.Group("/api/v1")
	{
		accounts := api.Group("/accounts")
		{
			accounts.POST("", h.CreateAccount)
			accounts.GET("", h.ListAccounts)
			accounts.GET("/:id/state", h.GetState)
			accounts.GET("/:id/transactions", h.ListTransactions)
			accounts.POST("/:id/settlements", h.Settle)
			accounts.POST("/:id/withdrawals", h.Withdraw)
			accounts.POST("/:id/fundings", h.CreateFunding)
			accounts.POST("/:id/balance-records", h.CreateBalanceRecord)
		}
	}

	r.GET("/healthz", gin.WrapF(health.LivenessHandler))
	r.GET("/readyz", gin.WrapF(health.ReadinessHandler))

	return r
}
