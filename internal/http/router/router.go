package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignatzorin/escrow-backend/internal/config"
	"github.com/ignatzorin/escrow-backend/internal/http/handlers"
	"github.com/ignatzorin/escrow-backend/internal/http/middleware"
	"github.com/ignatzorin/escrow-backend/internal/models"
	"github.com/ignatzorin/escrow-backend/internal/service"
)

func SetupRouter(
	cfg *config.Config,
	jobHandler *handlers.JobHandler,
	disputeHandler *handlers.DisputeHandler,
	evidenceHandler *handlers.EvidenceHandler,
	wsHandler *handlers.WSHandler,
	healthHandler *handlers.HealthHandler,
	tokenManager *service.TokenManager,
) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/healthz", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod))

	api.GET("/ws", wsHandler.Handle)

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(tokenManager))
	{
		protected.POST("/jobs", jobHandler.Create)
		protected.GET("/jobs/:id", jobHandler.Get)
		protected.GET("/jobs/:id/contract", jobHandler.GetContract)
		protected.PUT("/jobs/:id/terms", jobHandler.UpdateTerms)
		protected.POST("/jobs/:id/publish", jobHandler.Publish)
		protected.POST("/jobs/:id/assign", jobHandler.Assign)
		protected.POST("/jobs/:id/sign", jobHandler.Sign)
		protected.POST("/jobs/:id/submit", jobHandler.Submit)
		protected.POST("/jobs/:id/approve", jobHandler.Approve)
		protected.POST("/jobs/:id/revision", jobHandler.RequestRevision)
		protected.POST("/jobs/:id/cancel", jobHandler.Cancel)
		protected.GET("/jobs/:id/withdrawal-penalty", jobHandler.WithdrawalPenalty)
		protected.POST("/jobs/:id/withdraw", jobHandler.Withdraw)

		protected.POST("/jobs/:id/dispute", disputeHandler.Open)
		protected.GET("/disputes", disputeHandler.List)
		protected.GET("/disputes/:id", disputeHandler.Get)
		protected.POST("/disputes/:id/respond", disputeHandler.Respond)
		protected.POST("/disputes/:id/claim-timeout", disputeHandler.ClaimTimeout)
		protected.POST("/disputes/:id/claim-refund", disputeHandler.ClaimRefund)

		protected.POST("/evidence", evidenceHandler.Upload)

		admin := protected.Group("/")
		admin.Use(middleware.RequireRole(models.RoleAdmin))
		{
			admin.POST("/disputes/:id/start-voting", disputeHandler.StartVoting)
			admin.POST("/disputes/:id/vote", disputeHandler.Vote)
			admin.POST("/disputes/:id/resolve", disputeHandler.Resolve)
		}
	}

	return r
}
