package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/craftmarket/escrow-api/internal/auth"
	"github.com/craftmarket/escrow-api/internal/catalog"
	"github.com/craftmarket/escrow-api/internal/config"
	"github.com/craftmarket/escrow-api/internal/database"
	"github.com/craftmarket/escrow-api/internal/disputes"
	"github.com/craftmarket/escrow-api/internal/escrow"
	"github.com/craftmarket/escrow-api/internal/notify"
	"github.com/craftmarket/escrow-api/internal/orders"
	"github.com/craftmarket/escrow-api/internal/scheduler"
	"github.com/craftmarket/escrow-api/internal/wallet"
	"github.com/craftmarket/escrow-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENVIRONMENT") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the escrow API server with graceful shutdown
// support. It sets up all required services, database connections, the
// deadline scheduler, and API routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)

	notifier := notify.NewLogNotifier()

	walletService := wallet.NewService(db)
	walletHandlers := wallet.NewGinHandlers(walletService)

	escrowService := escrow.NewService(db, walletService.GetDB())

	catalogService := catalog.NewService(db)
	catalogHandlers := catalog.NewGinHandlers(catalogService)

	orderService := orders.NewService(db, escrowService, walletService.GetDB(), catalogService, notifier, orders.Config{
		PlatformUserID: cfg.PlatformUserID,
		FeeRate:        decimal.NewFromFloat(cfg.PlatformFeeRate),
		AcceptWindow:   cfg.AcceptWindow,
		GracePeriod:    cfg.EscrowGracePeriod,
	})
	orderHandlers := orders.NewGinHandlers(orderService)

	disputeService := disputes.NewService(db, orderService, notifier)
	disputeHandlers := disputes.NewGinHandlers(disputeService)

	// Create and start the deadline scheduler
	deadlineScheduler := scheduler.NewScheduler(orderService, disputeService, notifier, cfg.SweepInterval, cfg.ReminderWindow)
	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()

	go deadlineScheduler.Start(schedulerCtx)

	// Seed development credentials and catalog data
	if cfg.Environment != "production" {
		seedDevData(authService, walletService, catalogService, cfg)
	}

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, walletHandlers, catalogHandlers, orderHandlers, disputeHandlers)

	// Create server
	srv := &http.Server{
		Addr:    cfg.HTTP.Host + ":" + cfg.HTTP.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the scheduler before the HTTP server so no sweep races shutdown
	schedulerCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// seedDevData registers development credentials, funds the platform fee
// account, and lists a couple of services so the API is usable immediately.
func seedDevData(authService *auth.Service, walletService *wallet.Service, catalogService *catalog.Service, cfg *config.Config) {
	authService.RegisterAPICredentials("buyer-key", "buyer-secret", "user_buyer_1", auth.RoleBuyer)
	authService.RegisterAPICredentials("seller-key", "seller-secret", "user_seller_1", auth.RoleSeller)
	authService.RegisterAPICredentials("admin-key", "admin-secret", "user_admin_1", auth.RoleAdmin)

	if _, err := walletService.EnsureAccount(cfg.PlatformUserID); err != nil {
		zlog.Error().Err(err).Msg("Failed to create platform account")
	}

	listings, err := catalogService.ListActive()
	if err != nil || len(listings) > 0 {
		return
	}
	if _, err := catalogService.CreateListing("user_seller_1", "Logo design package", decimal.NewFromInt(500)); err != nil {
		zlog.Error().Err(err).Msg("Failed to seed catalog")
	}
	if _, err := catalogService.CreateListing("user_seller_1", "Brand identity refresh", decimal.NewFromInt(2000)); err != nil {
		zlog.Error().Err(err).Msg("Failed to seed catalog")
	}
}

// setupRoutes configures all API endpoints and their handlers.
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - User routes: Protected by JWT authentication
// - Admin routes: Protected by JWT authentication plus the admin role
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	walletHandlers *wallet.GinHandlers,
	catalogHandlers *catalog.GinHandlers,
	orderHandlers *orders.GinHandlers,
	disputeHandlers *disputes.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Authenticated routes
		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(jwtSecret))
		{
			accounts := protected.Group("/accounts")
			{
				accounts.GET("/me", walletHandlers.GetAccountHandler())
				accounts.GET("/me/ledger", walletHandlers.GetLedgerHandler())
				accounts.GET("/me/audit", walletHandlers.AuditHandler())
				accounts.POST("/me/deposit", walletHandlers.DepositHandler())
			}

			protected.GET("/services", catalogHandlers.ListServicesHandler())

			orderGroup := protected.Group("/orders")
			{
				orderGroup.POST("", orderHandlers.CreateOrderHandler())
				orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
				orderGroup.POST("/:order_id/accept", orderHandlers.AcceptOrderHandler())
				orderGroup.POST("/:order_id/deliver", orderHandlers.DeliverOrderHandler())
				orderGroup.POST("/:order_id/confirm", orderHandlers.ConfirmOrderHandler())
				orderGroup.POST("/:order_id/cancel", orderHandlers.CancelOrderHandler())
				orderGroup.GET("/:order_id/milestones", orderHandlers.ListMilestonesHandler())
				orderGroup.POST("/:order_id/disputes", disputeHandlers.OpenDisputeHandler())
				orderGroup.POST("/:order_id/revision-packages", orderHandlers.PurchaseRevisionPackageHandler())
			}

			milestoneGroup := protected.Group("/milestones")
			{
				milestoneGroup.POST("/:milestone_id/submit", orderHandlers.SubmitMilestoneHandler())
				milestoneGroup.POST("/:milestone_id/approve", orderHandlers.ApproveMilestoneHandler())
				milestoneGroup.POST("/:milestone_id/reject", orderHandlers.RejectMilestoneHandler())
			}

			// Admin routes
			admin := protected.Group("/admin")
			admin.Use(middleware.RequireRole(auth.RoleAdmin))
			{
				admin.GET("/disputes", disputeHandlers.ListOpenDisputesHandler())
				admin.POST("/disputes/:dispute_id/resolve", disputeHandlers.ResolveDisputeHandler())
				admin.POST("/disputes/:dispute_id/dismiss", disputeHandlers.DismissDisputeHandler())
			}
		}
	}
}
