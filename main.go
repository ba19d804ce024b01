package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/gateways"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/operators"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/config"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/config/db"
	redisclient "github.com/ayoubbenmbarek/maritime-reservation-backend/config/redis"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/controllers/booking_controller"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/controllers/payment_webhook_controller"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/controllers/search_controller"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/middlewares/cors"
	logger_middleware "github.com/ayoubbenmbarek/maritime-reservation-backend/middlewares/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/booking_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/compensation_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/hold_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/payment_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/payments"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/resilience"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/routes"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/saga"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/search"
)

func init() {
	logger.InitLoggers()
	config.LoadEnv()
}

func envRoutes(key string) []string {
	var out []string
	for _, r := range strings.Split(os.Getenv(key), ",") {
		if r = strings.TrimSpace(strings.ToUpper(r)); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		logger.WarnLogger.Warnf("Invalid %s, using %d", key, fallback)
	}
	return fallback
}

// buildOperators constructs every configured ferry operator adapter, each
// wrapped with its own resilience policy and breaker.
func buildOperators(registry *resilience.Registry) map[string]operators.Client {
	ops := make(map[string]operators.Client)

	if base := os.Getenv("CTN_BASE_URL"); base != "" {
		policy := resilience.DefaultPolicy()
		policy.QuotaPerMinute = envInt64("CTN_QUOTA_PER_MINUTE", 60)
		ctn := operators.NewCTNClient(base, os.Getenv("CTN_API_KEY"), envRoutes("CTN_ROUTES"))
		ops[ctn.Code()] = resilience.WrapOperator(ctn, policy, registry)
	}

	// GNV and Corsica Linea are both reached through the Lyko aggregator;
	// each gets its own adapter instance and breaker.
	if base := os.Getenv("LYKO_BASE_URL"); base != "" {
		apiKey := os.Getenv("LYKO_API_KEY")
		policy := resilience.DefaultPolicy()
		policy.QuotaPerMinute = envInt64("LYKO_QUOTA_PER_MINUTE", 120)

		gnv := operators.NewLykoClient("GNV", base, apiKey, envRoutes("GNV_ROUTES"))
		ops[gnv.Code()] = resilience.WrapOperator(gnv, policy, registry)

		corsica := operators.NewLykoClient("CORSICA", base, apiKey, envRoutes("CORSICA_ROUTES"))
		ops[corsica.Code()] = resilience.WrapOperator(corsica, policy, registry)
	}

	if len(ops) == 0 {
		logger.ErrorLogger.Error("No operators configured; set CTN_BASE_URL or LYKO_BASE_URL")
		os.Exit(1)
	}
	return ops
}

// buildGateways returns the payment gateways in failover order: first entry
// is the primary.
func buildGateways(registry *resilience.Registry) []gateways.Client {
	var gws []gateways.Client
	policy := resilience.DefaultPolicy()

	if key := os.Getenv("STRIPE_SECRET_KEY"); key != "" {
		// Empty STRIPE_BASE_URL lets the client fall back to the
		// versioned production endpoint.
		stripe := gateways.NewStripeClient(
			os.Getenv("STRIPE_BASE_URL"),
			key,
			os.Getenv("STRIPE_WEBHOOK_SECRET"),
		)
		gws = append(gws, resilience.WrapGateway(stripe, policy, registry))
	}

	if keyID := os.Getenv("RAZORPAY_KEY_ID"); keyID != "" {
		razorpay := gateways.NewRazorpayClient(
			keyID,
			os.Getenv("RAZORPAY_KEY_SECRET"),
			os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
		)
		gws = append(gws, resilience.WrapGateway(razorpay, policy, registry))
	}

	if len(gws) == 0 {
		logger.ErrorLogger.Error("No payment gateways configured; set STRIPE_SECRET_KEY or RAZORPAY_KEY_ID")
		os.Exit(1)
	}
	return gws
}

func main() {
	db.Connect()
	defer db.Close()

	redisClient, err := redisclient.GetRedisClient(context.Background())
	if err != nil {
		logger.ErrorLogger.Errorf("Redis connection error: %v", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	registry := resilience.NewRegistry()
	operatorClients := buildOperators(registry)
	gatewayClients := buildGateways(registry)

	bookingStore := booking_models.NewStore(db.DB)
	holdStore := hold_models.NewStore(db.DB)
	paymentStore := payment_models.NewStore(db.DB)
	compensationStore := compensation_models.NewStore(db.DB)

	orchestrator := payments.NewOrchestrator(gatewayClients, paymentStore)
	locker := saga.NewRedisLocker(redisClient, 0)
	coordinator := saga.NewCoordinator(bookingStore, holdStore, compensationStore,
		orchestrator, operatorClients, locker)

	operatorList := make([]operators.Client, 0, len(operatorClients))
	for _, op := range operatorClients {
		operatorList = append(operatorList, op)
	}
	aggregator := search.NewAggregator(operatorList, 0)

	gatewaysByName := make(map[string]gateways.Client, len(gatewayClients))
	for _, gw := range gatewayClients {
		gatewaysByName[gw.Name()] = gw
	}

	searchController := search_controller.NewSearchController(aggregator)
	bookingController := booking_controller.NewBookingController(coordinator, bookingStore)
	webhookController := payment_webhook_controller.NewWebhookController(gatewaysByName, orchestrator, coordinator)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.CorsMiddleware())
	r.Use(logger_middleware.RequestLogger())

	routes.RegisterSearchRoutes(r, searchController)
	routes.RegisterBookingRoutes(r, bookingController)
	routes.RegisterWebhookRoutes(r, webhookController)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":   "ok",
			"breakers": registry.States(),
		})
	})

	r.GET("/health/operators", func(c *gin.Context) {
		states := make(map[string]resilience.BreakerState)
		for target, state := range registry.States() {
			if code, ok := strings.CutPrefix(target, "operator:"); ok {
				states[code] = state
			}
		}
		c.JSON(200, gin.H{"operators": states})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		fmt.Printf("Booking API listening on :%s\n", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Server failed to listen: %v\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	fmt.Println("Shutting down booking API...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		fmt.Printf("Server forced to shutdown: %v\n", err)
	}

	fmt.Println("Booking API exited gracefully.")
}
