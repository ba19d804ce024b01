package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/gateways"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/operators"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/config"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/config/db"
	redisclient "github.com/ayoubbenmbarek/maritime-reservation-backend/config/redis"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/booking_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/compensation_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/hold_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/models/payment_models"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/payments"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/reconciliation"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/resilience"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/saga"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/utils/mail"
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

// The reconciler builds the same wrapped clients as the API server but with
// its own breakers; a breaker tripped by API traffic says nothing about this
// process's view of the target.
func buildOperators(registry *resilience.Registry) map[string]operators.Client {
	ops := make(map[string]operators.Client)
	policy := resilience.DefaultPolicy()

	if base := os.Getenv("CTN_BASE_URL"); base != "" {
		ctn := operators.NewCTNClient(base, os.Getenv("CTN_API_KEY"), envRoutes("CTN_ROUTES"))
		ops[ctn.Code()] = resilience.WrapOperator(ctn, policy, registry)
	}
	if base := os.Getenv("LYKO_BASE_URL"); base != "" {
		apiKey := os.Getenv("LYKO_API_KEY")
		gnv := operators.NewLykoClient("GNV", base, apiKey, envRoutes("GNV_ROUTES"))
		ops[gnv.Code()] = resilience.WrapOperator(gnv, policy, registry)
		corsica := operators.NewLykoClient("CORSICA", base, apiKey, envRoutes("CORSICA_ROUTES"))
		ops[corsica.Code()] = resilience.WrapOperator(corsica, policy, registry)
	}
	return ops
}

func buildGateways(registry *resilience.Registry) []gateways.Client {
	var gws []gateways.Client
	policy := resilience.DefaultPolicy()

	if key := os.Getenv("STRIPE_SECRET_KEY"); key != "" {
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

	interval := 2 * time.Minute
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.ErrorLogger.Errorf("Invalid RECONCILE_INTERVAL %q: %v", v, err)
			os.Exit(1)
		}
		interval = d
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

	engine := reconciliation.NewEngine(bookingStore, holdStore, compensationStore,
		orchestrator, operatorClients, coordinator, locker, mail.NewSender())

	logger.InfoLogger.Infof("Reconciler started, sweeping every %v", interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := engine.RunOnce(ctx)
		if err != nil {
			logger.ErrorLogger.Errorf("Reconciliation sweep failed: %v", err)
		} else {
			logger.InfoLogger.Infof("Reconciliation sweep: scanned=%d resolved=%d skipped=%d escalated=%d",
				report.Scanned, report.Resolved, report.Skipped, report.Escalated)
		}

		select {
		case <-ctx.Done():
			logger.InfoLogger.Info("Reconciler shutting down.")
			return
		case <-ticker.C:
		}
	}
}
