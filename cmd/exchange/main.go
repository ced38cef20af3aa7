package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/internal/config"
	"github.com/lumenex/exchange-core/internal/engine"
	"github.com/lumenex/exchange-core/internal/escrow"
	"github.com/lumenex/exchange-core/internal/events"
	"github.com/lumenex/exchange-core/internal/exchange"
	"github.com/lumenex/exchange-core/internal/payment"
	"github.com/lumenex/exchange-core/internal/settlement"
	"github.com/lumenex/exchange-core/internal/store"
	"github.com/lumenex/exchange-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feeCollector, err := cfg.FeeCollector()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(registry)

	ledger := escrow.NewLedger(log)

	memBus := events.NewInMemoryBus(log)
	var bus events.Bus = memBus
	var kafkaPub *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix, log)
		bus = events.TeeBus{memBus, kafkaPub}
	}

	db, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	store.NewRecorder(db, log).Attach(memBus)

	var verifier exchange.PaymentVerifier
	if cfg.ChainRPCURL != "" {
		paymentStore := payment.RecordStore(payment.NewMemoryStore())
		if cfg.RedisAddr != "" {
			paymentStore = payment.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		}
		verifier = payment.NewVerifier(payment.NewSolanaRPC(cfg.ChainRPCURL), paymentStore, log)
	}

	executor := settlement.NewExecutor(ledger, feeCollector, bus, log)
	var retry settlement.Enqueuer
	if len(cfg.KafkaBrokers) > 0 {
		queue := settlement.NewQueue(cfg.KafkaBrokers, cfg.SettlementRequestTopic, log)
		defer queue.Close()
		retry = queue
	}
	ex := exchange.New(ledger, executor, retry, verifier, bus, engine.Config{
		MakerFeeBps: cfg.MakerFeeBps,
		TakerFeeBps: cfg.TakerFeeBps,
	}, metrics, log)

	instruments, err := cfg.ParseInstruments()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	for _, inst := range instruments {
		ex.RegisterInstrument(inst)
		if err := db.SaveInstrument(ctx, &inst); err != nil {
			log.Error("save instrument", zap.String("symbol", inst.Symbol), zap.Error(err))
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		processor := settlement.NewProcessor(settlement.ProcessorConfig{
			Brokers:           cfg.KafkaBrokers,
			GroupID:           cfg.SettlementGroupID,
			RequestTopic:      cfg.SettlementRequestTopic,
			ConfirmationTopic: cfg.SettlementConfirmationTopic,
			MaxRetries:        cfg.SettlementMaxRetries,
			RetryBackoff:      cfg.SettlementRetryBackoff,
		}, executor, log)
		defer processor.Close()
		go func() {
			if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("settlement processor stopped", zap.Error(err))
			}
		}()
	}

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("exchange core started",
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.Int("kafka_brokers", len(cfg.KafkaBrokers)))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics shutdown", zap.Error(err))
	}
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			log.Error("kafka close", zap.Error(err))
		}
	}
}
