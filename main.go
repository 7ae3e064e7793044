package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crypto-dca-engine/config"
	"crypto-dca-engine/internal/consensus"
	"crypto-dca-engine/internal/engine"
	"crypto-dca-engine/internal/exchange"
	"crypto-dca-engine/internal/grid"
	"crypto-dca-engine/internal/notification"
	"crypto-dca-engine/internal/position"
	"crypto-dca-engine/internal/risk"
	"crypto-dca-engine/internal/sentiment"
	"crypto-dca-engine/internal/storage"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}
	setupLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadSecretsFromVault(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Vault secret loading failed")
	}

	log.Info().
		Strs("pairs", cfg.Engine.Pairs).
		Bool("paper_trading", cfg.Engine.PaperTrading).
		Bool("dual_consensus", cfg.Consensus.Validator.RequireDualConsensus).
		Msg("Starting DCA decision engine")

	// ===== EXCHANGE =====

	binanceClient := exchange.NewBinanceClient(cfg.Binance.APIKey, cfg.Binance.SecretKey, cfg.Binance.BaseURL)
	var executor position.OrderExecutor = binanceClient
	if cfg.Engine.PaperTrading {
		executor = exchange.NewPaperExecutor(binanceClient)
	}

	stream := exchange.NewPriceStream(cfg.Binance.StreamURL, cfg.Engine.Pairs)
	go stream.Run(ctx)

	// ===== STORAGE =====

	var posStore position.Store
	var recorder storage.DecisionRecorder = storage.NoopRecorder{}
	var restored []*position.DcaPosition

	switch strings.ToLower(cfg.Database.Backend) {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.Postgres)
		if err != nil {
			log.Fatal().Err(err).Msg("PostgreSQL connection failed")
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("Migrations failed")
		}
		if restored, err = pg.LoadOpenPositions(ctx); err != nil {
			log.Fatal().Err(err).Msg("Position recovery failed")
		}
		posStore = pg
		recorder = pg
	case "sqlite":
		rec, err := storage.NewSQLiteRecorder(cfg.Database.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("SQLite open failed")
		}
		defer rec.Close()
		recorder = rec
	case "none", "":
	default:
		log.Fatal().Str("backend", cfg.Database.Backend).Msg("Unknown database backend")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// ===== RISK =====

	guard := risk.NewEquityGuard(cfg.Risk.DailyLossLimitUSD, storage.NewRedisGuardStore(redisClient))
	if err := guard.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Equity guard state not restored")
	}
	riskManager, err := risk.NewManager(cfg.Risk, guard)
	if err != nil {
		log.Fatal().Err(err).Msg("Risk manager setup failed")
	}

	// ===== CONSENSUS =====

	agents := make([]consensus.Agent, 0, 2)
	if cfg.Consensus.AgentA.APIKey != "" {
		agents = append(agents, consensus.NewLLMAgent("agent-a", cfg.Consensus.AgentA))
	}
	if cfg.Consensus.AgentB.APIKey != "" {
		agents = append(agents, consensus.NewLLMAgent("agent-b", cfg.Consensus.AgentB))
	}
	if len(agents) == 0 {
		// No keys configured: wire both agents anyway so every round fails
		// closed on transport instead of silently skipping validation.
		agents = append(agents,
			consensus.NewLLMAgent("agent-a", cfg.Consensus.AgentA),
			consensus.NewLLMAgent("agent-b", cfg.Consensus.AgentB))
	}
	validator, err := consensus.NewValidator(cfg.Consensus.Validator, agents...)
	if err != nil {
		log.Fatal().Err(err).Msg("Consensus validator setup failed")
	}

	// ===== NOTIFICATIONS =====

	notifier := notification.NewManager()
	if cfg.Notification.Enabled {
		telegram, err := notification.NewTelegramNotifier(cfg.Notification.Telegram)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram notifier unavailable")
		} else {
			notifier.AddNotifier(telegram)
		}
		notifier.AddNotifier(notification.NewDiscordNotifier(cfg.Notification.Discord))
	}

	// ===== ENGINE =====

	planner := grid.NewPlanner(cfg.Grid, log.With().Str("component", "grid").Logger())
	controller := position.NewController(executor, posStore)
	gate := sentiment.NewFearGreedGate(cfg.Sentiment)

	exchangeName := "binance"
	if cfg.Engine.PaperTrading {
		exchangeName = "paper"
	}

	eng, err := engine.New(engine.Config{
		Pairs:            cfg.Engine.Pairs,
		Timeframe:        cfg.Engine.Timeframe,
		CandleCount:      cfg.Engine.CandleCount,
		DecisionCron:     cfg.Engine.DecisionCron,
		MaxOpenPositions: cfg.Engine.MaxOpenPositions,
		StaleTickMaxAge:  cfg.Engine.StaleTickMaxAge,
	}, engine.Deps{
		Data:         binanceClient,
		Prices:       stream,
		Planner:      planner,
		Risk:         riskManager,
		Guard:        guard,
		Validator:    validator,
		Sentiment:    gate,
		Controller:   controller,
		Recorder:     recorder,
		Notifier:     notifier,
		IndicatorCfg: cfg.Indicator,
		RiskCfg:      cfg.Risk,
		ExchangeName: exchangeName,
	}, restored)
	if err != nil {
		log.Fatal().Err(err).Msg("Engine setup failed")
	}

	if err := eng.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Engine exited with error")
	}
	log.Info().Msg("Shutdown complete")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if !cfg.JSONFormat {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
