package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/petalcrm/sundew/config"
	"github.com/petalcrm/sundew/internal/handlers"
	"github.com/petalcrm/sundew/pkg/connection"
	"github.com/petalcrm/sundew/pkg/crm"
	"github.com/petalcrm/sundew/pkg/database"
	"github.com/petalcrm/sundew/pkg/events"
	"github.com/petalcrm/sundew/pkg/gateway"
	"github.com/petalcrm/sundew/pkg/health"
	"github.com/petalcrm/sundew/pkg/httpclient"
	"github.com/petalcrm/sundew/pkg/ingest"
	"github.com/petalcrm/sundew/pkg/kafka"
	"github.com/petalcrm/sundew/pkg/logstream"
	"github.com/petalcrm/sundew/pkg/metrics"
	"github.com/petalcrm/sundew/pkg/middleware"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/reconcile"
	"github.com/petalcrm/sundew/pkg/redis"
	"github.com/petalcrm/sundew/pkg/repositories"
	"github.com/petalcrm/sundew/pkg/startup"
	"github.com/petalcrm/sundew/pkg/stream"
	"github.com/petalcrm/sundew/pkg/tracing"
	"github.com/petalcrm/sundew/pkg/tracing/exporters"
)

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger := newLogger(&cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var exporter sdktrace.SpanExporter = &exporters.ConsoleExporter{}
	if cfg.OTLPEnabled {
		var err error
		exporter, err = exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			logger.WithError(err).Error("failed to create trace exporter")
			os.Exit(1)
		}
	}
	shutdown := tracing.Init(cfg.AppName, exporter)
	defer shutdown(context.Background()) //nolint:errcheck

	var (
		db          database.DB
		redisClient *redis.Client
		producer    *kafka.Producer

		pipeline  *ingest.Pipeline
		connMgr   *connection.Manager
		streamMgr *stream.Manager
		checker   *health.Checker
		server    *http.Server
	)

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	boot.AddDependency(&startup.Func{
		Name: "database",
		StartFn: func(ctx context.Context) error {
			var err error
			db, err = database.Connect(ctx, database.Config{
				Driver:          cfg.DatabaseDriver,
				Host:            cfg.DatabaseHost,
				Port:            cfg.DatabasePort,
				User:            cfg.DatabaseUserName,
				Password:        cfg.DatabasePassword,
				Name:            cfg.DatabaseName,
				SSLMode:         cfg.DatabaseSSLMode,
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, logger)
			if err != nil {
				return err
			}

			migrations := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
				Force:               cfg.DatabaseMigrationForce,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			})
			return migrations.Migrate(cfg.DatabaseName, db)
		},
		StopFn: func(ctx context.Context) error {
			return db.Close()
		},
	})

	boot.AddDependency(&startup.Func{
		Name: "redis",
		StartFn: func(ctx context.Context) error {
			var err error
			redisClient, err = redis.NewClient(redis.Config{
				Host:     cfg.RedisHost,
				Port:     cfg.RedisPort,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, logger)
			return err
		},
		StopFn: func(ctx context.Context) error {
			return redisClient.Close()
		},
	})

	boot.AddDependency(&startup.Func{
		Name: "kafka",
		StartFn: func(ctx context.Context) error {
			producerCfg := kafka.DefaultProducerConfig()
			producerCfg.Brokers = cfg.KafkaBrokers
			producerCfg.Topic = cfg.KafkaEventTopic

			var err error
			producer, err = kafka.NewProducer(producerCfg, logger)
			return err
		},
		StopFn: func(ctx context.Context) error {
			return producer.Close()
		},
	})

	boot.AddDependency(&startup.Func{
		Name:  "api",
		Needs: []string{"database", "redis", "kafka"},
		StartFn: func(ctx context.Context) error {
			// Repositories
			channels := repositories.NewChannelRepository(db, logger)
			pairings := repositories.NewPairingSessionRepository(db, logger)
			inboundEvents := repositories.NewInboundEventRepository(db, logger)
			messages := repositories.NewMessageRepository(db, logger)
			contacts := repositories.NewContactRepository(db, logger)

			// Outbound clients
			gw := gateway.NewClient(gateway.Config{BaseURL: cfg.GatewayBaseURL},
				httpclient.NewClient(httpclient.DefaultConfig(), logger), logger)
			leads := crm.NewClient(crm.Config{BaseURL: cfg.CRMBaseURL, APIKey: cfg.CRMAPIKey},
				httpclient.NewClient(httpclient.DefaultConfig(), logger), logger)
			emitter := events.NewEmitter(producer, logger)

			// Ingestion
			streams := redis.NewStreams(redisClient, cfg.RedisEventFeedMaxLen)
			recorder := logstream.NewRecorder(inboundEvents, streams, logger)
			tailer := logstream.NewTailer(streams)
			engine := reconcile.NewEngine(contacts, leads, emitter, logger)
			pipeline = ingest.NewPipeline(
				ingest.NewNormalizer(logger),
				ingest.NewWriter(messages, logger),
				engine,
				emitter,
				cfg.PipelineQueueSize,
				logger,
			)
			if err := pipeline.Start(ctx); err != nil {
				return err
			}

			// Connection and stream managers
			locker := redis.NewLocker(redisClient, connection.LockKeyPrefix)
			connMgr = connection.NewManager(channels, pairings, gw, locker, connection.Config{
				PairingTTL:    cfg.PairingTTL,
				LockTTL:       cfg.ConnectLockTTL,
				PublicBaseURL: cfg.PublicBaseURL,
			}, logger)
			streamMgr = stream.NewManager(channels, gw, &stream.WebsocketDialer{},
				newStreamHandlers(channels, pairings, recorder, pipeline, logger),
				stream.Config{MaxAttempts: cfg.StreamMaxAttempts, Backoff: cfg.StreamBackoff},
				logger)

			connMgr.OnConnected(func(ctx context.Context, channel *models.Channel) {
				streamMgr.Start(channel)
			})
			connMgr.OnDisconnected(func(ctx context.Context, channel *models.Channel) {
				streamMgr.Stop(ctx, channel.ID)
			})

			if err := streamMgr.Resume(ctx); err != nil {
				return err
			}

			// HTTP server
			e := echo.New()
			e.HideBanner = true
			e.HTTPErrorHandler = middleware.Error(logger)
			e.Use(echomiddleware.Recover())
			e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
				AllowOrigins: cfg.AllowOrigins,
				AllowMethods: cfg.AllowMethods,
			}))
			e.Use(otelecho.Middleware(cfg.AppName))
			e.Use(middleware.Context())
			e.Use(middleware.Logger(logger))

			checker = health.NewChecker(db, redisClient.Redis(), cfg.Version)
			checker.RegisterRoutes(e)
			e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

			handlers.NewWebhookHandler(channels, recorder, pipeline, logger).RegisterRoutes(e.Group(""))

			api := e.Group("/api/v1")
			api.Use(middleware.Authentication(logger, cfg.AuthIssuerURL, cfg.AuthClientID))
			handlers.NewChannelHandler(channels, pairings, inboundEvents, connMgr, streamMgr).RegisterRoutes(api)
			handlers.NewEventHandler(inboundEvents, tailer).RegisterRoutes(api)
			handlers.NewContactHandler(contacts, engine).RegisterRoutes(api)

			server = &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Port),
				Handler:      e,
				ReadTimeout:  time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
				WriteTimeout: time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
				IdleTimeout:  time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
			}

			go func() {
				logger.Infof("%s listening on %s", cfg.AppName, server.Addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("http server stopped unexpectedly")
				}
			}()

			checker.SetReady(true)
			return nil
		},
		StopFn: func(ctx context.Context) error {
			checker.SetReady(false)

			if err := server.Shutdown(ctx); err != nil {
				logger.WithError(err).Warn("http server shutdown failed")
			}
			if err := streamMgr.StopAll(ctx); err != nil {
				logger.WithError(err).Warn("stream manager shutdown failed")
			}
			if err := connMgr.StopAll(ctx); err != nil {
				logger.WithError(err).Warn("connection manager shutdown failed")
			}
			return pipeline.Stop(ctx)
		},
	})

	if err := boot.Start(ctx); err != nil {
		logger.WithError(err).Error("startup failed")
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := boot.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}
}

// newStreamHandlers bridges live stream events into the same recording and
// ingestion paths webhook deliveries take
func newStreamHandlers(
	channels repositories.ChannelRepo,
	pairings repositories.PairingSessionRepo,
	recorder *logstream.Recorder,
	pipeline *ingest.Pipeline,
	logger ectologger.Logger,
) stream.Handlers {
	return stream.Handlers{
		OnOpen: func(ctx context.Context, channel *models.Channel, endpoint string) {
			preview := "stream connected: " + endpoint
			recorder.Record(ctx, &models.InboundEvent{
				TenantID:  channel.TenantID,
				ChannelID: &channel.ID,
				Source:    channel.Name,
				Transport: models.EventTransportStream,
				Status:    models.EventOK,
				Preview:   &preview,
			})
		},
		OnMessage: func(ctx context.Context, channel *models.Channel, payload map[string]any) {
			event := &models.InboundEvent{
				TenantID:    channel.TenantID,
				ChannelID:   &channel.ID,
				Source:      channel.Name,
				Transport:   models.EventTransportStream,
				Status:      models.EventOK,
				Payload:     database.NewJSONB(payload),
				PayloadKeys: database.NewJSONB(ingest.TopLevelKeys(payload)),
			}
			if raw, err := json.Marshal(payload); err == nil {
				event.Preview = logstream.Preview(raw)
			}
			recorder.Record(ctx, event)

			err := pipeline.Enqueue(ctx, ingest.Task{
				Channel:    channel,
				Payload:    payload,
				Transport:  models.EventTransportStream,
				ReceivedAt: time.Now().UTC(),
			})
			if err != nil {
				logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"channel_id": channel.ID,
				}).Error("failed to enqueue stream message")
			}
		},
		OnConnectionUpdate: func(ctx context.Context, channel *models.Channel, payload map[string]any) {
			status, ok := connectionState(payload)
			if !ok {
				return
			}
			if err := channels.UpdateStatus(ctx, channel.ID, status, nil); err != nil {
				logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"channel_id": channel.ID,
				}).Error("failed to update channel status from stream")
				return
			}
			metrics.ChannelStatusTransitionsTotal.WithLabelValues(string(status)).Inc()
		},
		OnQRCode: func(ctx context.Context, channel *models.Channel, payload map[string]any) {
			code, _ := payload["qrcode"].(string)
			if code == "" {
				code, _ = payload["code"].(string)
			}
			if code == "" {
				return
			}
			session := &models.PairingSession{
				TenantID:   channel.TenantID,
				ChannelID:  channel.ID,
				QRCode:     code,
				TTLSeconds: int(connection.DefaultPairingTTL.Seconds()),
			}
			if err := pairings.Create(ctx, session); err != nil {
				logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"channel_id": channel.ID,
				}).Error("failed to store pushed pairing code")
			}
		},
		OnUnavailable: func(ctx context.Context, channel *models.Channel, cause error) {
			// Only the stream path is down; the channel stays as it is and
			// keeps ingesting through the webhook.
			detail := "event stream unavailable: " + cause.Error()
			preview := "stream unavailable, continuing on webhook only"
			recorder.Record(ctx, &models.InboundEvent{
				TenantID:     channel.TenantID,
				ChannelID:    &channel.ID,
				Source:       channel.Name,
				Transport:    models.EventTransportStream,
				Status:       models.EventError,
				Preview:      &preview,
				ErrorMessage: &detail,
			})
			logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
				"channel_id": channel.ID,
			}).Warn("event stream unavailable, webhook ingestion unaffected")
		},
	}
}

// connectionState maps a gateway connection update payload to a channel
// status
func connectionState(payload map[string]any) (models.ChannelStatus, bool) {
	state, _ := payload["state"].(string)
	if state == "" {
		state, _ = payload["status"].(string)
	}

	switch state {
	case "open", "connected":
		return models.ChannelConnected, true
	case "connecting":
		return models.ChannelConnecting, true
	case "close", "closed", "disconnected":
		return models.ChannelDisconnected, true
	default:
		return "", false
	}
}

func newLogger(cfg *config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

