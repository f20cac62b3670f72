package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/berfenger/powershades2mqtt/internal/adapter/actor"
	"github.com/berfenger/powershades2mqtt/internal/config"
	"github.com/berfenger/powershades2mqtt/internal/core/actor"
	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/internal/core/service"
	"github.com/berfenger/powershades2mqtt/internal/metrics"
	"github.com/berfenger/powershades2mqtt/internal/server"
	"github.com/berfenger/powershades2mqtt/internal/util/actorutil"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	defer logger.Sync()

	m := metrics.Default()

	// UDP transport shared by every session
	transport, err := powershades.NewUDPTransport(powershades.Config{
		BindAddress: cfg.Transport.BindAddress,
		RecentTTL:   cfg.Transport.RecentTTL(),
		Instrument:  []powershades.Instrument{m.Instrument()},
	}, logger)
	if err != nil {
		panic(fmt.Sprintf("transport error: %s", err))
	}

	poller := service.NewPoller(ctx, cfg.Poll.Interval(), cfg.Poll.UnknownInterval(), logger)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	poller.Start(runCtx)

	es := &eventstream.EventStream{}
	shades := service.NewShadeService(ctx, transport, es, poller, shadeServiceConfig(cfg), logger)
	unsubscribe := shades.Subscribe(m.RecordEvent)

	devices, err := cfg.Shades()
	if err != nil {
		panic(err)
	}
	for _, shade := range devices {
		if err := shades.AddDevice(shade); err != nil {
			logger.Error("could not add device", zap.String("id", shade.Id), zap.Error(err))
		}
	}

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(*cfg, shades, es, mqttActorProvider(cfg, logger), logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		return
	}

	// devices found at startup are announced through the event stream
	if cfg.Discovery.Enable {
		go func() {
			dctx, cancel := context.WithTimeout(runCtx, cfg.Discovery.Timeout()+5*time.Second)
			defer cancel()
			found, err := shades.Discover(dctx, true)
			if err != nil {
				logger.Warn("startup discovery failed", zap.Error(err))
				return
			}
			logger.Info("startup discovery done", zap.Int("controllers", len(found)))
		}()
	}

	server := server.NewServer(*cfg, ctx, pid, shades, logger)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	cancelRun()
	unsubscribe()
	_ = ctx.StopFuture(pid).Wait()
	shades.Close()
	poller.Stop()
	if err := transport.Close(); err != nil {
		logger.Warn("transport close", zap.Error(err))
	}
	as.Shutdown()
}

func initConfig() (*config.Config, error) {

	// alias PORT => POWERSHADES_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("POWERSHADES_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("powershades")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func shadeServiceConfig(cfg *config.Config) service.ShadeServiceConfig {
	return service.ShadeServiceConfig{
		Presets: cfg.Presets,
		Session: actor.SessionOptions{
			PollInterval:    cfg.Poll.Interval(),
			UnknownInterval: cfg.Poll.UnknownInterval(),
			RefreshOnStart:  true,
		},
		Discovery: powershades.DiscoverOptions{
			BroadcastAddress: cfg.Discovery.BroadcastAddress,
			Window:           cfg.Discovery.Timeout(),
			NameTimeout:      cfg.Transport.Options().Timeout,
			NameAttempts:     cfg.Transport.Options().Retries + 1,
		},
		Defaults: cfg.Transport.Options(),
	}
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func(es *eventstream.EventStream) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, es, logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("port", 8080)
	viper.SetDefault("transport.bind_address", "")
	viper.SetDefault("transport.timeout_millis", 1000)
	viper.SetDefault("transport.retries", 3)
	viper.SetDefault("transport.recent_token_ttl_millis", 5000)
	viper.SetDefault("poll.interval_millis", 10000)
	viper.SetDefault("poll.unknown_interval_millis", 5000)
	viper.SetDefault("discovery.enable", false)
	viper.SetDefault("discovery.timeout_millis", 5000)
	viper.SetDefault("discovery.broadcast_address", "255.255.255.255:42")
	viper.SetDefault("mqtt.enable", false)
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.base_topic", "powershades")
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
