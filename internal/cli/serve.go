package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cgsbridge/internal/api"
	"cgsbridge/internal/auth"
	"cgsbridge/internal/config"
	"cgsbridge/internal/device"
	"cgsbridge/internal/events"
	"cgsbridge/internal/mqtt"
	"cgsbridge/internal/sink"
	"cgsbridge/internal/storage"
)

const (
	eventBufferSize = 500
	shutdownTimeout = 10 * time.Second
	mdnsService     = "_cgsbridge._tcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Run the bridge: connect to the MQTT broker, start a runner for every
registered device, publish Home Assistant discovery and serve the HTTP API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("configuration loaded", zap.Stringer("config", cfg), zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := mqtt.New(mqtt.Config{
		Broker:   cfg.MQTTBroker(),
		ClientID: cfg.MQTTClientID(),
		Username: cfg.MQTTUsername(),
		Password: cfg.MQTTPassword(),
		Prefix:   cfg.MQTTPrefix(),
		UseTLS:   cfg.MQTTUseTLS(),
	}, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	eventStore := events.NewStore(eventBufferSize)
	hub := api.NewHub(logger)
	defer hub.Close()

	ha := device.NewHomeAssistant(
		mqtt.NewDiscoveryManager(client, logger, store, cfg.HADiscoveryPrefix()),
		mqtt.NewPublisher(client, cfg.MQTTPrefix(), logger),
		logger,
	)
	observers := []device.Observer{ha, hub}

	if cfg.RedisAddr() != "" {
		stream := sink.NewRedisStream(sink.NewRedisClient(sink.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword(),
			DB:       cfg.RedisDB(),
		}), cfg.RedisStream(), 0, logger)
		if err := stream.Ping(ctx); err != nil {
			logger.Warn("redis not reachable, readings will be retried per update", zap.Error(err))
		}
		defer stream.Close()
		observers = append(observers, stream)
	}

	opts := device.DefaultOptions()
	opts.DevicePrefix = cfg.DevicePrefix()
	manager := device.NewManager(device.Dependencies{
		Store:         store,
		Transport:     client,
		HomeAssistant: ha,
		Observers:     observers,
		Events:        eventStore,
		Logger:        logger,
		Options:       opts,
	})
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	server := api.NewServer(api.Deps{
		Manager:       manager,
		Transport:     client,
		Authenticator: auth.NewPAMAuthenticator(""),
		JWT:           auth.NewJWTManager(cfg.JWTSecret(), cfg.JWTExpiration()),
		Events:        eventStore,
		Hub:           hub,
		Logger:        logger,
	}, api.Options{
		Version:         version,
		NoAuth:          cfg.NoAuth(),
		DiscoveryWindow: cfg.DiscoveryWindow(),
	})
	go server.RateLimiter().RunCleanup(time.Minute, ctx.Done())

	if cfg.MDNSEnabled() {
		mdns, err := advertise(cfg)
		if err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer mdns.Shutdown()
		}
	}

	if cfg.NoAuth() {
		logger.Warn("authentication is DISABLED")
	}
	return listen(ctx, cfg.Addr(), server.Router(), logger)
}

// listen serves until ctx is cancelled, then shuts down gracefully.
func listen(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// advertise registers the HTTP API with mDNS.
func advertise(cfg *config.Config) (*zeroconf.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "cgsbridge"
	}
	return zeroconf.Register("cgsbridge-"+host, mdnsService, "local.", cfg.Port(),
		[]string{"version=" + version, "path=/api"}, nil)
}
