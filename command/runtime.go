package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shipchat/api"
	"shipchat/config"
	"shipchat/logger"
	"shipchat/metrics"
	"shipchat/network"
	"shipchat/session"
	"shipchat/storage"
)

const shutdownTimeout = 5 * time.Second

// runtime bundles everything a command needs to talk to the backend.
type runtime struct {
	cfg     *config.ClientConfig
	cfgPath string
	logger  *zap.Logger
	metrics *metrics.Metrics
	cache   *storage.Store
	session *session.Session

	metricsServer *http.Server
}

// loadConfig reads config.json and applies the persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.ClientConfig, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, cfgPath, nil
}

// openRuntime loads the configuration and starts a session for the
// configured user. Callers must Close the runtime.
func openRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, cfgPath: cfgPath, logger: log}

	reg := prometheus.NewRegistry()
	rt.metrics = metrics.New(reg)
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		if err := rt.serveMetrics(addr, reg); err != nil {
			rt.Close()
			return nil, err
		}
	}

	token := config.Token()
	client, err := api.NewHTTPClient(api.Options{
		BaseURL:           cfg.APIBaseURL,
		Token:             token,
		Timeout:           cfg.RequestTimeout(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.RequestBurst,
		Logger:            log.Named("api"),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	options := session.Options{
		UserID:         cfg.UserID,
		API:            client,
		Dialer:         newDialer(cfg, token, log.Named("push")),
		Logger:         log.Named("session"),
		Metrics:        rt.metrics,
		RequestTimeout: cfg.RequestTimeout(),
		AutoReconnect:  cfg.AutoReconnect,
	}

	if cfg.CacheEnabled {
		store, _, err := storage.Open(filepath.Join(filepath.Dir(cfgPath), "users", cfg.UserID))
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open cache: %w", err)
		}
		rt.cache = store
		options.Cache = store
	}

	sess, err := session.Init(ctx, options)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.session = sess
	return rt, nil
}

func newDialer(cfg *config.ClientConfig, token string, log *zap.Logger) network.Dialer {
	if cfg.PushTransport == config.PushTransportNATS {
		return network.NATSDialer{
			Servers: cfg.NATSServers,
			Name:    config.AppDirectoryName + "-" + cfg.DeviceID,
			Token:   token,
			Timeout: cfg.RequestTimeout(),
			Logger:  log,
		}
	}
	return network.WebSocketDialer{
		URL:    cfg.PushURL,
		Token:  token,
		Logger: log,
	}
}

func (rt *runtime) serveMetrics(addr string, reg *prometheus.Registry) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	rt.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := rt.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	rt.logger.Info("serving metrics", zap.String("addr", listener.Addr().String()))
	return nil
}

// Close tears the session down and releases the cache.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if rt.session != nil {
		if err := rt.session.Teardown(ctx); err != nil {
			rt.logger.Warn("session teardown incomplete", zap.Error(err))
		}
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			rt.logger.Warn("cache close error", zap.Error(err))
		}
	}
	if rt.metricsServer != nil {
		_ = rt.metricsServer.Shutdown(ctx)
	}
	_ = rt.logger.Sync()
}
