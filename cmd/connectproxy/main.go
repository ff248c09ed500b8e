// Command connectproxy runs an HTTPS CONNECT proxy restricted to a
// whitelist of target hosts.
//
//	connectproxy --port 8443 example.com localhost
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Windscribe/connectproxy"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand(run).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(run func(context.Context, config) error) *cobra.Command {
	var (
		configFile string
		flags      = defaultConfig()
	)

	cmd := &cobra.Command{
		Use:   "connectproxy [flags] [host...]",
		Short: "HTTPS CONNECT proxy for a whitelist of hosts",
		Long: "connectproxy accepts TLS connections, reads one CONNECT request per " +
			"connection and tunnels it to the requested host if the host is whitelisted. " +
			"Hosts given as arguments replace the whitelist.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			cfg = overlayFlags(cmd, cfg, flags, args)
			if err := cfg.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML config file")
	f.IntVar(&flags.Port, "port", flags.Port, "port to listen on")
	f.StringVar(&flags.CertFile, "cert", "", "PEM certificate chain presented to clients (default self-signed)")
	f.StringVar(&flags.KeyFile, "key", "", "PEM private key for --cert")
	f.DurationVar(&flags.CertRefresh, "cert-refresh", 0, "reload the certificate this often (0 never)")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&flags.DNSServer, "dns-server", "", "resolve targets with this DNS server instead of the system resolver")
	f.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "debug, info, warn or error")
	f.IntVar(&flags.Workers, "workers", flags.Workers, "number of event loops")
	f.DurationVar(&flags.ConnectTimeout, "connect-timeout", flags.ConnectTimeout, "timeout for connecting to a target")
	f.DurationVar(&flags.HandshakeTimeout, "handshake-timeout", flags.HandshakeTimeout, "timeout for the client TLS handshake")
	return cmd
}

// overlayFlags applies flags the user set explicitly on top of cfg.
func overlayFlags(cmd *cobra.Command, cfg, flags config, hosts []string) config {
	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Port = flags.Port
	}
	if changed("cert") {
		cfg.CertFile = flags.CertFile
	}
	if changed("key") {
		cfg.KeyFile = flags.KeyFile
	}
	if changed("cert-refresh") {
		cfg.CertRefresh = flags.CertRefresh
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if changed("dns-server") {
		cfg.DNSServer = flags.DNSServer
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if changed("workers") {
		cfg.Workers = flags.Workers
	}
	if changed("connect-timeout") {
		cfg.ConnectTimeout = flags.ConnectTimeout
	}
	if changed("handshake-timeout") {
		cfg.HandshakeTimeout = flags.HandshakeTimeout
	}
	if len(hosts) > 0 {
		cfg.Whitelist = hosts
	}
	return cfg
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(ctx context.Context, cfg config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := cfg.options().
		WithLogger(logger).
		WithMetrics(connectproxy.NewMetrics(reg))
	srv, err := connectproxy.NewServer(opts)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	g.Go(func() error {
		if err := srv.ListenAndServe(addr); !errors.Is(err, connectproxy.ErrServerClosed) {
			return err
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.Named("metrics")),
		}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(sctx)
		}
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("proxy stopped", zap.Error(err))
	return err
}
