package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gridforge/swarm/coord"
	"github.com/gridforge/swarm/dbopen"
	"github.com/gridforge/swarm/mcpquic"
	"github.com/gridforge/swarm/observability"
	"github.com/gridforge/swarm/shield"
)

func main() {
	cfgPath := "swarm.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := coord.LoadConfig(cfgPath)
	if err != nil {
		slog.Error("config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability DB is separate from the queue DB to keep event and
	// metric writes off the lease path.
	obsDBPath := filepath.Join(filepath.Dir(cfg.DBPath), "observability.db")
	obsDB, err := dbopen.Open(obsDBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability schema", "error", err)
		os.Exit(1)
	}
	if err := shield.Init(obsDB); err != nil {
		slog.Error("shield schema", "error", err)
		os.Exit(1)
	}

	events := observability.NewEventLogger(obsDB)
	metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
	defer metrics.Close()

	heartbeat := observability.NewHeartbeatWriter(obsDB, "swarmd", 15*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	c, err := coord.Open(cfg,
		coord.WithLogger(logger),
		coord.WithEventLogger(events),
	)
	if err != nil {
		slog.Error("coordinator", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	// Repair sweep in the background.
	go c.Run(ctx)
	go sampleMetrics(ctx, c, metrics)

	// Optional MCP ops surface. The HTTP server keeps running alongside
	// either transport.
	switch os.Getenv("MCP_TRANSPORT") {
	case "stdio":
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "swarmd",
			Version: "1.0.0",
		}, nil)
		registerMCP(mcpSrv, c)
		go func() {
			transport := &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout}
			if err := mcpSrv.Run(ctx, transport); err != nil && ctx.Err() == nil {
				slog.Error("mcp server", "error", err)
			}
		}()
	case "quic":
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "swarmd",
			Version: "1.0.0",
		}, nil)
		registerMCP(mcpSrv, c)

		quicAddr := envDefault("MCP_QUIC_ADDR", ":9444")
		certFile := os.Getenv("TLS_CERT")
		keyFile := os.Getenv("TLS_KEY")

		var tlsCfg *tls.Config
		if certFile != "" && keyFile != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(certFile, keyFile)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			slog.Error("mcp quic tls", "error", err)
		} else {
			ql, qErr := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				slog.Error("mcp quic listener", "error", qErr)
			} else {
				go func() {
					slog.Info("mcp quic starting", "addr", quicAddr)
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						slog.Error("mcp quic", "error", sErr)
					}
				}()
			}
		}
	}

	limiter := shield.NewRateLimiter(obsDB, "/healthz")
	go limiter.StartReloader(ctx.Done())

	r := chi.NewRouter()
	r.Use(shield.TraceID)
	r.Use(shield.SecurityHeaders())
	r.Use(shield.MaxJSONBody(1 << 20))
	r.Use(limiter.Middleware)
	mountRoutes(r, c, metrics)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("swarmd listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("serve", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("stopped")
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// sampleMetrics records queue gauges on a fixed cadence.
func sampleMetrics(ctx context.Context, c *coord.Coordinator, metrics *observability.MetricsManager) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, leases, err := c.QueueDepth(ctx)
			if err != nil {
				continue
			}
			metrics.RecordSimple(observability.MetricQueueDepth, float64(depth), "slots")
			metrics.RecordSimple(observability.MetricLeasesActive, float64(leases), "slots")
		}
	}
}
