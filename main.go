// main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/meridianlab/scenedex/dataset"
	"github.com/meridianlab/scenedex/index"
)

const appName = "scenedex"

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpAPIServer     *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))

	queriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scenedex_queries_total",
		Help: "Query requests by outcome.",
	}, []string{"status"})
	tilesIndexed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scenedex_tiles_indexed",
		Help: "Number of tiles in the spatiotemporal index.",
	})
	scanSkipped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scenedex_scan_skipped_files",
		Help: "Files skipped with warnings during the catalog scan.",
	})
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel          string   `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort          int      `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort        int      `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int      `env:"METRICS_PORT" envDefault:"8888"`
	DataRoot          string   `env:"DATA_ROOT" envDefault:"data"`
	Sensor            string   `env:"SENSOR" envDefault:"landsat8"`
	Bands             []string `env:"BANDS" envSeparator:","`
	TileSelection     string   `env:"TILE_SELECTION" envDefault:"first"`
	WorldWindows      bool     `env:"WORLD_WINDOWS" envDefault:"false"`
	CacheMaxSize      int64    `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32   `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	ds, err := setupDataset(cfg, logger)
	if err != nil {
		logger.Error("failed to build scene index, shutting down", "error", err)
		os.Exit(1)
	}
	tilesIndexed.Set(float64(ds.Count()))
	scanSkipped.Set(float64(len(ds.Warnings())))

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP Query API Server
	g.Go(func() error {
		return startAPIServer(logger, cfg, ds)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpAPIServer != nil {
		if err := httpAPIServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP API server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	reflection.Register(grpcHealthServer)

	healthServer.SetServingStatus(appName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics, queriesTotal, tilesIndexed, scanSkipped)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startAPIServer(logger *slog.Logger, cfg Config, ds *dataset.Dataset) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /query", queryHandler(ds))
	mux.HandleFunc("GET /bounds", boundsHandler(ds))

	httpAPIServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP API server listening", "address", addr)

	if err := httpAPIServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
	return nil
}

type boundsPayload struct {
	MinX float64 `json:"minx"`
	MaxX float64 `json:"maxx"`
	MinY float64 `json:"miny"`
	MaxY float64 `json:"maxy"`
	MinT float64 `json:"mint"`
	MaxT float64 `json:"maxt"`
}

func (p boundsPayload) box() index.BoundingBox {
	return index.BoundingBox{
		MinX: p.MinX, MaxX: p.MaxX,
		MinY: p.MinY, MaxY: p.MaxY,
		MinT: p.MinT, MaxT: p.MaxT,
	}
}

func payloadFor(b index.BoundingBox) boundsPayload {
	return boundsPayload{
		MinX: b.MinX, MaxX: b.MaxX,
		MinY: b.MinY, MaxY: b.MaxY,
		MinT: b.MinT, MaxT: b.MaxT,
	}
}

type queryResponse struct {
	Image      [][]int32     `json:"image"`
	Path       string        `json:"path"`
	Time       time.Time     `json:"time"`
	TileBounds boundsPayload `json:"tile_bounds"`
}

func queryHandler(ds *dataset.Dataset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req boundsPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			queriesTotal.WithLabelValues("bad_request").Inc()
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}

		sample, err := ds.Query(req.box())
		if err != nil {
			var oor *dataset.OutOfRangeError
			switch {
			case errors.As(err, &oor), errors.Is(err, dataset.ErrNoCoverage):
				queriesTotal.WithLabelValues("not_found").Inc()
				http.Error(w, err.Error(), http.StatusNotFound)
			default:
				queriesTotal.WithLabelValues("error").Inc()
				http.Error(w, fmt.Sprintf("Could not resolve query: %v", err), http.StatusInternalServerError)
			}
			return
		}

		queriesTotal.WithLabelValues("ok").Inc()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(queryResponse{
			Image:      sample.Image,
			Path:       sample.Path,
			Time:       sample.Time,
			TileBounds: payloadFor(sample.TileBounds),
		})
	}
}

func boundsHandler(ds *dataset.Dataset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"bounds": payloadFor(ds.Bounds()),
			"tiles":  ds.Count(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func setupDataset(cfg Config, logger *slog.Logger) (*dataset.Dataset, error) {
	logger.Info("building scene index", "root", cfg.DataRoot, "sensor", cfg.Sensor)

	opts := []dataset.Option{
		dataset.WithLogger(logger),
		dataset.WithRasterSource(dataset.FileSource{
			CacheMaxSize:      cfg.CacheMaxSize,
			CacheItemsToPrune: cfg.CacheItemsToPrune,
		}),
	}
	if len(cfg.Bands) > 0 {
		opts = append(opts, dataset.WithBands(cfg.Bands...))
	}
	switch cfg.TileSelection {
	case "first":
	case "nearest-time":
		opts = append(opts, dataset.WithSelectionPolicy(dataset.SelectNearestTime))
	default:
		return nil, fmt.Errorf("unknown tile selection policy %q", cfg.TileSelection)
	}
	if cfg.WorldWindows {
		opts = append(opts, dataset.WithWindowMode(dataset.WindowWorldSpace))
	}

	return dataset.Open(cfg.DataRoot, dataset.Sensor(cfg.Sensor), opts...)
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
