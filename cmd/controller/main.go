// Command controller is the Controller Core driver binary: it wires the
// Priority Analyzer, Bounded Work Queue, Worker Pool Manager, Health
// Monitor, Stuck-Worker Handler, Checkpoint Store, and Metrics/Event Plane
// together, loads a sample dependency graph, and exposes /health and
// /metrics over HTTP.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/controller/internal/checkpoint"
	"github.com/swarmguard/controller/internal/graph"
	"github.com/swarmguard/controller/internal/health"
	"github.com/swarmguard/controller/internal/logging"
	"github.com/swarmguard/controller/internal/metrics"
	"github.com/swarmguard/controller/internal/metrics/natssink"
	"github.com/swarmguard/controller/internal/otelinit"
	"github.com/swarmguard/controller/internal/pool"
	"github.com/swarmguard/controller/internal/queue"
	"github.com/swarmguard/controller/internal/stuck"
)

const serviceName = "controller"

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, serviceName)
	meter := otel.GetMeterProvider().Meter(serviceName)

	registry := metrics.NewRegistry("controller")
	plane := metrics.NewPlane(slog.Default())
	items := newItemRegistry()

	q := queue.New(queue.DefaultConfig(), 128)

	checkpointDir := getenv("CONTROLLER_CHECKPOINT_DIR", "./data/checkpoints")
	cs, err := checkpoint.NewStore(checkpointDir, meter)
	if err != nil {
		slog.Error("checkpoint store init failed", "error", err)
		os.Exit(1)
	}

	ledgerPath := getenv("CONTROLLER_HEALTH_LEDGER_PATH", "./data/health.db")
	ledger, err := health.OpenLedger(ledgerPath)
	if err != nil {
		slog.Error("health ledger open failed", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	hmCfg := health.DefaultConfig()
	hmReassign := &poolReassignHandler{items: items}
	hmRestart := &poolRestartHandler{}
	hm := health.NewMonitor(hmCfg, ledger, hmReassign, hmRestart, 128)

	executor := newDemoExecutor()
	wpm, err := pool.New(q, executor, meter, 128)
	if err != nil {
		slog.Error("pool init failed", "error", err)
		os.Exit(1)
	}
	wpm.SetSinks(&heartbeatSink{hm: hm}, &checkpointSink{cs: cs})

	hmReassign.pool = wpm
	hmRestart.pool = wpm

	swhExtend := &deadlineExtender{plane: plane}
	swhReassign := &poolReassignHandler{pool: wpm, items: items}
	swhRestart := &poolRestartHandler{pool: wpm}
	swhCritical := &criticalHandler{plane: plane}
	swhPause := &pauseHandler{pool: wpm, plane: plane}
	swhCfg := stuck.Config{
		Thresholds:          stuck.Thresholds{WarningMs: 30_000, StuckMs: 90_000, CriticalMs: 180_000},
		DeadlineExtensionMs: 15_000,
		MaxRecoveryAttempts: 3,
		PauseOnCritical:     true,
	}
	swh := stuck.NewHandler(swhCfg, swhExtend, swhReassign, swhRestart, swhCritical, swhPause, 128)

	analyzer := graph.NewAnalyzer(meter, graph.DefaultScoreConfig())
	driver := newGraphDriver(analyzer, sampleGraph(), wpm, items)

	wpm.OnCompletion(func(ce pool.CompletionEvent) {
		items.delete(ce.ItemID)
		swh.Unbind(ce.WorkerID, ce.ItemID)
		switch ce.Outcome {
		case pool.OutcomeCompleted:
			registry.IncTaskCompleted(ce.WorkerID)
			driver.markCompleted(ce.ItemID)
			driver.submitReady(ctx)
		case pool.OutcomeFailed:
			registry.IncTaskFailed(ce.WorkerID)
		}
	})

	bridgeEvents(ctx, plane, q, wpm, hm, swh)
	stopRegistryRefresh := refreshRegistry(ctx, registry, q, wpm, time.Second)
	defer stopRegistryRefresh()
	stopHealthTicker := startTicker(ctx, time.Duration(hmCfg.HealthCheckIntervalMs)*time.Millisecond, hm.Tick)
	defer stopHealthTicker()

	driver.submitReady(ctx)
	wpm.Start(4)

	var nc *nats.Conn
	var sink *natssink.Sink
	if natsURL := os.Getenv("CONTROLLER_NATS_URL"); natsURL != "" {
		nc, err = nats.Connect(natsURL)
		if err != nil {
			slog.Warn("nats connect failed, continuing without event sink", "error", err)
		} else {
			var ch <-chan metrics.Event
			sink, ch = natssink.NewSink(nc, plane, "controller.events", 128, slog.Default())
			go sink.Run(ctx, ch)
		}
	}

	c := cron.New(cron.WithSeconds())
	cleanupExpr := getenv("CONTROLLER_CHECKPOINT_CLEANUP_CRON", "0 */5 * * * *")
	if _, err := c.AddFunc(cleanupExpr, func() {
		n, err := cs.CleanupOlderThan(24 * 60 * 60 * 1000)
		if err != nil {
			slog.Warn("checkpoint cleanup failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("checkpoint cleanup removed stale files", "count", n)
		}
	}); err != nil {
		slog.Warn("checkpoint cleanup cron registration failed", "error", err)
	}
	c.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry.Prometheus(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		snap, err := registry.JSONSnapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	addr := getenv("CONTROLLER_BIND_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("controller started", "addr", addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	c.Stop()
	wpm.Stop(pool.StopGraceful, 5*time.Second)
	if sink != nil {
		sink.Close()
	}
	if nc != nil {
		nc.Close()
	}
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
