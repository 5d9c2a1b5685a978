package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"crucible/internal/persistence/archive"
	"crucible/internal/persistence/indexdb"
	persistlog "crucible/internal/persistence/log"
	"crucible/internal/persistence/r2s3"
	"crucible/internal/sim/engine"
	"crucible/internal/sim/tuning"
	"crucible/internal/sim/worldstate"
	"crucible/internal/transport/httpapi"
	"crucible/internal/transport/ws"
)

// envConfig overrides flag defaults when the matching variable is set.
type envConfig struct {
	Addr        string `env:"CRUCIBLE_ADDR"`
	ConfigDir   string `env:"CRUCIBLE_CONFIGS"`
	DataDir     string `env:"CRUCIBLE_DATA"`
	EnableAdmin bool   `env:"CRUCIBLE_ENABLE_ADMIN_HTTP" envDefault:"true"`
	EnablePprof bool   `env:"CRUCIBLE_ENABLE_PPROF_HTTP" envDefault:"false"`

	// Offsite archive mirror. Enabled only when all four are set.
	R2Endpoint  string `env:"CRUCIBLE_R2_ENDPOINT"`
	R2Bucket    string `env:"CRUCIBLE_R2_BUCKET"`
	R2AccessKey string `env:"CRUCIBLE_R2_ACCESS_KEY_ID"`
	R2SecretKey string `env:"CRUCIBLE_R2_SECRET_ACCESS_KEY"`
	R2Prefix    string `env:"CRUCIBLE_R2_PREFIX"`
}

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		worldsPath = flag.String("worlds", "", "path to worlds.yaml (default: <configs>/worlds.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite read-model index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		logger.Fatalf("parse env: %v", err)
	}
	if ec.Addr != "" {
		*addr = ec.Addr
	}
	if ec.ConfigDir != "" {
		*configDir = ec.ConfigDir
	}
	if ec.DataDir != "" {
		*dataDir = ec.DataDir
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	wp := strings.TrimSpace(*worldsPath)
	if wp == "" {
		wp = filepath.Join(*configDir, "worlds.yaml")
	}
	worldCfg, err := worldstate.LoadConfig(wp)
	if err != nil {
		logger.Fatalf("load worlds config: %v", err)
	}
	store := worldstate.NewStore(worldCfg)

	_ = os.MkdirAll(*dataDir, 0o755)

	mgr := engine.NewManager(engine.Options{
		Tune:   tune,
		World:  store,
		Writer: store,
		Graph:  store,
		Gen:    worldstate.StaticGenerator{},
		Logger: logger,
	})

	battleLog := persistlog.NewBattleLogger(*dataDir)
	defer battleLog.Close()
	mgr.SetBattleLogger(battleLog)

	eventLog := persistlog.NewEventLogger(*dataDir)
	defer eventLog.Close()
	mgr.SetEventLogger(eventLog)

	archives := archive.NewStore(*dataDir)
	mgr.SetArchiver(archives)

	var mirror *r2s3.Mirror
	if ec.R2Endpoint != "" || ec.R2Bucket != "" || ec.R2AccessKey != "" || ec.R2SecretKey != "" {
		client, err := r2s3.NewClient(ec.R2Endpoint, ec.R2Bucket, ec.R2AccessKey, ec.R2SecretKey)
		if err != nil {
			logger.Fatalf("archive mirror: %v", err)
		}
		mirror = r2s3.NewMirror(client, *dataDir, ec.R2Prefix, 2, 1024, logger)
		defer mirror.Close()
		archives.SetOnArchive(func(paths ...string) {
			for _, p := range paths {
				mirror.Enqueue(p)
			}
		})
		logger.Printf("archive mirror enabled bucket=%s", ec.R2Bucket)
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
		mgr.SetIndexer(idx)
	} else {
		logger.Printf("sqlite index disabled (-disable_db)")
	}

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, mgr, idx, mirror)
	})

	httpapi.NewServer(mgr, logger).Register(mux)
	mux.HandleFunc("/v1/ws", ws.NewServer(mgr, logger).Handler())

	if ec.EnableAdmin {
		// Local-only operational endpoints.
		mux.HandleFunc("GET /admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(mgr.MetricsSnapshot())
		})
		mux.HandleFunc("GET /admin/v1/archives", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			metas, err := archives.List()
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"archives": metas})
		})
	} else {
		logger.Printf("admin endpoints disabled (CRUCIBLE_ENABLE_ADMIN_HTTP=false)")
	}
	if ec.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (%d simulations loaded)", *addr, len(worldCfg.Simulations))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func writeMetrics(rw http.ResponseWriter, mgr *engine.Manager, idx *indexdb.SQLiteIndex, mirror *r2s3.Mirror) {
	m := mgr.MetricsSnapshot()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP crucible_live_epochs Currently live (unarchived) epochs.\n")
	fmt.Fprintf(rw, "# TYPE crucible_live_epochs gauge\n")
	fmt.Fprintf(rw, "crucible_live_epochs %d\n", m.LiveEpochs)

	fmt.Fprintf(rw, "# HELP crucible_commands_total Commands processed.\n")
	fmt.Fprintf(rw, "# TYPE crucible_commands_total counter\n")
	fmt.Fprintf(rw, "crucible_commands_total %d\n", m.Commands)

	fmt.Fprintf(rw, "# HELP crucible_command_errors_total Commands that returned an error.\n")
	fmt.Fprintf(rw, "# TYPE crucible_command_errors_total counter\n")
	fmt.Fprintf(rw, "crucible_command_errors_total %d\n", m.CommandErrors)

	fmt.Fprintf(rw, "# HELP crucible_busy_total Commands rejected because the epoch lane was held.\n")
	fmt.Fprintf(rw, "# TYPE crucible_busy_total counter\n")
	fmt.Fprintf(rw, "crucible_busy_total %d\n", m.Busy)

	fmt.Fprintf(rw, "# HELP crucible_events_published_total Events fanned out to subscribers.\n")
	fmt.Fprintf(rw, "# TYPE crucible_events_published_total counter\n")
	fmt.Fprintf(rw, "crucible_events_published_total %d\n", m.EventsPublished)

	fmt.Fprintf(rw, "# HELP crucible_battle_entries_total Battle-log entries committed.\n")
	fmt.Fprintf(rw, "# TYPE crucible_battle_entries_total counter\n")
	fmt.Fprintf(rw, "crucible_battle_entries_total %d\n", m.BattleEntries)

	fmt.Fprintf(rw, "# HELP crucible_epochs_created_total Epochs created.\n")
	fmt.Fprintf(rw, "# TYPE crucible_epochs_created_total counter\n")
	fmt.Fprintf(rw, "crucible_epochs_created_total %d\n", m.EpochsCreated)

	fmt.Fprintf(rw, "# HELP crucible_epochs_archived_total Epochs archived after reaching a terminal phase.\n")
	fmt.Fprintf(rw, "# TYPE crucible_epochs_archived_total counter\n")
	fmt.Fprintf(rw, "crucible_epochs_archived_total %d\n", m.EpochsArchived)

	fmt.Fprintf(rw, "# HELP crucible_cycles_resolved_total Cycles resolved across all epochs.\n")
	fmt.Fprintf(rw, "# TYPE crucible_cycles_resolved_total counter\n")
	fmt.Fprintf(rw, "crucible_cycles_resolved_total %d\n", m.CyclesResolved)

	if idx != nil {
		fmt.Fprintf(rw, "# HELP crucible_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE crucible_index_dropped_total counter\n")
		fmt.Fprintf(rw, "crucible_index_dropped_total %d\n", idx.Dropped())
	}

	if mirror != nil {
		s := mirror.Stats()
		fmt.Fprintf(rw, "# HELP crucible_mirror_queue_depth Archive mirror queue depth.\n")
		fmt.Fprintf(rw, "# TYPE crucible_mirror_queue_depth gauge\n")
		fmt.Fprintf(rw, "crucible_mirror_queue_depth %d\n", s.QueueDepth)

		fmt.Fprintf(rw, "# HELP crucible_mirror_uploads_total Successful archive mirror uploads.\n")
		fmt.Fprintf(rw, "# TYPE crucible_mirror_uploads_total counter\n")
		fmt.Fprintf(rw, "crucible_mirror_uploads_total %d\n", s.Uploads)

		fmt.Fprintf(rw, "# HELP crucible_mirror_failures_total Archive mirror uploads that exhausted retries.\n")
		fmt.Fprintf(rw, "# TYPE crucible_mirror_failures_total counter\n")
		fmt.Fprintf(rw, "crucible_mirror_failures_total %d\n", s.Failures)

		fmt.Fprintf(rw, "# HELP crucible_mirror_dropped_total Archive files dropped because the mirror queue was full.\n")
		fmt.Fprintf(rw, "# TYPE crucible_mirror_dropped_total counter\n")
		fmt.Fprintf(rw, "crucible_mirror_dropped_total %d\n", s.Dropped)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
