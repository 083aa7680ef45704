package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/relicdb/enginecore/core/concurrency/lockmanager"
	"github.com/relicdb/enginecore/core/storage/buffer"
	"github.com/relicdb/enginecore/core/storage/disk"
	"github.com/relicdb/enginecore/core/storage/page"
	"github.com/relicdb/enginecore/core/storage/replacer"
	"github.com/relicdb/enginecore/core/txn"
	"github.com/relicdb/enginecore/internal/config"
	"github.com/relicdb/enginecore/pkg/logger"
	"github.com/relicdb/enginecore/pkg/metrics"
)

// txnTable is the Lookup the lock manager needs: a registry of live
// transactions a caller can register, keyed by id. Serve wires a bare one
// since no executor or session layer owns transaction lifecycle here.
type txnTable struct {
	mu sync.RWMutex
	m  map[txn.ID]*txn.Transaction
}

func newTxnTable() *txnTable { return &txnTable{m: make(map[txn.ID]*txn.Transaction)} }

func (r *txnTable) register(t *txn.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t.ID()] = t
}

func (r *txnTable) lookup(id txn.ID) *txn.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[id]
}

func newServeCmd(envPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: buffer pool, lock manager, and a /metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*envPath)
		},
	}
}

func runServe(envPath string) error {
	cfg, err := config.Load(envPath)
	if err != nil {
		return err
	}
	if cfg.PageSize != page.Size {
		return fmt.Errorf("serve: configured page size %d does not match compiled page.Size %d", cfg.PageSize, page.Size)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	dm, err := disk.Open(afero.NewOsFs(), cfg.DataFile, true)
	if err != nil {
		return fmt.Errorf("serve: open data file: %w", err)
	}
	defer dm.Close()

	reg := prometheus.NewRegistry()
	bufMetrics := metrics.NewBufferPool(reg)
	lockMetrics := metrics.NewLockManager(reg)

	rep := replacer.New(cfg.PoolSize, cfg.ReplacerK, sugar)
	bpm := buffer.New(cfg.PoolSize, dm, rep, cfg.FlushBytesPerSec, sugar, bufMetrics)

	txns := newTxnTable()
	lm := lockmanager.New(txns.lookup, time.Duration(cfg.DeadlockIntervalMS)*time.Millisecond, sugar, lockMetrics)
	lm.Start()
	defer lm.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		sugar.Infow("serving metrics", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("metrics server exited", "error", err)
		}
	}()

	sugar.Infow("engine started", "data_file", cfg.DataFile, "pool_size", cfg.PoolSize)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sugar.Info("shutting down")
	if err := srv.Close(); err != nil {
		sugar.Warnw("metrics server close", "error", err)
	}
	if err := bpm.FlushAllPages(); err != nil {
		sugar.Errorw("flush on shutdown", "error", err)
	}
	return nil
}
