package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/relicdb/enginecore/core/index/bplustree"
	"github.com/relicdb/enginecore/core/storage/buffer"
	"github.com/relicdb/enginecore/core/storage/disk"
	"github.com/relicdb/enginecore/core/storage/replacer"
	"github.com/relicdb/enginecore/pkg/metrics"
)

func newBenchCmd() *cobra.Command {
	var (
		numKeys  int
		poolSize int
		dataFile string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Insert numKeys random keys into a scratch index and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(numKeys, poolSize, dataFile)
		},
	}
	cmd.Flags().IntVar(&numKeys, "keys", 100_000, "number of keys to insert")
	cmd.Flags().IntVar(&poolSize, "pool", 256, "buffer pool frame count")
	cmd.Flags().StringVar(&dataFile, "data", "", "data file path; empty runs against an in-memory filesystem")
	return cmd
}

func runBench(numKeys, poolSize int, dataFile string) error {
	fs := afero.NewMemMapFs()
	path := "/bench.db"
	if dataFile != "" {
		fs = afero.NewOsFs()
		path = dataFile
	}

	dm, err := disk.Open(fs, path, true)
	if err != nil {
		return fmt.Errorf("bench: open data file: %w", err)
	}
	defer dm.Close()

	reg := prometheus.NewRegistry()
	bufMetrics := metrics.NewBufferPool(reg)
	rep := replacer.New(poolSize, 2, nil)
	bpm := buffer.New(poolSize, dm, rep, 0, nil, bufMetrics)

	bt := bplustree.New[int64, int64](bpm, "bench-index", 64, 64, bplustree.DefaultComparator[int64](), bplustree.Int64Codec(), bplustree.Int64Codec(), nil)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	keys := rng.Perm(numKeys)

	start := time.Now()
	for _, k := range keys {
		key := int64(k)
		if err := bt.Insert(key, key*2); err != nil {
			return fmt.Errorf("bench: insert %d: %w", key, err)
		}
	}
	elapsed := time.Since(start)

	hits := testutil.ToFloat64(bufMetrics.Hits)
	misses := testutil.ToFloat64(bufMetrics.Misses)
	var hitRatio float64
	if total := hits + misses; total > 0 {
		hitRatio = hits / total
	}

	fmt.Printf("inserted %d keys in %s (%.0f ops/sec)\n", numKeys, elapsed, float64(numKeys)/elapsed.Seconds())
	fmt.Printf("buffer pool: %.0f hits, %.0f misses, hit ratio %.2f%%\n", hits, misses, hitRatio*100)
	return nil
}
