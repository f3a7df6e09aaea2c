// ============================================================================
// Offload Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric families:
//
//   1. Counters
//      - offload_output_rows_total: rows emitted by offloaded operators
//      - offload_cache_lookups_total{result="hit|miss"}: device cache lookups
//      - offload_partitions_completed_total
//      - offload_partitions_failed_total
//
//   2. Histograms
//      - offload_kernel_latency_seconds: priming advance (every stage plus
//        the result download, uploads excluded)
//      - offload_partition_latency_seconds: whole partition task
//
//   3. Gauges
//      - offload_resident_buffers: buffers held by the device cache
//      - offload_device_bytes_in_use: emulated device memory in use
//
// Queries:
//
//   # cache hit ratio
//   rate(offload_cache_lookups_total{result="hit"}[5m])
//     / rate(offload_cache_lookups_total[5m])
//
//   # p95 kernel latency
//   histogram_quantile(0.95, offload_kernel_latency_seconds_bucket)
//
// Exposed at /metrics, default port 9090.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every offload metric.
type Collector struct {
	outputRows         prometheus.Counter
	cacheLookups       *prometheus.CounterVec
	partitionsComplete prometheus.Counter
	partitionsFailed   prometheus.Counter

	kernelLatency    prometheus.Histogram
	partitionLatency prometheus.Histogram
}

// NewCollector creates the collector and registers it on the default
// registerer.
func NewCollector() *Collector {
	c := &Collector{
		outputRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offload_output_rows_total",
			Help: "Total number of rows produced by offloaded operators",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offload_cache_lookups_total",
			Help: "Device cache lookups by result",
		}, []string{"result"}),
		partitionsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offload_partitions_completed_total",
			Help: "Total number of partition tasks completed",
		}),
		partitionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offload_partitions_failed_total",
			Help: "Total number of partition tasks failed",
		}),
		kernelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "offload_kernel_latency_seconds",
			Help:    "Kernel launch latency: every stage plus the result download",
			Buckets: prometheus.DefBuckets,
		}),
		partitionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "offload_partition_latency_seconds",
			Help:    "Partition task latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(c.outputRows)
	prometheus.MustRegister(c.cacheLookups)
	prometheus.MustRegister(c.partitionsComplete)
	prometheus.MustRegister(c.partitionsFailed)
	prometheus.MustRegister(c.kernelLatency)
	prometheus.MustRegister(c.partitionLatency)

	return c
}

// OutputRow counts one emitted row.
func (c *Collector) OutputRow() {
	c.outputRows.Inc()
}

// CacheLookup counts a device cache lookup.
func (c *Collector) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// KernelLatency observes one kernel launch.
func (c *Collector) KernelLatency(d time.Duration) {
	c.kernelLatency.Observe(d.Seconds())
}

// RecordPartitionCompleted counts a successful partition task.
func (c *Collector) RecordPartitionCompleted(d time.Duration) {
	c.partitionsComplete.Inc()
	c.partitionLatency.Observe(d.Seconds())
}

// RecordPartitionFailed counts a failed partition task.
func (c *Collector) RecordPartitionFailed() {
	c.partitionsFailed.Inc()
}

// Gauges backed by callbacks, read at scrape time.
type Gauges struct {
	ResidentBuffers func() float64
	DeviceBytes     func() float64
}

// WatchGauges registers the callback gauges. Nil callbacks are skipped.
func (c *Collector) WatchGauges(g Gauges) {
	if g.ResidentBuffers != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "offload_resident_buffers",
			Help: "Device buffers currently held by the device cache",
		}, g.ResidentBuffers))
	}
	if g.DeviceBytes != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "offload_device_bytes_in_use",
			Help: "Emulated device memory in use",
		}, g.DeviceBytes))
	}
}

// StartServer serves /metrics on port until ctx is done.
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
