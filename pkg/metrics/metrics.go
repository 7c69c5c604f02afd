package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexustree_requests_total",
			Help: "Total number of store operations",
		},
		[]string{"method"},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexustree_cache_lookups_total",
			Help: "Cache tier lookups by result",
		},
		[]string{"tier", "result"},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexustree_cache_evictions_total",
			Help: "Entries discarded from a cache tier",
		},
		[]string{"tier"},
	)

	CacheResident = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexustree_cache_resident",
			Help: "Entries currently held by a cache tier",
		},
		[]string{"tier"},
	)

	Materializations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexustree_materializations_total",
			Help: "Ghost nodes bound to canonical content by a first owner",
		},
		[]string{"kind"},
	)

	SaviorFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexustree_savior_flushes_total",
			Help: "Write-back tasks executed",
		},
		[]string{"kind", "action"},
	)

	SaviorCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexustree_savior_coalesced_total",
			Help: "Write-back requests merged into an already pending task",
		},
	)

	SaviorErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexustree_savior_errors_total",
			Help: "Write-back tasks that failed",
		},
	)

	SaviorPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexustree_savior_pending",
			Help: "Write-back tasks waiting to be flushed",
		},
	)
)

var once sync.Once

// Init 注册所有指标, 可重复调用.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			CacheLookups,
			CacheEvictions,
			CacheResident,
			Materializations,
			SaviorFlushes,
			SaviorCoalesced,
			SaviorErrors,
			SaviorPending,
		)
	})
}
