package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache results
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheRebuild = "rebuild" // incomplete entry found and destroyed
)

var (
	// Deploy metrics
	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_deploys_total",
			Help: "Total number of host deploys by result",
		},
		[]string{"result"},
	)

	DeployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_deploy_duration_seconds",
			Help:    "Host deploy duration in seconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_deploy_step_duration_seconds",
			Help:    "Deploy pipeline step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"step"},
	)

	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_rollbacks_total",
			Help: "Total number of jails destroyed by rollback",
		},
	)

	// Cache metrics
	ImageCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_image_cache_total",
			Help: "Image cache lookups by result",
		},
		[]string{"result"},
	)

	BaseCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_base_cache_total",
			Help: "Base system cache lookups by result",
		},
		[]string{"result"},
	)

	ImageBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_image_build_duration_seconds",
			Help:    "Image build duration in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_health_checks_total",
			Help: "Post-start health checks by type and result",
		},
		[]string{"type", "result"},
	)

	// Jail metrics
	JailsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_jails_created_total",
			Help: "Total number of jails created",
		},
	)

	JailsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jails_destroyed_total",
			Help: "Total number of jails destroyed by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(DeployDuration)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(ImageCacheTotal)
	prometheus.MustRegister(BaseCacheTotal)
	prometheus.MustRegister(ImageBuildDuration)
	prometheus.MustRegister(JailsCreated)
	prometheus.MustRegister(JailsDestroyed)
}

// WriteTextfile writes all registered metrics to path in the text exposition
// format, for node_exporter's textfile collector
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
