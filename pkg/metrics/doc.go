/*
Package metrics defines the Prometheus metrics burrow records while it
deploys: host deploy results and durations, per-step pipeline durations,
base and image cache outcomes, and jail creation and destruction.

burrow is a command line tool, not a daemon, so nothing is scraped. Metrics
are registered with the default registry at package init and, when the
--metrics-file flag is set, written once at exit in the text exposition
format for node_exporter's textfile collector:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StepDuration, "image")

	metrics.ImageCacheTotal.WithLabelValues(metrics.CacheHit).Inc()

	if err := metrics.WriteTextfile("/var/lib/node_exporter/burrow.prom"); err != nil {
		return err
	}
*/
package metrics
