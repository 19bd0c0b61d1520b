/*
Package monitoring provides Prometheus metrics for termhub.

Each server owns its own registry, so several servers (or tests) can run in
one process without duplicate registration panics.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	timer := monitoring.NewTimer(metrics, "create")
	err := doCreate()
	timer.StopErr(err)
*/
package monitoring
