package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive is the number of live websocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "researcher_connections_active",
		Help: "Number of live websocket connections.",
	})

	// JobsRunning is the number of research jobs currently driving the engine.
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "researcher_jobs_running",
		Help: "Number of research jobs currently in flight.",
	})

	// JobsCompletedTotal counts jobs that reached the Completed state.
	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researcher_jobs_completed_total",
		Help: "Total research jobs completed successfully.",
	})

	// JobsFailedTotal counts jobs that reached the Failed state.
	JobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researcher_jobs_failed_total",
		Help: "Total research jobs that failed or were cancelled.",
	})

	// EventsDeliveredTotal counts progress/terminal frames enqueued to clients.
	EventsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researcher_events_delivered_total",
		Help: "Total event frames enqueued for delivery to subscribers.",
	})

	// EventsDroppedTotal counts frames dropped for gone or slow connections.
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researcher_events_dropped_total",
		Help: "Total event frames dropped because a connection was gone or slow.",
	})

	// PersistenceFailuresTotal counts vector store writes that failed.
	PersistenceFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researcher_persistence_failures_total",
		Help: "Total reports that could not be persisted to the vector store.",
	})
)

// Handler exposes the prometheus registry on a gin route.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
