// Package metrics exposes Prometheus instrumentation for the control
// plane's background loops and HTTP surface.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry

	assignIterations   *prometheus.CounterVec
	assignDuration     *prometheus.HistogramVec
	jobsAssigned       prometheus.Counter
	leaseGrants        *prometheus.CounterVec
	leaseExpirations   prometheus.Counter
	archiveFiles       *prometheus.CounterVec
	archiveJobs        *prometheus.CounterVec
	eventsAppended     prometheus.Counter
	httpRequests       *prometheus.CounterVec
)

func init() {
	Reset()
}

// Reset rebuilds a fresh registry and metric set; used by tests that need
// isolation between cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()

	assignIterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildomat_assign_iterations_total",
		Help: "Number of assignment loop iterations, by outcome.",
	}, []string{"outcome"})

	assignDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buildomat_assign_iteration_seconds",
		Help:    "Duration of one assignment loop iteration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	jobsAssigned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildomat_jobs_assigned_total",
		Help: "Number of jobs assigned to a worker.",
	})

	leaseGrants = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildomat_lease_grants_total",
		Help: "Factory lease grant attempts, by outcome.",
	}, []string{"outcome"})

	leaseExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildomat_lease_expirations_total",
		Help: "Number of leases dropped for expiry.",
	})

	archiveFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildomat_archive_files_total",
		Help: "Output files migrated to blob storage, by outcome.",
	}, []string{"outcome"})

	archiveJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildomat_archive_jobs_total",
		Help: "Jobs migrated to the archive document store, by outcome.",
	}, []string{"outcome"})

	eventsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildomat_job_events_appended_total",
		Help: "Job events appended across all jobs.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildomat_http_requests_total",
		Help: "HTTP requests handled, by route and status class.",
	}, []string{"route", "status_class"})

	registry.MustRegister(
		assignIterations,
		assignDuration,
		jobsAssigned,
		leaseGrants,
		leaseExpirations,
		archiveFiles,
		archiveJobs,
		eventsAppended,
		httpRequests,
	)
}

// Registry returns the current Prometheus registry, for wiring into an
// HTTP handler via promhttp.HandlerFor.
func Registry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

func IncAssignIteration(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	assignIterations.WithLabelValues(outcome).Inc()
}

func ObserveAssignPhase(phase string, seconds float64) {
	mu.RLock()
	defer mu.RUnlock()
	assignDuration.WithLabelValues(phase).Observe(seconds)
}

func IncJobsAssigned() {
	mu.RLock()
	defer mu.RUnlock()
	jobsAssigned.Inc()
}

func IncLeaseGrant(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	leaseGrants.WithLabelValues(outcome).Inc()
}

func IncLeaseExpiration() {
	mu.RLock()
	defer mu.RUnlock()
	leaseExpirations.Inc()
}

func IncArchiveFile(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	archiveFiles.WithLabelValues(outcome).Inc()
}

func IncArchiveJob(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	archiveJobs.WithLabelValues(outcome).Inc()
}

func IncEventAppended() {
	mu.RLock()
	defer mu.RUnlock()
	eventsAppended.Inc()
}

func IncHTTPRequest(route, statusClass string) {
	mu.RLock()
	defer mu.RUnlock()
	httpRequests.WithLabelValues(route, statusClass).Inc()
}
