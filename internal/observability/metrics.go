package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Ride requests accepted for dispatch"})
	RequestsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "requests_finished_total", Help: "Ride requests by terminal status"},
		[]string{"status"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Time from request creation to terminal status", Buckets: []float64{1, 5, 10, 15, 30, 45, 60, 90, 120, 180}})

	OffersSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Offers dispatched to drivers"})
	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_resolved_total", Help: "Offers by terminal status"},
		[]string{"status"},
	)
	CandidatesSkipped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "candidates_skipped_total", Help: "Candidates skipped because their status changed before dispatch"})
	AbsorbedRaces     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "absorbed_races_total", Help: "Stale signals resolved as no-ops"},
		[]string{"signal"},
	)

	OTPVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "otp_verifications_total", Help: "OTP verification attempts by result"},
		[]string{"result"},
	)
	RidesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_finished_total", Help: "Rides by terminal phase"},
		[]string{"phase"},
	)

	CadenceSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cadence_switches_total", Help: "Tracking profile switches by target phase"},
		[]string{"phase"},
	)
	LocationSamples = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples accepted"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	RoutingFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "routing_fallbacks_total", Help: "Routes answered by the straight-line estimate"})
	NotifyFailures   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Best-effort notification failures by sink"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
