package appstats

import (
	"net/http"
	"time"

	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "signaling",
		Name:      "in_requests",
		Help:      "Number of requests received by the signaling gateway",
	},
		[]string{
			"method",
		})

	InvalidRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "signaling",
		Name:      "invalid_requests",
		Help:      "Number of malformed or unknown requests",
	})

	Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "signaling",
		Name:      "error_responses",
		Help:      "Number of error responses sent to clients",
	},
		[]string{
			"method",
		})

	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "signaling",
		Name:      "sessions",
		Help:      "Current number of connected signaling sessions",
	})

	ActiveRecordings = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "recording",
		Name:      "active",
		Help:      "Current number of active recording sessions",
	})

	ReservedPorts = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "recording",
		Name:      "reserved_ports",
		Help:      "Current number of reserved recording ports",
	})

	WorkerCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "engine",
		Name:      "worker_crashes",
		Help:      "Number of media engine worker crashes",
	})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "signaling",
		Name:      "request_duration_ms",
		Help:      "Request handling duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	},
		[]string{
			"method",
		})
)

func RegisterMetrics() {
	prometheus.MustRegister(
		Requests,
		InvalidRequests,
		Errors,
		Sessions,
		ActiveRecordings,
		ReservedPorts,
		WorkerCrashes,
		RequestDuration,
	)
}

func ObserveRequestDuration(method string, d time.Duration) {
	RequestDuration.WithLabelValues(method).Observe(float64(d.Milliseconds()))
}

func ServePromMetrics(cfg config.Prometheus) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Infof("serving prometheus metrics at %s", cfg.ListenAddress)
		if err := http.ListenAndServe(cfg.ListenAddress, mux); err != nil {
			log.Errorf("prometheus listener failed: %s", err)
		}
	}()
}
