// Package telemetry exposes Prometheus metrics for the election protocol.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ElectionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "election",
		Name:      "started_total",
		Help:      "Candidacies initiated by this peer.",
	})
	ElectionsWon = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "election",
		Name:      "won_total",
		Help:      "Elections won by this peer.",
	})
	VotesGranted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "election",
		Name:      "votes_granted_total",
		Help:      "Vote requests this peer granted.",
	})
	VotesDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "election",
		Name:      "votes_denied_total",
		Help:      "Vote requests this peer denied.",
	})
	StepDowns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "tracker",
		Name:      "stepdowns_total",
		Help:      "Times this peer stepped down as tracker.",
	})
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "tracker",
		Name:      "heartbeats_sent_total",
		Help:      "Heartbeats delivered to other peers.",
	})
	HeartbeatSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "tracker",
		Name:      "heartbeat_send_failures_total",
		Help:      "Heartbeat deliveries that failed.",
	})
	CurrentEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flotilla",
		Subsystem: "peer",
		Name:      "known_tracker_epoch",
		Help:      "Highest tracker epoch this peer accepts.",
	})
	TrackerRole = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flotilla",
		Subsystem: "peer",
		Name:      "is_tracker",
		Help:      "1 while this peer is the tracker.",
	})
	IndexedFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flotilla",
		Subsystem: "tracker",
		Name:      "indexed_files",
		Help:      "Distinct filenames in the tracker index.",
	})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

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
