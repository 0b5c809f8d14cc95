package metrics

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
	// ClaimsTotal counts claim attempts by result (ok, not_found, invalid_state, busy, error)
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathletics_claims_total",
			Help: "Total number of question claims",
		},
		[]string{"result"},
	)

	// AnswersTotal counts answer submissions by result (correct, incorrect, ignored, error)
	AnswersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mathletics_answers_total",
			Help: "Total number of answer submissions",
		},
		[]string{"result"},
	)

	ForfeitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mathletics_forfeits_total",
			Help: "Total number of forfeited questions",
		},
	)

	PointsAwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mathletics_points_awarded_total",
			Help: "Total points credited to teams",
		},
	)

	OpenClaims = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mathletics_open_claims",
			Help: "Number of claims currently open",
		},
	)

	// LedgerOperationDuration measures ledger operation duration
	LedgerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mathletics_ledger_operation_duration_seconds",
			Help:    "Ledger operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// RecordLedgerOperation records the duration of a ledger operation
func RecordLedgerOperation(operation string, startTime time.Time) {
	LedgerOperationDuration.WithLabelValues(operation).Observe(time.Since(startTime).Seconds())
}

func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
