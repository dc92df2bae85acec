package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	mfhttp "github.com/tanq16/modelfetch/internal/downloaders/http"
)

const namespace = "modelfetch"

// Collector records engine telemetry as Prometheus metrics.
type Collector struct {
	chunks      *prometheus.CounterVec
	bytes       prometheus.Counter
	concurrency prometheus.Gauge
	backoff     prometheus.Histogram
	downgrades  prometheus.Counter
}

var _ mfhttp.Telemetry = (*Collector)(nil)

func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_attempts_total",
			Help:      "Chunk request outcomes by result.",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Bytes in completed chunks.",
		}),
		concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_limit",
			Help:      "Most recent adaptive concurrency limit.",
		}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_extension_seconds",
			Help:      "Extensions of the shared network backoff window.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		downgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_downgrades_total",
			Help:      "Transfers switched to a single stream after the server ignored ranges.",
		}),
	}
	for _, collector := range []prometheus.Collector{c.chunks, c.bytes, c.concurrency, c.backoff, c.downgrades} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ChunkCompleted(size int64) {
	c.chunks.WithLabelValues("completed").Inc()
	c.bytes.Add(float64(size))
}

func (c *Collector) ChunkFailed(class mfhttp.FailureClass) {
	c.chunks.WithLabelValues(class.String()).Inc()
}

func (c *Collector) ConcurrencyChanged(limit int)    { c.concurrency.Set(float64(limit)) }
func (c *Collector) BackoffExtended(d time.Duration) { c.backoff.Observe(d.Seconds()) }
func (c *Collector) Downgraded()                     { c.downgrades.Inc() }

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	})
	defer stop()
	log.Info().Str("op", "metrics/metrics").Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
