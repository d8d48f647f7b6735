package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the handler's Prometheus collectors. A nil *metrics
// disables collection.
type metrics struct {
	requests *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docstore",
			Name:      "requests_total",
			Help:      "Documentation requests by handler and response code.",
		}, []string{"handler", "code"}),
	}
	reg.MustRegister(m.requests)
	return m
}

func (m *metrics) observe(handler string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(handler, strconv.Itoa(code)).Inc()
}

// statusRecorder captures the response code written by a handler so it can
// be attached to the request counter.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}
