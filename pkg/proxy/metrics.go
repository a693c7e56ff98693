package proxy

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_forwarded_responses_total",
		Help: "Upstream responses by the status the gateway returned",
	}, []string{"status"})
)

func outcomeLabel(env *Envelope) string {
	return strconv.Itoa(env.Status)
}
