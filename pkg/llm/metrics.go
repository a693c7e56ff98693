package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	completionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_completion_attempts_total",
		Help: "Chat-completion attempts by model and outcome",
	}, []string{"model", "outcome"})
	promptTokens = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_prompt_tokens",
		Help:    "Prompt token count per completion attempt",
		Buckets: []float64{100, 250, 500, 1_000, 2_000, 4_000, 8_000, 16_000},
	}, []string{"model"})
	extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_json_extractions_total",
		Help: "JSON extraction results by the step that succeeded",
	}, []string{"step"})
)
