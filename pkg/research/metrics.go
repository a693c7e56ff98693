package research

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	branchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_research_branch_total",
		Help: "Snapshot branch results by source and outcome",
	}, []string{"branch", "outcome"})
	summaries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_research_summaries_total",
		Help: "Research summaries by terminal status",
	}, []string{"status"})
)
