package search

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeOK        = "ok"
	outcomeDuplicate = "duplicate"
	outcomeError     = "error"
)

var searchItemsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "modelprobe",
		Name:      "search_items_total",
		Help:      "Total number of search items by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(searchItemsTotal)
}
