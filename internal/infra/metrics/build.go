package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(buildInfo)
}

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "build_info",
		Help: "A constant metric with labels for version and store driver.",
	},
	[]string{"version", "store"},
)

func SetBuildInfo(version, store string) {
	buildInfo.WithLabelValues(version, norm(store)).Set(1)
}
