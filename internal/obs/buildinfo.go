package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// bootstrap_build_info is always 1; the labels carry the data.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bootstrap_build_info",
			Help: "Portal bootstrap tool build information.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo registers bootstrap_build_info once and publishes a single
// series for the given version and commit. A "dev" or empty commit falls back
// to the VCS revision stamped by the Go toolchain, when there is one.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})

	if commit == "" || commit == "dev" {
		if rev := vcsRevision(); rev != "" {
			commit = rev
		}
	}
	// one run, one series
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}
