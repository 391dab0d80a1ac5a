package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"goVersion"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	buildInfoOnce sync.Once

	// build_info: постоянное значение 1, метки описывают бинарник.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantgate_build_info",
			Help: "Tenantgate build information.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// ResolveBuildInfo fills the commit from the embedded VCS stamp when the
// linker did not provide one.
func ResolveBuildInfo(version, commit string) BuildInfo {
	info := BuildInfo{Version: version, Commit: commit, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" || info.Commit == "dev" {
				info.Commit = shortRevision(s.Value)
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	return info
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// InitBuildInfo registers the build_info gauge once and sets it for info.
func InitBuildInfo(info BuildInfo) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(info.Version, info.Commit, info.GoVersion).Set(1)
}
