package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = func() string {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return "hwwatch was not built in module mode"
		}
		return formatBuildInfo(info)
	}
}

// formatBuildInfo lists the main module with its VCS settings, then one
// dependency per line with its replacement, if any.
func formatBuildInfo(info *debug.BuildInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", info.Main.Path, moduleVersion(info.Main))
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			fmt.Fprintf(&b, "  %s=%s\n", s.Key, s.Value)
		}
	}
	for _, dep := range info.Deps {
		fmt.Fprintf(&b, "  dep %s %s", dep.Path, moduleVersion(*dep))
		if dep.Replace != nil {
			fmt.Fprintf(&b, " => %s %s", dep.Replace.Path, moduleVersion(*dep.Replace))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func moduleVersion(m debug.Module) string {
	if m.Version == "" || m.Version == "(devel)" {
		return "devel"
	}
	return m.Version
}
