package utils

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"time"
)

var (
	// -ldflags "-X github.com/determined-ai/determined-sub004/srcs/go/utils.buildtimeString=$(date +%s)"
	buildtimeString string

	buildtime int64
)

func init() {
	buildtime, _ = strconv.ParseInt(buildtimeString, 10, 64)
}

// BuildInfo describes the running binary.
func BuildInfo() string {
	info := "unknown version"
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = fmt.Sprintf("%s %s (%s)", bi.Main.Path, bi.Main.Version, bi.GoVersion)
	}
	if buildtime > 0 {
		info += fmt.Sprintf(", built %s ago", time.Since(time.Unix(buildtime, 0)).Round(time.Second))
	}
	return info
}
