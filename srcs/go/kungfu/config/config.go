package config

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/determined-ai/determined-sub004/srcs/go/utils"
)

const (
	ConnRetryCount  = 500
	ConnRetryPeriod = 200 * time.Millisecond
)

const (
	GatherPollInterval = 1 * time.Second
	LongPollTimeout    = 60 * time.Second
	ErrorBackoff       = 10 * time.Second
	CloseTimeout       = 1 * time.Second
)

const (
	EnableStallDetectionEnvKey = `KUNGFU_CONFIG_ENABLE_STALL_DETECTION`
	LogLevelEnvKey             = `KUNGFU_CONFIG_LOG_LEVEL`
	UseUnixSockEnvKey          = `KUNGFU_CONFIG_USE_UNIX_SOCK`
	SetupTimeoutEnvKey         = `KUNGFU_CONFIG_SETUP_TIMEOUT`
)

var (
	EnableStallDetection = false
	LogLevel             = `INFO`
	UseUnixSock          = runtime.GOOS != "windows"
	SetupTimeout         = 10 * time.Minute
)

func init() {
	if val := os.Getenv(EnableStallDetectionEnvKey); len(val) > 0 {
		EnableStallDetection = isTrue(val)
	}
	if val := os.Getenv(LogLevelEnvKey); len(val) > 0 {
		LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv(UseUnixSockEnvKey); len(val) > 0 {
		UseUnixSock = isTrue(val) && runtime.GOOS != "windows"
	}
	if val := os.Getenv(SetupTimeoutEnvKey); len(val) > 0 {
		SetupTimeout = parseDuration(val)
	}
}

func isTrue(val string) bool {
	return val == "true"
}

func parseDuration(val string) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		utils.ExitErr(err)
	}
	return d
}
