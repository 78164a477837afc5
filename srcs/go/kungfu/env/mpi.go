package env

import (
	"fmt"
	"os"
	"strconv"

	"github.com/determined-ai/determined-sub004/srcs/go/plan"
)

const (
	ompiRankEnvKey      = `OMPI_COMM_WORLD_RANK`
	ompiSizeEnvKey      = `OMPI_COMM_WORLD_SIZE`
	ompiLocalRankEnvKey = `OMPI_COMM_WORLD_LOCAL_RANK`
	ompiLocalSizeEnvKey = `OMPI_COMM_WORLD_LOCAL_SIZE`
)

// ParseConfigFromOpenMPIEnv is for debug only. It assumes every host runs
// the same number of processes, and reads the chief from KUNGFU_CHIEF_IP.
func ParseConfigFromOpenMPIEnv() (*Config, error) {
	if _, ok := os.LookupEnv(ompiSizeEnvKey); !ok {
		return singleProcessEnv(), nil
	}
	var vals [4]int
	for i, key := range []string{ompiRankEnvKey, ompiSizeEnvKey, ompiLocalRankEnvKey, ompiLocalSizeEnvKey} {
		x, err := strconv.Atoi(os.Getenv(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		vals[i] = x
	}
	rank, size, localRank, localSize := vals[0], vals[1], vals[2], vals[3]
	if localSize <= 0 || size%localSize != 0 {
		return nil, &plan.ConfigError{Reason: fmt.Sprintf("%d processes can't be split into hosts of %d", size, localSize)}
	}
	topology, err := plan.NewTopology(plan.TopologySpec{
		Rank:         plan.IntPtr(rank),
		Size:         plan.IntPtr(size),
		LocalRank:    plan.IntPtr(localRank),
		LocalSize:    plan.IntPtr(localSize),
		CrossRank:    plan.IntPtr(rank / localSize),
		CrossSize:    plan.IntPtr(size / localSize),
		ChiefAddress: os.Getenv(ChiefIPEnvKey),
	})
	if err != nil {
		return nil, err
	}
	return &Config{
		Topology:      topology,
		BroadcastPort: DefaultBroadcastPort,
		GatherPort:    DefaultGatherPort,
	}, nil
}
