package env

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"golang.org/x/crypto/blake2b"

	"github.com/determined-ai/determined-sub004/srcs/go/plan"
)

// Config is everything a worker needs to join the fabric.
type Config struct {
	Topology       plan.Topology
	BroadcastPort  int
	GatherPort     int
	PortOffset     int
	MasterURL      string
	AllocationID   string
	PreemptionMode string
}

// Token is the handshake token shared by all workers of the allocation.
func (c *Config) Token() uint32 {
	return JobToken(c.AllocationID)
}

// JobToken derives a connection token from an allocation id, so that jobs
// sharing a host never connect to each other's endpoints.
func JobToken(allocationID string) uint32 {
	sum := blake2b.Sum256([]byte(allocationID))
	return binary.LittleEndian.Uint32(sum[:4])
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault(keyBroadcastPort, DefaultBroadcastPort)
	v.SetDefault(keyGatherPort, DefaultGatherPort)
	v.SetDefault(keyPortOffset, 0)
	return v
}

// ParseConfigFromEnv reads the bootstrap configuration from KUNGFU_*
// variables, and from the file named by KUNGFU_CONFIG_FILE if set.
// Environment variables take precedence over the file.
func ParseConfigFromEnv() (*Config, error) {
	v := newViper()
	if file := v.GetString(keyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	}
	return parseConfig(v)
}

func parseConfig(v *viper.Viper) (*Config, error) {
	var spec plan.TopologySpec
	for _, c := range []struct {
		key string
		ptr **int
	}{
		{keyRank, &spec.Rank},
		{keySize, &spec.Size},
		{keyLocalRank, &spec.LocalRank},
		{keyLocalSize, &spec.LocalSize},
		{keyCrossRank, &spec.CrossRank},
		{keyCrossSize, &spec.CrossSize},
	} {
		if !v.IsSet(c.key) {
			continue
		}
		x, err := cast.ToIntE(v.Get(c.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s_%s: %w", envPrefix, c.key, err)
		}
		*c.ptr = plan.IntPtr(x)
	}
	spec.ChiefAddress = v.GetString(keyChiefIP)
	topology, err := plan.NewTopology(spec)
	if err != nil {
		return nil, err
	}
	ports := make(map[string]int)
	for _, key := range []string{keyBroadcastPort, keyGatherPort, keyPortOffset} {
		x, err := cast.ToIntE(v.Get(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s_%s: %w", envPrefix, key, err)
		}
		ports[key] = x
	}
	return &Config{
		Topology:       topology,
		BroadcastPort:  ports[keyBroadcastPort],
		GatherPort:     ports[keyGatherPort],
		PortOffset:     ports[keyPortOffset],
		MasterURL:      v.GetString(keyMasterURL),
		AllocationID:   v.GetString(keyAllocationID),
		PreemptionMode: v.GetString(keyPreemptionMode),
	}, nil
}

// SingleMachineEnv returns the configuration of one worker of a size-process
// job running on this host, which is what tests and the simulator use.
func SingleMachineEnv(rank, size int) (*Config, error) {
	topology, err := plan.NewTopology(plan.TopologySpec{
		Rank:      plan.IntPtr(rank),
		Size:      plan.IntPtr(size),
		LocalRank: plan.IntPtr(rank),
		LocalSize: plan.IntPtr(size),
		CrossRank: plan.IntPtr(0),
		CrossSize: plan.IntPtr(1),
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

func singleProcessEnv() *Config {
	return &Config{
		Topology:      plan.DummyTopology{},
		BroadcastPort: DefaultBroadcastPort,
		GatherPort:    DefaultGatherPort,
	}
}
