package env

// Environment variables read at process start, normally set by the launcher.
// Each is the upper-cased viper key with the KUNGFU_ prefix.
const (
	RankEnvKey           = `KUNGFU_RANK`
	SizeEnvKey           = `KUNGFU_SIZE`
	LocalRankEnvKey      = `KUNGFU_LOCAL_RANK`
	LocalSizeEnvKey      = `KUNGFU_LOCAL_SIZE`
	CrossRankEnvKey      = `KUNGFU_CROSS_RANK`
	CrossSizeEnvKey      = `KUNGFU_CROSS_SIZE`
	ChiefIPEnvKey        = `KUNGFU_CHIEF_IP`
	BroadcastPortEnvKey  = `KUNGFU_PUB_PORT`
	GatherPortEnvKey     = `KUNGFU_PULL_PORT`
	PortOffsetEnvKey     = `KUNGFU_PORT_OFFSET`
	MasterURLEnvKey      = `KUNGFU_MASTER_URL`
	AllocationIDEnvKey   = `KUNGFU_ALLOCATION_ID`
	PreemptionModeEnvKey = `KUNGFU_PREEMPTION_MODE`
	ConfigFileEnvKey     = `KUNGFU_CONFIG_FILE`
)

const envPrefix = `KUNGFU`

const (
	keyRank           = `rank`
	keySize           = `size`
	keyLocalRank      = `local_rank`
	keyLocalSize      = `local_size`
	keyCrossRank      = `cross_rank`
	keyCrossSize      = `cross_size`
	keyChiefIP        = `chief_ip`
	keyBroadcastPort  = `pub_port`
	keyGatherPort     = `pull_port`
	keyPortOffset     = `port_offset`
	keyMasterURL      = `master_url`
	keyAllocationID   = `allocation_id`
	keyPreemptionMode = `preemption_mode`
	keyConfigFile     = `config_file`
)

const (
	DefaultBroadcastPort = 12360
	DefaultGatherPort    = 12376
)
