package plan

import (
	"fmt"
	"strings"
)

// LoopbackAddr is the chief address of a job that runs on a single machine.
const LoopbackAddr = `127.0.0.1`

// Topology describes the role of the current process among the workers of a job.
type Topology interface {
	Rank() int
	Size() int
	LocalRank() int
	LocalSize() int
	CrossRank() int
	CrossSize() int
	NumAgents() int
	ChiefAddress() string
	IsChief() bool
	IsLocalChief() bool
}

// ConfigError reports an incomplete or inconsistent topology.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid topology: " + e.Reason
}

// TopologySpec holds the raw bootstrap values; a nil counter means unset.
type TopologySpec struct {
	Rank      *int
	Size      *int
	LocalRank *int
	LocalSize *int
	CrossRank *int
	CrossSize *int

	ChiefAddress string
}

// IntPtr is a helper for building TopologySpec literals.
func IntPtr(x int) *int {
	return &x
}

func (s TopologySpec) counters() []struct {
	name string
	val  *int
} {
	return []struct {
		name string
		val  *int
	}{
		{"rank", s.Rank},
		{"size", s.Size},
		{"local_rank", s.LocalRank},
		{"local_size", s.LocalSize},
		{"cross_rank", s.CrossRank},
		{"cross_size", s.CrossSize},
	}
}

// RealTopology is a validated multi-worker topology.
type RealTopology struct {
	rank, size           int
	localRank, localSize int
	crossRank, crossSize int
	chiefAddress         string
}

// NewTopology validates spec. It never performs I/O.
// When none of the counters are given, the single-worker topology is returned.
func NewTopology(spec TopologySpec) (Topology, error) {
	var set, unset []string
	for _, c := range spec.counters() {
		if c.val == nil {
			unset = append(unset, c.name)
		} else {
			set = append(set, c.name)
		}
	}
	if len(set) == 0 {
		return DummyTopology{}, nil
	}
	if len(unset) > 0 {
		return nil, &ConfigError{
			Reason: fmt.Sprintf("either all or none of rank, size, local_rank, local_size, cross_rank and cross_size must be set, missing: %s", strings.Join(unset, ", ")),
		}
	}
	t := &RealTopology{
		rank:         *spec.Rank,
		size:         *spec.Size,
		localRank:    *spec.LocalRank,
		localSize:    *spec.LocalSize,
		crossRank:    *spec.CrossRank,
		crossSize:    *spec.CrossSize,
		chiefAddress: spec.ChiefAddress,
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	if t.crossSize == 1 {
		t.chiefAddress = LoopbackAddr
	}
	return t, nil
}

func checkRange(name string, i, n int) error {
	if n < 1 {
		return &ConfigError{Reason: fmt.Sprintf("%s_size must be positive, got %d", name, n)}
	}
	if i < 0 || i >= n {
		return &ConfigError{Reason: fmt.Sprintf("%s_rank %d out of range [0, %d)", name, i, n)}
	}
	return nil
}

func (t *RealTopology) validate() error {
	if err := checkRange("global", t.rank, t.size); err != nil {
		return err
	}
	if err := checkRange("local", t.localRank, t.localSize); err != nil {
		return err
	}
	if err := checkRange("cross", t.crossRank, t.crossSize); err != nil {
		return err
	}
	if t.localSize > t.size || t.crossSize > t.size {
		return &ConfigError{Reason: fmt.Sprintf("local_size %d and cross_size %d can't exceed size %d", t.localSize, t.crossSize, t.size)}
	}
	if t.crossSize > 1 && len(t.chiefAddress) == 0 {
		return &ConfigError{Reason: fmt.Sprintf("chief address is required when cross_size is %d", t.crossSize)}
	}
	return nil
}

func (t *RealTopology) Rank() int            { return t.rank }
func (t *RealTopology) Size() int            { return t.size }
func (t *RealTopology) LocalRank() int       { return t.localRank }
func (t *RealTopology) LocalSize() int       { return t.localSize }
func (t *RealTopology) CrossRank() int       { return t.crossRank }
func (t *RealTopology) CrossSize() int       { return t.crossSize }
func (t *RealTopology) NumAgents() int       { return t.crossSize }
func (t *RealTopology) ChiefAddress() string { return t.chiefAddress }
func (t *RealTopology) IsChief() bool        { return t.rank == 0 }
func (t *RealTopology) IsLocalChief() bool   { return t.localRank == 0 }

func (t *RealTopology) String() string {
	return describe(t)
}

// DummyTopology is the topology of a job with exactly one worker.
type DummyTopology struct{}

func (DummyTopology) Rank() int            { return 0 }
func (DummyTopology) Size() int            { return 1 }
func (DummyTopology) LocalRank() int       { return 0 }
func (DummyTopology) LocalSize() int       { return 1 }
func (DummyTopology) CrossRank() int       { return 0 }
func (DummyTopology) CrossSize() int       { return 1 }
func (DummyTopology) NumAgents() int       { return 1 }
func (DummyTopology) ChiefAddress() string { return LoopbackAddr }
func (DummyTopology) IsChief() bool        { return true }
func (DummyTopology) IsLocalChief() bool   { return true }

func (d DummyTopology) String() string {
	return describe(d)
}

func describe(t Topology) string {
	return fmt.Sprintf("rank=%d/%d local=%d/%d cross=%d/%d chief=%s",
		t.Rank(), t.Size(), t.LocalRank(), t.LocalSize(), t.CrossRank(), t.CrossSize(), t.ChiefAddress())
}
