package model

// Resource is the capacity/requirement vector shared by hosts and node types.
// All comparisons are component-wise.
type Resource struct {
	CPUMilli    int64 `json:"cpu_milli" yaml:"cpu_milli"`
	MemoryBytes int64 `json:"memory_bytes" yaml:"memory_bytes"`
	DiskBytes   int64 `json:"disk_bytes" yaml:"disk_bytes"`
	IPAddrs     int64 `json:"ip_addrs" yaml:"ip_addrs"`
}

// Well-known requirement keys understood by NodeType.ResolveRequirements.
const (
	ResourceCPUMilli    = "cpu_milli"
	ResourceMemoryBytes = "memory_bytes"
	ResourceDiskBytes   = "disk_bytes"
	ResourceIPAddrs     = "ip_addrs"
)

// Fits reports whether r fits inside free, component-wise.
func (r Resource) Fits(free Resource) bool {
	return r.CPUMilli <= free.CPUMilli &&
		r.MemoryBytes <= free.MemoryBytes &&
		r.DiskBytes <= free.DiskBytes &&
		r.IPAddrs <= free.IPAddrs
}

func (r Resource) Add(other Resource) Resource {
	return Resource{
		CPUMilli:    r.CPUMilli + other.CPUMilli,
		MemoryBytes: r.MemoryBytes + other.MemoryBytes,
		DiskBytes:   r.DiskBytes + other.DiskBytes,
		IPAddrs:     r.IPAddrs + other.IPAddrs,
	}
}

func (r Resource) Sub(other Resource) Resource {
	return Resource{
		CPUMilli:    r.CPUMilli - other.CPUMilli,
		MemoryBytes: r.MemoryBytes - other.MemoryBytes,
		DiskBytes:   r.DiskBytes - other.DiskBytes,
		IPAddrs:     r.IPAddrs - other.IPAddrs,
	}
}

// IsZero reports whether every component is zero.
func (r Resource) IsZero() bool {
	return r == Resource{}
}

// Negative reports whether any component is below zero.
func (r Resource) Negative() bool {
	return r.CPUMilli < 0 || r.MemoryBytes < 0 || r.DiskBytes < 0 || r.IPAddrs < 0
}

// FreeFraction returns the binding free fraction of allocated against
// capacity: the minimum over dimensions of free/capacity. A host starved on
// one dimension is as full as that dimension says, regardless of slack
// elsewhere. Zero-capacity dimensions are skipped.
func FreeFraction(capacity, allocated Resource) float64 {
	frac := 1.0
	dims := [][2]int64{
		{capacity.CPUMilli, allocated.CPUMilli},
		{capacity.MemoryBytes, allocated.MemoryBytes},
		{capacity.DiskBytes, allocated.DiskBytes},
		{capacity.IPAddrs, allocated.IPAddrs},
	}
	for _, d := range dims {
		if d[0] <= 0 {
			continue
		}
		f := float64(d[0]-d[1]) / float64(d[0])
		if f < frac {
			frac = f
		}
	}
	return frac
}

// Utilization is a host's capacity against its committed allocation, as
// exposed by the resource ledger.
type Utilization struct {
	HostID    string   `json:"host_id"`
	Capacity  Resource `json:"capacity"`
	Allocated Resource `json:"allocated"`
}
