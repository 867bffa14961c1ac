package model

// ResourceSpec describes capacity on every dimension the scheduler tracks.
// The same struct serves as a job's request, a worker's total capacity and
// the allocated/reserved counters on a worker.
type ResourceSpec struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryGB    float64 `json:"memory_gb"`
	GPUCount    int     `json:"gpu_count"`
	GPUMemoryGB float64 `json:"gpu_memory_gb"`
}

// Fits reports whether r fits inside free on every dimension.
func (r ResourceSpec) Fits(free ResourceSpec) bool {
	return r.CPUCores <= free.CPUCores &&
		r.MemoryGB <= free.MemoryGB &&
		r.GPUCount <= free.GPUCount &&
		r.GPUMemoryGB <= free.GPUMemoryGB
}

func (r ResourceSpec) Add(other ResourceSpec) ResourceSpec {
	return ResourceSpec{
		CPUCores:    r.CPUCores + other.CPUCores,
		MemoryGB:    r.MemoryGB + other.MemoryGB,
		GPUCount:    r.GPUCount + other.GPUCount,
		GPUMemoryGB: r.GPUMemoryGB + other.GPUMemoryGB,
	}
}

func (r ResourceSpec) Sub(other ResourceSpec) ResourceSpec {
	return ResourceSpec{
		CPUCores:    r.CPUCores - other.CPUCores,
		MemoryGB:    r.MemoryGB - other.MemoryGB,
		GPUCount:    r.GPUCount - other.GPUCount,
		GPUMemoryGB: r.GPUMemoryGB - other.GPUMemoryGB,
	}
}

// IsZero reports whether every dimension is zero.
func (r ResourceSpec) IsZero() bool {
	return r.CPUCores == 0 && r.MemoryGB == 0 && r.GPUCount == 0 && r.GPUMemoryGB == 0
}

// RequiresGPU reports whether the spec asks for at least one GPU.
func (r ResourceSpec) RequiresGPU() bool {
	return r.GPUCount > 0
}

// FractionOf returns the largest per-dimension fraction r consumes of total,
// ignoring dimensions total does not have. Used both for fit scoring (how
// tightly a request packs into free capacity) and for utilization.
func (r ResourceSpec) FractionOf(total ResourceSpec) float64 {
	max := 0.0
	if total.CPUCores > 0 {
		if f := r.CPUCores / total.CPUCores; f > max {
			max = f
		}
	}
	if total.MemoryGB > 0 {
		if f := r.MemoryGB / total.MemoryGB; f > max {
			max = f
		}
	}
	if total.GPUCount > 0 {
		if f := float64(r.GPUCount) / float64(total.GPUCount); f > max {
			max = f
		}
	}
	if total.GPUMemoryGB > 0 {
		if f := r.GPUMemoryGB / total.GPUMemoryGB; f > max {
			max = f
		}
	}
	return max
}
