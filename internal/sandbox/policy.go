package sandbox

import (
	"github.com/docker/docker/api/types/container"
)

// Policy defines resource limits for sandbox containers.
type Policy struct {
	MemoryMB     int64    // Memory limit in MiB, swap disabled
	CPUPercent   float64  // Fraction of one CPU (0.5 = half a core)
	MaxProcesses int64    // PID limit
	Network      bool     // Whether network access is allowed
	GVisor       bool     // Run under the runsc runtime
	Images       []string // Allowed images; empty allows any
}

// DefaultPolicy returns safe defaults for code execution. Network stays on so
// dependency installs can reach their package index.
func DefaultPolicy() Policy {
	return Policy{
		MemoryMB:     256,
		CPUPercent:   0.5,
		MaxProcesses: 128,
		Network:      true,
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	if len(p.Images) == 0 {
		return true
	}
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}

// hostConfig builds the hardened host configuration for a sandbox container.
// The root filesystem stays writable: dependency installs write to it.
func (p Policy) hostConfig() *container.HostConfig {
	hc := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,size=64m",
		},
	}

	if p.MemoryMB > 0 {
		hc.Resources.Memory = p.MemoryMB * 1024 * 1024
		hc.Resources.MemorySwap = hc.Resources.Memory
	}
	if p.CPUPercent > 0 {
		hc.Resources.CPUPeriod = 100000
		hc.Resources.CPUQuota = int64(p.CPUPercent * 100000)
	}
	if p.MaxProcesses > 0 {
		pids := p.MaxProcesses
		hc.Resources.PidsLimit = &pids
	}

	if !p.Network {
		hc.NetworkMode = "none"
	}
	if p.GVisor {
		hc.Runtime = "runsc"
	}
	return hc
}
