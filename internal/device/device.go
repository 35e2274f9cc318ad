// Package device describes the host the pipeline runs on. The description is
// attached to the first page view of a page life.
package device

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Context is a coarse host description. No identifiers are collected.
type Context struct {
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelArch      string `json:"kernel_arch,omitempty"`
	CPUs            int    `json:"cpus,omitempty"`
	MemoryTotal     uint64 `json:"memory_total,omitempty"`
}

// Collect queries the host. Partial results are returned alongside the
// first error encountered; OS is always filled.
func Collect(ctx context.Context) (Context, error) {
	c := Context{OS: runtime.GOOS, KernelArch: runtime.GOARCH}
	var firstErr error

	if info, err := host.InfoWithContext(ctx); err != nil {
		firstErr = err
	} else {
		c.Platform = info.Platform
		c.PlatformVersion = info.PlatformVersion
		if info.KernelArch != "" {
			c.KernelArch = info.KernelArch
		}
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		c.CPUs = runtime.NumCPU()
	} else {
		c.CPUs = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else {
		c.MemoryTotal = vm.Total
	}
	return c, firstErr
}

// Map renders c as an event payload value.
func (c Context) Map() map[string]any {
	m := map[string]any{"os": c.OS}
	if c.Platform != "" {
		m["platform"] = c.Platform
	}
	if c.PlatformVersion != "" {
		m["platform_version"] = c.PlatformVersion
	}
	if c.KernelArch != "" {
		m["kernel_arch"] = c.KernelArch
	}
	if c.CPUs > 0 {
		m["cpus"] = c.CPUs
	}
	if c.MemoryTotal > 0 {
		m["memory_total"] = c.MemoryTotal
	}
	return m
}
