// Package resource samples host resources and checks whether a model will
// fit before it is loaded.
package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats represents system resource statistics
type Stats struct {
	CPUUsagePercent    float64   `json:"cpu_usage_percent"`
	MemoryUsedMB       uint64    `json:"memory_used_mb"`
	MemoryAvailableMB  uint64    `json:"memory_available_mb"`
	MemoryTotalMB      uint64    `json:"memory_total_mb"`
	MemoryUsagePercent float64   `json:"memory_usage_percent"`
	DiskFreeGB         uint64    `json:"disk_free_gb"`
	DiskTotalGB        uint64    `json:"disk_total_gb"`
	DiskUsagePercent   float64   `json:"disk_usage_percent"`
	NumGoroutines      int       `json:"num_goroutines"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Snapshot samples CPU, memory and the disk holding path. Probes that fail
// leave their fields zero.
func Snapshot(path string) Stats {
	s := Stats{NumGoroutines: runtime.NumGoroutine(), LastUpdated: time.Now()}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryUsedMB = vm.Used / 1024 / 1024
		s.MemoryAvailableMB = vm.Available / 1024 / 1024
		s.MemoryTotalMB = vm.Total / 1024 / 1024
		s.MemoryUsagePercent = vm.UsedPercent
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUUsagePercent = pct[0]
	}

	if path == "" {
		path = "."
	}
	if d, err := disk.Usage(path); err == nil {
		s.DiskFreeGB = d.Free / 1024 / 1024 / 1024
		s.DiskTotalGB = d.Total / 1024 / 1024 / 1024
		s.DiskUsagePercent = d.UsedPercent
	}
	return s
}

// Fit is the outcome of a pre-load memory check.
type Fit struct {
	ModelMB     uint64 `json:"model_mb"`
	RequiredMB  uint64 `json:"required_mb"`
	AvailableMB uint64 `json:"available_mb"`
	OK          bool   `json:"ok"`
	Reason      string `json:"reason,omitempty"`
}

// CheckModelFits compares the estimated footprint of the model at path with
// available memory. With mmap the weights are paged in on demand, so a
// shortfall is reported but not treated as fatal by callers.
func CheckModelFits(path string, contextSize int, availableMB uint64) (Fit, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fit{}, fmt.Errorf("failed to stat model: %w", err)
	}

	fit := Fit{
		ModelMB:     uint64(info.Size() / 1024 / 1024),
		AvailableMB: availableMB,
	}
	fit.RequiredMB = EstimateModelMemory(info.Size(), QuantizationFromName(path)) + EstimateKVCacheMB(contextSize)
	fit.OK = fit.RequiredMB <= availableMB
	if !fit.OK {
		fit.Reason = fmt.Sprintf("insufficient memory: need ~%d MB, have %d MB available", fit.RequiredMB, availableMB)
	}
	return fit, nil
}

// AvailableMemoryMB returns the memory the OS reports as available.
func AvailableMemoryMB() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read memory stats: %w", err)
	}
	return vm.Available / 1024 / 1024, nil
}

// EstimateModelMemory estimates memory requirements for a model
func EstimateModelMemory(modelSizeBytes int64, quantization string) uint64 {
	baseMB := uint64(modelSizeBytes / 1024 / 1024)

	// Rough runtime overhead per weight format.
	var overhead float64
	switch quantization {
	case "Q2_K", "Q3_K", "Q4_0", "Q4_1", "Q4_K":
		overhead = 1.2
	case "Q5_0", "Q5_1", "Q5_K":
		overhead = 1.3
	case "Q6_K", "Q8_0":
		overhead = 1.4
	case "F16":
		overhead = 1.5
	case "F32":
		overhead = 1.8
	default:
		overhead = 1.3
	}

	return uint64(float64(baseMB) * overhead)
}

// EstimateKVCacheMB is a coarse KV-cache estimate for small models:
// about 0.5 MB per context token.
func EstimateKVCacheMB(contextSize int) uint64 {
	if contextSize <= 0 {
		return 0
	}
	return uint64(contextSize) / 2
}

// QuantizationFromName extracts a quantization tag such as Q4_K or F16
// from a GGUF file name, or "" when there is none.
func QuantizationFromName(path string) string {
	name := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '.' })
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		switch {
		case p == "F16" || p == "F32":
			return p
		case len(p) >= 4 && p[0] == 'Q' && p[1] >= '2' && p[1] <= '8' && p[2] == '_':
			// Q4_K_M and Q4_K_S share the Q4_K estimate.
			if fields := strings.Split(p, "_"); len(fields) >= 2 {
				return fields[0] + "_" + fields[1]
			}
		}
	}
	return ""
}
