// Package hoststat samples host and process resource usage for the health
// endpoint.
package hoststat

import (
	"context"
	"errors"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type Stats struct {
	CPUPercent        float64 `json:"cpuPercent"`
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
	ProcessRSSBytes   uint64  `json:"processRSSBytes"`
}

// Sample reads the current figures. Fields that could not be read are left
// zero and their errors joined into err, so callers may still use the rest.
func Sample(ctx context.Context) (Stats, error) {
	var (
		st   Stats
		errs []error
	)

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, err)
	} else if len(pct) > 0 {
		st.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		st.MemoryUsedPercent = vm.UsedPercent
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		errs = append(errs, err)
	} else if info, err := proc.MemoryInfoWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		st.ProcessRSSBytes = info.RSS
	}

	return st, errors.Join(errs...)
}
