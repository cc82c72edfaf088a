package stats

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// CPUProbe reports process and system CPU usage in percent.
type CPUProbe interface {
	Usage() (proc, system float64, err error)
}

type processProbe struct {
	proc *process.Process
}

// NewProcessCPUProbe returns a probe for the current process backed by
// gopsutil.
func NewProcessCPUProbe() (CPUProbe, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("stats: open process: %w", err)
	}
	return &processProbe{proc: p}, nil
}

// Usage returns the process percent since the previous call and the
// system-wide percent since the previous call.
func (p *processProbe) Usage() (float64, float64, error) {
	proc, err := p.proc.Percent(0)
	if err != nil {
		return 0, 0, fmt.Errorf("stats: process cpu: %w", err)
	}
	sys, err := cpu.Percent(0, false)
	if err != nil {
		return proc, 0, fmt.Errorf("stats: system cpu: %w", err)
	}
	if len(sys) == 0 {
		return proc, 0, nil
	}
	return proc, sys[0], nil
}
