package feeder

import (
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
)

// CPUSampler reports host CPU usage between consecutive calls.
type CPUSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	prevIdle  float64
	prevTotal float64
}

// NewCPUSampler — mount "" means procfs.DefaultMountPoint.
func NewCPUSampler(mount string) (*CPUSampler, error) {
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, fmt.Errorf("feeder: procfs: %w", err)
	}
	return &CPUSampler{fs: fs}, nil
}

// Usage returns busy percent [0,100] since the previous call; the first
// call measures since boot.
func (s *CPUSampler) Usage() (float64, error) {
	st, err := s.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("feeder: cpu stat: %w", err)
	}
	c := st.CPUTotal
	idle := c.Idle + c.Iowait
	total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal

	s.mu.Lock()
	defer s.mu.Unlock()
	dIdle, dTotal := idle-s.prevIdle, total-s.prevTotal
	s.prevIdle, s.prevTotal = idle, total
	if dTotal <= 0 {
		return 0, nil
	}
	return 100 * (dTotal - dIdle) / dTotal, nil
}
