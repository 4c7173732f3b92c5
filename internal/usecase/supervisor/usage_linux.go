//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"foreman/internal/domain"
)

// Linux ships USER_HZ=100 on all supported architectures.
const clockTicksPerSecond = 100

// usageSampler derives CPU percent from the delta of utime+stime in
// /proc/<pid>/stat between successive samples, and memory from the
// resident set in /proc/<pid>/statm.
type usageSampler struct {
	pid int

	mu        sync.Mutex
	lastTicks uint64
	lastAt    time.Time
}

func newUsageSampler(pid int) *usageSampler {
	return &usageSampler{pid: pid, lastAt: time.Now()}
}

func (s *usageSampler) sample() domain.ResourceUsage {
	ticks, err := readCPUTicks(s.pid)
	if err != nil {
		return domain.ResourceUsage{}
	}
	mem, _ := readResidentBytes(s.pid)

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := now.Sub(s.lastAt).Seconds()
	var cpu float64
	if elapsed > 0 && ticks >= s.lastTicks {
		cpu = float64(ticks-s.lastTicks) / clockTicksPerSecond / elapsed * 100
	}
	s.lastTicks = ticks
	s.lastAt = now

	return domain.ResourceUsage{CPUPercent: cpu, MemoryBytes: mem}
}

func readCPUTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// comm may contain spaces; fields start after the closing paren.
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(data[idx+1:]))
	// After comm: field 3 is state, utime and stime are fields 14 and 15
	// of the full line, i.e. indexes 11 and 12 here.
	if len(fields) < 13 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

func readResidentBytes(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("short statm for pid %d", pid)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * uint64(os.Getpagesize()), nil
}
