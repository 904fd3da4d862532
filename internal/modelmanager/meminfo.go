package modelmanager

import (
	"os"
	"strconv"
	"strings"
)

const meminfoPath = "/proc/meminfo"

// SystemMemoryProbe reads real host memory from /proc/meminfo. On hosts
// without it (or when the file is unreadable) every read falls back to the
// fixed figures in Fallback, so gating still works in a degraded,
// deterministic form.
type SystemMemoryProbe struct {
	Path     string
	Fallback StaticMemoryProbe
}

// NewSystemMemoryProbe returns the production probe: /proc/meminfo with an
// 8/16 GB fallback.
func NewSystemMemoryProbe() SystemMemoryProbe {
	return SystemMemoryProbe{
		Path:     meminfoPath,
		Fallback: StaticMemoryProbe{Available: 8, Total: 16},
	}
}

func (p SystemMemoryProbe) AvailableGB() float64 {
	if available, _, ok := p.read(); ok {
		return available
	}
	return p.Fallback.AvailableGB()
}

func (p SystemMemoryProbe) TotalGB() float64 {
	if _, total, ok := p.read(); ok {
		return total
	}
	return p.Fallback.TotalGB()
}

func (p SystemMemoryProbe) read() (availableGB, totalGB float64, ok bool) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, 0, false
	}
	return parseMeminfo(string(data))
}

// parseMeminfo extracts MemAvailable and MemTotal from /proc/meminfo
// content. Values are reported by the kernel in kB.
func parseMeminfo(content string) (availableGB, totalGB float64, ok bool) {
	var haveAvailable, haveTotal bool
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemAvailable:":
			availableGB = kb / (1024 * 1024)
			haveAvailable = true
		case "MemTotal:":
			totalGB = kb / (1024 * 1024)
			haveTotal = true
		}
		if haveAvailable && haveTotal {
			return availableGB, totalGB, true
		}
	}
	return 0, 0, false
}

var _ MemoryProbe = SystemMemoryProbe{}
