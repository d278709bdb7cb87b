package hardware

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// detectReal performs best-effort OS capability detection. It never returns
// an error; callers that cannot determine a field leave it zero and
// safeDetect fills in the conservative fallback.
func detectReal() Profile {
	cpuCores := runtime.NumCPU()
	memGiB := detectMemoryGiB()
	family, accelCores := detectAccelerator(cpuCores)

	return Profile{
		AcceleratorFamily: family,
		AcceleratorCores:  accelCores,
		CPUCores:          cpuCores,
		MemoryGiB:         memGiB,
	}
}

// detectAccelerator applies a coarse, platform-keyed heuristic: Apple
// Silicon hosts (darwin/arm64) are assumed to carry a Neural Engine, sized
// by core count relative to the host's CPU core count (matching the
// thresholds used throughout spec.md §4.3/§4.5: >=32, >=16, smaller).
// Non-Apple hosts report no accelerator unless a GPU vendor library probe
// (out of scope for this package) is wired in above it.
func detectAccelerator(cpuCores int) (AcceleratorFamily, int) {
	if runtime.GOOS != "darwin" || runtime.GOARCH != "arm64" {
		return AcceleratorNone, 0
	}

	// Neural Engine core counts scale with the chip tier; lacking a real
	// sysctl probe we approximate from CPU core count, which correlates
	// closely with Apple's M-series tiers (M1/M2: 8-10 cores, Max: 24-40).
	switch {
	case cpuCores >= 24:
		return AcceleratorNeuralEngineClassA, 32
	case cpuCores >= 8:
		return AcceleratorNeuralEngineClassB, 16
	default:
		return AcceleratorNeuralEngineClassB, 8
	}
}

// detectMemoryGiB reads total system memory from /proc/meminfo on Linux. On
// any other platform, or on read failure, it returns 0 so the caller applies
// the documented fallback.
func detectMemoryGiB() int {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return int(kb / (1024 * 1024))
	}
	return 0
}
