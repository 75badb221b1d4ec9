package accel

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// detectVulkanGPU reports a usable GPU. A Vulkan loader on PATH or a DRM
// render node is enough; the inference runtime does the real negotiation.
func detectVulkanGPU() (string, bool) {
	if _, err := exec.LookPath("vulkaninfo"); err == nil {
		return "vulkan", true
	}
	entries, err := os.ReadDir("/dev/dri")
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "renderD") {
			return "dri/" + e.Name(), true
		}
	}
	return "", false
}

// detectVendorNPU probes the common vendor runtime device nodes.
func detectVendorNPU() (string, bool) {
	for _, path := range []string{"/dev/accel/accel0", "/dev/apu0", "/dev/davinci0"} {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// readBatteryPct returns the battery charge, or ok=false on mains-only
// machines.
func readBatteryPct() (int, bool) {
	for _, name := range []string{"BAT0", "BAT1"} {
		data, err := os.ReadFile("/sys/class/power_supply/" + name + "/capacity")
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		return pct, true
	}
	return 0, false
}

// readCPUTempC returns the package temperature in Celsius when the kernel
// exposes a thermal zone.
func readCPUTempC() (float64, bool) {
	data, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0, false
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, false
	}
	return milli / 1000, true
}
