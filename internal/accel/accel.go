// Package accel manages inference hardware selection. It benchmarks the
// available devices, caches the resulting profile, and assigns each model a
// device subject to battery and thermal headroom.
package accel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/store"
)

// DeviceType identifies one class of inference hardware.
type DeviceType string

const (
	DeviceCPU DeviceType = "cpu"
	DeviceGPU DeviceType = "gpu"
	DeviceNPU DeviceType = "npu"
)

const (
	// DefaultCacheTTL is how long a benchmarked profile stays valid.
	DefaultCacheTTL = 24 * time.Hour

	// DefaultBatteryThresholdPct is the battery floor for GPU/NPU use.
	DefaultBatteryThresholdPct = 20

	// DefaultTempThresholdC is the thermal ceiling for GPU/NPU use.
	DefaultTempThresholdC = 70.0

	// thermalCheckInterval is how many inferences pass between thermal
	// re-checks.
	thermalCheckInterval = 5

	profileFile = "cache/accel_profile.json"
)

// Device is one benchmarked piece of hardware.
type Device struct {
	Type   DeviceType `json:"type"`
	Name   string     `json:"name"`
	GFLOPS float64    `json:"gflops"`
}

// DeviceProfile is the cached benchmark result, ranked fastest first.
type DeviceProfile struct {
	Devices       []Device     `json:"devices"`
	Ranked        []DeviceType `json:"ranked"`
	BenchmarkedAt time.Time    `json:"benchmarked_at"`
}

// Config tunes the manager.
type Config struct {
	BatteryThresholdPct int
	TempThresholdC      float64
	CacheTTL            time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() *Config {
	return &Config{
		BatteryThresholdPct: DefaultBatteryThresholdPct,
		TempThresholdC:      DefaultTempThresholdC,
		CacheTTL:            DefaultCacheTTL,
	}
}

// Manager owns the device profile and per-inference health gating.
type Manager struct {
	cfg   *Config
	store *store.Store
	log   *logging.Logger

	mu             sync.Mutex
	profile        *DeviceProfile
	inferenceCount int
	thermalForced  bool

	// Probes are swappable for tests.
	detectGPU   func() (string, bool)
	detectNPU   func() (string, bool)
	batteryPct  func() (int, bool)
	cpuTempC    func() (float64, bool)
	benchMatMul func() float64
}

// NewManager creates the manager. The profile is not benchmarked until the
// first Profile or AssignDevice call.
func NewManager(cfg *Config, st *store.Store) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.BatteryThresholdPct <= 0 {
		cfg.BatteryThresholdPct = DefaultBatteryThresholdPct
	}
	if cfg.TempThresholdC <= 0 {
		cfg.TempThresholdC = DefaultTempThresholdC
	}

	return &Manager{
		cfg:         cfg,
		store:       st,
		log:         logging.Global().WithComponent("Accel"),
		detectGPU:   detectVulkanGPU,
		detectNPU:   detectVendorNPU,
		batteryPct:  readBatteryPct,
		cpuTempC:    readCPUTempC,
		benchMatMul: benchmarkMatMul,
	}
}

// Profile returns the device profile, re-benchmarking when the cached one
// is stale or absent.
func (m *Manager) Profile(ctx context.Context) *DeviceProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileLocked(ctx)
}

func (m *Manager) profileLocked(ctx context.Context) *DeviceProfile {
	if m.profile != nil && time.Since(m.profile.BenchmarkedAt) < m.cfg.CacheTTL {
		return m.profile
	}

	if m.store != nil {
		var cached DeviceProfile
		if ok, _ := m.store.Load(profileFile, &cached); ok {
			if time.Since(cached.BenchmarkedAt) < m.cfg.CacheTTL {
				m.profile = &cached
				return m.profile
			}
		}
	}

	m.profile = m.benchmark(ctx)
	if m.store != nil {
		if err := m.store.Save(profileFile, m.profile); err != nil {
			m.log.Warn("profile cache write failed: %v", err)
		}
	}
	return m.profile
}

// AssignDevice picks the device for one model load. preference is "cpu",
// "gpu", "npu", or "auto". An explicit cpu preference always wins; a
// depleted battery or hot package forces cpu regardless of preference.
func (m *Manager) AssignDevice(ctx context.Context, modelPath, preference string) DeviceType {
	m.mu.Lock()
	defer m.mu.Unlock()

	if preference == string(DeviceCPU) {
		return DeviceCPU
	}

	profile := m.profileLocked(ctx)

	if !m.healthyLocked() {
		m.log.Info("battery or thermal limit active, forcing cpu")
		return DeviceCPU
	}

	if preference == string(DeviceGPU) || preference == string(DeviceNPU) {
		want := DeviceType(preference)
		if profile.has(want) {
			return want
		}
		return m.walkRanked(profile, want)
	}

	// Auto: quantization hints in the model name route it to the device
	// class that runs that format best.
	lower := strings.ToLower(modelPath)
	switch {
	case strings.Contains(lower, "int8") || strings.Contains(lower, "q8"):
		if profile.has(DeviceNPU) {
			return DeviceNPU
		}
	case strings.Contains(lower, "fp16") || strings.Contains(lower, "f16"):
		if profile.has(DeviceGPU) {
			return DeviceGPU
		}
	}

	if len(profile.Ranked) > 0 {
		return profile.Ranked[0]
	}
	return DeviceCPU
}

// walkRanked returns the fastest available device excluding the one that was
// requested but absent.
func (m *Manager) walkRanked(profile *DeviceProfile, skip DeviceType) DeviceType {
	for _, d := range profile.Ranked {
		if d != skip {
			return d
		}
	}
	return DeviceCPU
}

// NoteInference counts one inference and re-checks thermal headroom on the
// check interval. Returns true when accelerated devices may still be used.
func (m *Manager) NoteInference() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inferenceCount++
	if m.inferenceCount%thermalCheckInterval == 0 {
		m.thermalForced = !m.thermalOKLocked()
		if m.thermalForced {
			m.log.Warn("thermal limit hit after %d inferences, pinning cpu", m.inferenceCount)
		}
	}
	return !m.thermalForced
}

// healthyLocked gates acceleration on battery charge and temperature.
func (m *Manager) healthyLocked() bool {
	if m.thermalForced {
		return false
	}
	if pct, ok := m.batteryPct(); ok && pct < m.cfg.BatteryThresholdPct {
		return false
	}
	return m.thermalOKLocked()
}

func (m *Manager) thermalOKLocked() bool {
	if temp, ok := m.cpuTempC(); ok && temp > m.cfg.TempThresholdC {
		return false
	}
	return true
}

func (p *DeviceProfile) has(d DeviceType) bool {
	for _, r := range p.Ranked {
		if r == d {
			return true
		}
	}
	return false
}
