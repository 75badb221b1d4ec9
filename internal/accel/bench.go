package accel

import (
	"context"
	"runtime"
	"sort"
	"time"
)

const (
	// benchDim is the square matrix size used for the CPU benchmark.
	benchDim = 256

	// benchIters is how many multiplications are timed.
	benchIters = 3

	// GPU and NPU devices are rated at nominal figures rather than timed:
	// the vendor runtimes are opaque, so their detection implies the rated
	// throughput class.
	nominalGPUGFLOPS = 300.0
	nominalNPUGFLOPS = 500.0
)

// benchmark measures the CPU and rates any detected accelerators, returning
// a profile ranked fastest first.
func (m *Manager) benchmark(ctx context.Context) *DeviceProfile {
	profile := &DeviceProfile{BenchmarkedAt: time.Now().UTC()}

	cpuGFLOPS := m.benchMatMul()
	profile.Devices = append(profile.Devices, Device{
		Type:   DeviceCPU,
		Name:   runtime.GOARCH,
		GFLOPS: cpuGFLOPS,
	})
	m.log.Info("cpu benchmark: %.1f GFLOPS (%dx%d matmul, %d iters)",
		cpuGFLOPS, benchDim, benchDim, benchIters)

	if name, ok := m.detectGPU(); ok {
		profile.Devices = append(profile.Devices, Device{
			Type:   DeviceGPU,
			Name:   name,
			GFLOPS: nominalGPUGFLOPS,
		})
		m.log.Info("gpu detected: %s (rated %.0f GFLOPS)", name, nominalGPUGFLOPS)
	}
	if name, ok := m.detectNPU(); ok {
		profile.Devices = append(profile.Devices, Device{
			Type:   DeviceNPU,
			Name:   name,
			GFLOPS: nominalNPUGFLOPS,
		})
		m.log.Info("npu detected: %s (rated %.0f GFLOPS)", name, nominalNPUGFLOPS)
	}

	sort.SliceStable(profile.Devices, func(i, j int) bool {
		return profile.Devices[i].GFLOPS > profile.Devices[j].GFLOPS
	})
	for _, d := range profile.Devices {
		profile.Ranked = append(profile.Ranked, d.Type)
	}
	return profile
}

// benchmarkMatMul times a dense float32 matrix multiplication and converts
// to GFLOPS. float32 matches the precision inference kernels run at.
func benchmarkMatMul() float64 {
	a := make([]float32, benchDim*benchDim)
	b := make([]float32, benchDim*benchDim)
	c := make([]float32, benchDim*benchDim)
	for i := range a {
		a[i] = float32(i%97) * 0.5
		b[i] = float32(i%89) * 0.25
	}

	start := time.Now()
	for iter := 0; iter < benchIters; iter++ {
		for i := 0; i < benchDim; i++ {
			for k := 0; k < benchDim; k++ {
				aik := a[i*benchDim+k]
				for j := 0; j < benchDim; j++ {
					c[i*benchDim+j] += aik * b[k*benchDim+j]
				}
			}
		}
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}

	// 2*n^3 floating point ops per multiplication.
	ops := float64(benchIters) * 2 * float64(benchDim) * float64(benchDim) * float64(benchDim)
	return ops / elapsed / 1e9
}
