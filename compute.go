package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements parallel execution of matrix operations using
// goroutines. The model's algorithms are all expressed as whole-batch
// tensor operations; any parallelism (across output rows of a matmul,
// across batch elements of a forward pass) lives here, behind a runtime
// configuration, so the numeric code stays single-threaded and
// deterministic when that matters (debugging, golden tests).
//
// Splitting matmul rows across cores gives a modest speedup: the
// operation is O(n³) compute but O(n²) memory traffic, and for the
// matrix sizes a small ViT produces you saturate memory bandwidth well
// before you run out of ALUs. Goroutine overhead dominates below ~64
// rows, which is why MinSizeForParallel exists.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
//
// This allows switching between single-threaded (deterministic ordering,
// easier debugging) and multi-threaded (faster) execution modes.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel specifies the minimum matrix dimension
	// before parallelization is used. Small matrices don't benefit
	// from parallelization due to goroutine overhead.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the problem size.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// Global compute configuration (can be overridden per operation)
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// ParallelMatMul performs parallel matrix multiplication: C = A @ B.
//
// Parallelization strategy:
// - Divide output rows among workers
// - Each worker computes a contiguous block of rows
// - Minimizes false sharing (workers write to different cache lines)
func ParallelMatMul(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]

	if k1 != k2 {
		panic("tensor: incompatible dimensions for matmul")
	}
	k := k1

	out := NewTensor(m, n)

	// Use single-threaded path for small matrices
	if !cfg.shouldParallelize(m) || !cfg.shouldParallelize(n) {
		matmulRows(a, b, out, 0, m, n, k)
		return out
	}

	numWorkers := cfg.numWorkers()
	rowsPerWorker := (m + numWorkers - 1) / numWorkers // Ceiling division

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if endRow > m {
			endRow = m
		}

		if startRow >= m {
			wg.Done()
			continue
		}

		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end, n, k)
		}(startRow, endRow)
	}

	wg.Wait()
	return out
}

// matmulRows computes output rows [startRow, endRow).
func matmulRows(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for kk := 0; kk < k; kk++ {
				sum += a.At(i, kk) * b.At(kk, j)
			}
			out.Set(sum, i, j)
		}
	}
}

// forEachBatchRow runs fn(b) for every batch index in [0, batch), in
// parallel when the configuration allows it. Batch elements are
// independent in every forward-pass stage, so this is safe as long as
// fn only writes to its own batch row of any output tensor.
func forEachBatchRow(batch int, cfg ComputeConfig, fn func(b int)) {
	if !cfg.Parallel || batch == 1 {
		for i := 0; i < batch; i++ {
			fn(i)
		}
		return
	}

	workers := cfg.numWorkers()
	if workers > batch {
		workers = batch
	}

	var wg sync.WaitGroup
	wg.Add(workers)

	next := make(chan int, batch)
	for i := 0; i < batch; i++ {
		next <- i
	}
	close(next)

	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range next {
				fn(i)
			}
		}()
	}

	wg.Wait()
}
