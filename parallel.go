package vaultbox

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls concurrent folder-name probing. Each probe runs a
// full Argon2id derivation, so a directory with many candidate tokens is
// worth spreading across cores.
type ParallelConfig struct {
	// Enabled enables parallel probing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinJobsForParallel is the minimum number of candidate names to use
	// parallel probing. Below this threshold, names are probed sequentially.
	// Defaults to 2
	MinJobsForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinJobsForParallel < 1 {
		return errors.New("parallel min jobs threshold must be at least 1")
	}
	if p.MinJobsForParallel > 1000 {
		return errors.New("parallel min jobs threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel probing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:            true,
		MaxWorkers:         runtime.NumCPU(),
		MinJobsForParallel: 2,
	}
}

// nameJob is one speculative folder-name decryption
type nameJob struct {
	index int    // Position in the caller's result slice
	token string // Raw directory name
	name  string // Decrypted name when ok
	ok    bool
}

// probeNames decrypts every job's token, in parallel when configured.
// Failing to decrypt is a result, not an error; only a worker panic is.
func (s *Store) probeNames(jobs []nameJob, password []byte) error {
	if len(jobs) == 0 {
		return nil
	}

	probe := func(j *nameJob) {
		j.name, j.ok = s.engine.DecryptName(j.token, password)
	}

	if !s.parallel.Enabled || len(jobs) < s.parallel.MinJobsForParallel {
		for i := range jobs {
			probe(&jobs[i])
		}
		return nil
	}

	// Determine number of workers
	numWorkers := s.parallel.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	// Limit workers to number of jobs
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	var wg sync.WaitGroup
	jobChan := make(chan int, len(jobs))
	errChan := make(chan error, numWorkers)

	// Start workers
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					// Convert panic to error
					err := fmt.Errorf("panic in name probe worker: %v", r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			for idx := range jobChan {
				probe(&jobs[idx])
			}
		}()
	}

	// Send jobs
	for i := range jobs {
		jobChan <- i
	}
	close(jobChan)

	// Wait for completion
	wg.Wait()
	close(errChan)

	// Check for errors
	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}
