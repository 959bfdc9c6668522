// Package cluster is the job-execution boundary the receiver tracker submits
// work through.
//
// Ownership boundary:
// - distributed collections with optional placement hints
// - running one task per partition and reporting the first failure
// - disposable warm-up jobs
//
// LocalCluster runs partitions as goroutines on named in-process workers.
package cluster

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoWorkers         = errors.New("cluster: no workers available")
	ErrLocationsMismatch = errors.New("cluster: values and locations length mismatch")
	ErrTaskPanic         = errors.New("cluster: task panicked")
)

// Partition is one slice of a Dataset, optionally pinned to a worker.
type Partition struct {
	Index    int
	Values   []any
	Location string
}

// Dataset is a distributed collection split into partitions.
type Dataset struct {
	Partitions []Partition
}

// Parallelize splits values across n partitions with no placement hints.
// Values are distributed contiguously, earlier partitions taking the remainder.
func Parallelize(values []any, n int) Dataset {
	if n <= 0 {
		n = 1
	}
	parts := make([]Partition, n)
	size := len(values) / n
	extra := len(values) % n
	offset := 0
	for i := 0; i < n; i++ {
		count := size
		if i < extra {
			count++
		}
		vals := make([]any, count)
		copy(vals, values[offset:offset+count])
		parts[i] = Partition{Index: i, Values: vals}
		offset += count
	}
	return Dataset{Partitions: parts}
}

// WithLocations builds one partition per value, partition i preferring locations[i].
func WithLocations(values []any, locations []string) (Dataset, error) {
	if len(values) != len(locations) {
		return Dataset{}, fmt.Errorf("%w: values=%d locations=%d", ErrLocationsMismatch, len(values), len(locations))
	}
	parts := make([]Partition, len(values))
	for i := range values {
		parts[i] = Partition{Index: i, Values: []any{values[i]}, Location: locations[i]}
	}
	return Dataset{Partitions: parts}, nil
}

// TaskContext describes where one partition task is running.
type TaskContext struct {
	Job       string
	Partition int
	Worker    string
}

// TaskFunc is the per-partition task body.
type TaskFunc func(ctx context.Context, tc TaskContext, values []any) error

// Job is one blocking submission.
type Job struct {
	Name string
	Data Dataset
	Task TaskFunc
}

// Engine is what the tracker needs from a cluster job engine.
type Engine interface {
	// Submit runs Task once per partition and blocks until all partitions
	// finish. The first task error fails the whole submission.
	Submit(ctx context.Context, job Job) error
	// Warmup runs a throwaway job of many tiny partitions and returns the
	// reduced result.
	Warmup(ctx context.Context, partitions int) (int, error)
}
