package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// LocalCluster is an in-process Engine. Workers are named slots that can join
// at any time; tasks run as goroutines attributed to the chosen worker.
type LocalCluster struct {
	mu          sync.Mutex
	workers     []string
	known       map[string]struct{}
	running     map[string]int
	next        int
	assignments map[int]string
}

// NewLocalCluster returns a cluster with the given initial workers.
func NewLocalCluster(workers ...string) *LocalCluster {
	c := &LocalCluster{
		known:       make(map[string]struct{}),
		running:     make(map[string]int),
		assignments: make(map[int]string),
	}
	for _, w := range workers {
		c.Join(w)
	}
	return c
}

// Join announces a worker. Joining twice is a no-op.
func (c *LocalCluster) Join(worker string) {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.known[worker]; ok {
		return
	}
	c.known[worker] = struct{}{}
	c.workers = append(c.workers, worker)
	log.Debug().Str("worker", worker).Int("workers", len(c.workers)).Msg("cluster worker joined")
}

// Workers returns the announced workers in join order.
func (c *LocalCluster) Workers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.workers))
	copy(out, c.workers)
	return out
}

// Assignments returns partition index -> worker for the most recent Submit.
func (c *LocalCluster) Assignments() map[int]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]string, len(c.assignments))
	for k, v := range c.assignments {
		out[k] = v
	}
	return out
}

// Submit places every partition, runs the task bodies concurrently and
// returns the first error. Sibling tasks see a cancelled context on failure.
func (c *LocalCluster) Submit(ctx context.Context, job Job) error {
	placed, err := c.place(job.Data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.assignments = make(map[int]string, len(placed))
	for i, p := range job.Data.Partitions {
		c.assignments[p.Index] = placed[i]
	}
	c.mu.Unlock()

	log.Info().
		Str("job", job.Name).
		Int("partitions", len(job.Data.Partitions)).
		Msg("cluster job submitted")

	g, gctx := errgroup.WithContext(ctx)
	for i, part := range job.Data.Partitions {
		worker := placed[i]
		tc := TaskContext{Job: job.Name, Partition: part.Index, Worker: worker}
		values := part.Values
		g.Go(func() error {
			defer c.release(worker)
			return runTask(gctx, job.Task, tc, values)
		})
	}
	return g.Wait()
}

// Warmup spreads many trivial partitions over the workers and sums them.
func (c *LocalCluster) Warmup(ctx context.Context, partitions int) (int, error) {
	if partitions <= 0 {
		return 0, nil
	}
	values := make([]any, partitions)
	for i := range values {
		values[i] = 1
	}
	var mu sync.Mutex
	total := 0
	err := c.Submit(ctx, Job{
		Name: "warmup",
		Data: Parallelize(values, partitions),
		Task: func(_ context.Context, _ TaskContext, vals []any) error {
			sum := 0
			for _, v := range vals {
				sum += v.(int)
			}
			mu.Lock()
			total += sum
			mu.Unlock()
			return nil
		},
	})
	return total, err
}

func runTask(ctx context.Context, fn TaskFunc, tc TaskContext, values []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: job=%q partition=%d: %v", ErrTaskPanic, tc.Job, tc.Partition, r)
		}
	}()
	return fn(ctx, tc, values)
}

// place picks a worker per partition and marks it busy. A location hint is
// honored when that worker has joined; otherwise the least-loaded worker wins,
// ties broken round-robin.
func (c *LocalCluster) place(data Dataset) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.workers) == 0 {
		return nil, ErrNoWorkers
	}
	out := make([]string, len(data.Partitions))
	for i, part := range data.Partitions {
		if loc := strings.TrimSpace(part.Location); loc != "" {
			if _, ok := c.known[loc]; ok {
				out[i] = loc
				c.running[loc]++
				continue
			}
			log.Warn().
				Int("partition", part.Index).
				Str("location", loc).
				Msg("cluster preferred worker unknown; falling back")
		}
		w := c.leastLoadedLocked()
		out[i] = w
		c.running[w]++
	}
	return out, nil
}

func (c *LocalCluster) leastLoadedLocked() string {
	order := make([]string, len(c.workers))
	for i := range c.workers {
		order[i] = c.workers[(c.next+i)%len(c.workers)]
	}
	sort.SliceStable(order, func(i, j int) bool {
		return c.running[order[i]] < c.running[order[j]]
	})
	c.next = (c.next + 1) % len(c.workers)
	return order[0]
}

func (c *LocalCluster) release(worker string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[worker] > 0 {
		c.running[worker]--
	}
}
