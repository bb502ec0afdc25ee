package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"naturaljoin/internal/logger"
	"naturaljoin/internal/types"
)

// Mapper turns one input line into a keyed, tagged value.
type Mapper interface {
	Map(line string) (types.KeyValue, error)
}

// Reducer combines every value routed to one key.
type Reducer interface {
	Reduce(key string, values []types.TaggedValue) (types.JoinResult, error)
}

// Input binds an input path (file or directory) to the mapper that reads it.
type Input struct {
	Path     string
	Relation types.Relation
	Mapper   Mapper
}

// Observer is notified as tasks start and finish. Calls may arrive
// concurrently from different tasks.
type Observer interface {
	TaskStarted(task types.Task)
	TaskFinished(task types.Task, records int64, err error)
}

// Result is the output of a job, grouped by reduce partition. Keys are
// sorted within each partition.
type Result struct {
	Partitions [][]types.JoinResult
	Stats      types.JobStats
}

// Len returns the number of keys across all partitions.
func (r *Result) Len() int {
	n := 0
	for _, p := range r.Partitions {
		n += len(p)
	}
	return n
}

// Lookup returns the result for key, if any partition holds it.
func (r *Result) Lookup(key string) (types.JoinResult, bool) {
	for _, p := range r.Partitions {
		i := sort.Search(len(p), func(i int) bool { return p[i].Key >= key })
		if i < len(p) && p[i].Key == key {
			return p[i], true
		}
	}
	return types.JoinResult{}, false
}

// Engine is the MapReduce execution engine.
type Engine struct {
	numReducers int
	maxRetries  int
	parallelism int
	policy      RecordPolicy
	spillDir    string
	observer    Observer
	logger      *logger.Logger
}

// NewEngine creates a new MapReduce engine with numReducers reduce partitions.
func NewEngine(numReducers int) *Engine {
	if numReducers < 1 {
		numReducers = 1
	}
	return &Engine{
		numReducers: numReducers,
		maxRetries:  3, // Default retry count
		parallelism: runtime.NumCPU(),
		policy:      PolicyAbort,
		logger:      logger.New("INFO"),
	}
}

// SetMaxRetries configures the maximum number of attempts for a task that
// fails with a transient error.
func (e *Engine) SetMaxRetries(retries int) {
	if retries < 1 {
		retries = 1
	}
	e.maxRetries = retries
}

// SetParallelism bounds the number of tasks running at once.
func (e *Engine) SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	e.parallelism = n
}

// SetRecordPolicy configures what happens when a mapper rejects a line.
func (e *Engine) SetRecordPolicy(p RecordPolicy) {
	e.policy = p
}

// SetSpillDir makes map tasks write their output to files under dir
// instead of keeping it in memory.
func (e *Engine) SetSpillDir(dir string) {
	e.spillDir = dir
}

func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

func (e *Engine) SetLogger(lg *logger.Logger) {
	if lg != nil {
		e.logger = lg
	}
}

// Execute runs the job over inputs and returns the reduced output.
func (e *Engine) Execute(ctx context.Context, inputs []Input, reducer Reducer) (*Result, error) {
	tasks, err := planMapTasks(inputs)
	if err != nil {
		return nil, err
	}

	st, err := e.newStore(len(tasks))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var c counters
	e.logger.Info("Starting map phase: tasks=%d partitions=%d policy=%s", len(tasks), e.numReducers, e.policy)
	if err := e.mapPhase(ctx, tasks, st, &c); err != nil {
		return nil, err
	}

	e.logger.Info("Starting reduce phase: partitions=%d", e.numReducers)
	partitions, err := e.reducePhase(ctx, len(tasks), st, reducer, &c)
	if err != nil {
		return nil, err
	}

	stats := c.snapshot()
	e.logger.Info("Job finished: %s", logger.Fields(map[string]interface{}{
		"orders":    stats.OrderRecords,
		"customers": stats.CustomerRecords,
		"skipped":   stats.SkippedRecords,
		"keys":      stats.Keys,
		"joined":    stats.JoinedRecords,
		"dropped":   stats.DroppedValues,
	}))

	return &Result{Partitions: partitions, Stats: stats}, nil
}

type mapTask struct {
	task   types.Task
	mapper Mapper
}

// mapPhase executes the map phase in parallel. The first failing task
// cancels the others.
func (e *Engine) mapPhase(ctx context.Context, tasks []mapTask, st store, c *counters) error {
	return e.runAll(ctx, len(tasks), func(ctx context.Context, i int) error {
		mt := tasks[i]
		e.started(mt.task)

		var n mapCounts
		err := e.withRetries(ctx, mt.task, func() error {
			var err error
			n, err = e.runMapTask(ctx, mt, st)
			return err
		})

		e.finished(mt.task, n.emitted(), err)
		if err != nil {
			return err
		}
		c.add(n)
		return nil
	})
}

// reducePhase executes one reduce task per partition with bounded parallelism.
func (e *Engine) reducePhase(ctx context.Context, nMap int, st store, reducer Reducer, c *counters) ([][]types.JoinResult, error) {
	partitions := make([][]types.JoinResult, e.numReducers)

	err := e.runAll(ctx, e.numReducers, func(ctx context.Context, p int) error {
		task := types.Task{Kind: types.ReduceTask, ID: p, Partition: p}
		e.started(task)

		var out []types.JoinResult
		err := e.withRetries(ctx, task, func() error {
			var err error
			out, err = e.runReduceTask(ctx, p, nMap, st, reducer)
			return err
		})

		var joined int64
		for _, r := range out {
			joined += int64(r.Count())
		}
		e.finished(task, joined, err)
		if err != nil {
			return err
		}

		partitions[p] = out
		c.keys.Add(int64(len(out)))
		c.joined.Add(joined)
		for _, r := range out {
			c.dropped.Add(int64(r.Dropped))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return partitions, nil
}

func (e *Engine) runReduceTask(ctx context.Context, p, nMap int, st store, reducer Reducer) ([]types.JoinResult, error) {
	grouped := make(map[string][]types.TaggedValue)
	var keys []string

	// Map task order, then emit order within a task.
	for mapID := 0; mapID < nMap; mapID++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kvs, err := st.fetch(mapID, p)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch map output %d for partition %d: %w", mapID, p, err)
		}
		for _, kv := range kvs {
			if _, ok := grouped[kv.Key]; !ok {
				keys = append(keys, kv.Key)
			}
			grouped[kv.Key] = append(grouped[kv.Key], kv.Value)
		}
	}
	sort.Strings(keys)

	out := make([]types.JoinResult, 0, len(keys))
	for _, k := range keys {
		res, err := reducer.Reduce(k, grouped[k])
		if err != nil {
			return nil, fmt.Errorf("reduce error for key %s: %w", k, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// runAll runs fn for 0..n-1 with at most e.parallelism in flight and
// returns the first error.
func (e *Engine) runAll(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	sem := make(chan struct{}, e.parallelism)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}: // Acquire semaphore
			case <-ctx.Done():
				once.Do(func() { firstErr = ctx.Err() })
				return
			}
			defer func() { <-sem }() // Release semaphore

			if err := fn(ctx, i); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(i)
	}

	wg.Wait()
	return firstErr
}

func (e *Engine) withRetries(ctx context.Context, task types.Task, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
		e.logger.Warn("Task attempt failed: task=%s attempt=%d/%d err=%v", task, attempt, e.maxRetries, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", task, e.maxRetries, err)
}

func retryable(err error) bool {
	var recErr *RecordError
	if errors.As(err, &recErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) started(task types.Task) {
	e.logger.Debug("Task started: task=%s", task)
	if e.observer != nil {
		e.observer.TaskStarted(task)
	}
}

func (e *Engine) finished(task types.Task, records int64, err error) {
	if err != nil {
		e.logger.Error("Task failed: task=%s err=%v", task, err)
	} else {
		e.logger.Debug("Task completed: task=%s records=%d", task, records)
	}
	if e.observer != nil {
		e.observer.TaskFinished(task, records, err)
	}
}

// partition picks the reduce partition for key.
func (e *Engine) partition(key string) int {
	return ihash(key) % e.numReducers
}

// ihash returns a hash value for a key
func ihash(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & 0x7fffffff)
}

type counters struct {
	orders, customers, skipped atomic.Int64
	keys, joined, dropped      atomic.Int64
}

func (c *counters) add(n mapCounts) {
	c.orders.Add(n.orders)
	c.customers.Add(n.customers)
	c.skipped.Add(n.skipped)
}

func (c *counters) snapshot() types.JobStats {
	return types.JobStats{
		OrderRecords:    c.orders.Load(),
		CustomerRecords: c.customers.Load(),
		SkippedRecords:  c.skipped.Load(),
		Keys:            c.keys.Load(),
		JoinedRecords:   c.joined.Load(),
		DroppedValues:   c.dropped.Load(),
	}
}

// RecordPolicy decides how a map task treats a line its mapper rejects.
type RecordPolicy int

const (
	// PolicyAbort fails the task, and with it the job, on the first bad line.
	PolicyAbort RecordPolicy = iota
	// PolicySkip logs the line with its position and carries on.
	PolicySkip
)

func ParseRecordPolicy(s string) (RecordPolicy, error) {
	switch strings.ToLower(s) {
	case "abort", "":
		return PolicyAbort, nil
	case "skip":
		return PolicySkip, nil
	default:
		return PolicyAbort, fmt.Errorf("unknown record policy %q (want abort or skip)", s)
	}
}

func (p RecordPolicy) String() string {
	if p == PolicySkip {
		return "skip"
	}
	return "abort"
}

// RecordError locates a line a mapper rejected.
type RecordError struct {
	Path string
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
