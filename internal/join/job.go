package join

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"naturaljoin/internal/logger"
	"naturaljoin/internal/mapreduce"
	"naturaljoin/internal/output"
	"naturaljoin/internal/types"
)

// Error kinds reported by Classify.
const (
	KindMalformedRecord     = "malformed_record"
	KindDestinationConflict = "destination_conflict"
	KindJobExecution        = "job_execution"
)

// Options configures a join job.
type Options struct {
	JobID string // generated when empty

	OrdersPath    string
	CustomersPath string
	OutputPath    string

	Reducers         int
	Parallelism      int
	Retries          int
	RecordPolicy     mapreduce.RecordPolicy
	OrderKeyField    int
	CustomerKeyField int
	Delimiter        string
	SpillDir         string
	LogLevel         string

	Observer mapreduce.Observer
}

// DefaultOptions returns options for the standard order/customer layout.
func DefaultOptions(orders, customers, out string) Options {
	return Options{
		OrdersPath:       orders,
		CustomersPath:    customers,
		OutputPath:       out,
		Reducers:         1,
		Parallelism:      runtime.NumCPU(),
		Retries:          3,
		RecordPolicy:     mapreduce.PolicyAbort,
		OrderKeyField:    DefaultOrderKeyField,
		CustomerKeyField: DefaultCustomerKeyField,
		Delimiter:        DefaultDelimiter,
		LogLevel:         "INFO",
	}
}

// Report summarizes a committed job.
type Report struct {
	JobID      string
	OutputPath string
	Partitions int
	Stats      types.JobStats
}

// Job joins an orders input with a customers input into an output directory.
type Job struct {
	opts   Options
	logger *logger.Logger
}

func NewJob(opts Options) *Job {
	if opts.JobID == "" {
		opts.JobID = "job-" + uuid.New().String()[:8]
	}
	if opts.Delimiter == "" {
		opts.Delimiter = DefaultDelimiter
	}
	return &Job{
		opts:   opts,
		logger: logger.New(opts.LogLevel),
	}
}

func (j *Job) ID() string {
	return j.opts.JobID
}

// Run executes the job. On any failure the destination is left untouched.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	o := j.opts
	j.logger.Info("Join job starting: job_id=%s orders=%s customers=%s output=%s",
		o.JobID, o.OrdersPath, o.CustomersPath, o.OutputPath)

	committer, err := output.Prepare(o.OutputPath)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if err := committer.Abort(); err != nil {
				j.logger.Warn("Failed to discard staged output: job_id=%s err=%v", o.JobID, err)
			}
		}
	}()

	engine, cleanup, err := j.engine()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	inputs := []mapreduce.Input{
		{
			Path:     o.OrdersPath,
			Relation: types.RelationOrder,
			Mapper:   &OrderTagger{KeyField: o.OrderKeyField, Delimiter: o.Delimiter},
		},
		{
			Path:     o.CustomersPath,
			Relation: types.RelationCustomer,
			Mapper:   &CustomerTagger{KeyField: o.CustomerKeyField, Delimiter: o.Delimiter},
		},
	}

	result, err := engine.Execute(ctx, inputs, NewJoinReducer(j.logger))
	if err != nil {
		return nil, fmt.Errorf("job %s failed: %w", o.JobID, err)
	}

	for p, results := range result.Partitions {
		if err := committer.WritePartition(p, results); err != nil {
			return nil, fmt.Errorf("job %s failed: %w", o.JobID, err)
		}
	}
	if err := committer.Commit(); err != nil {
		return nil, fmt.Errorf("job %s failed to commit: %w", o.JobID, err)
	}
	committed = true

	if result.Stats.DroppedValues > 0 {
		j.logger.Warn("Values with unrecognized relation were dropped: job_id=%s dropped=%d",
			o.JobID, result.Stats.DroppedValues)
	}
	j.logger.Info("Join job committed: job_id=%s output=%s keys=%d joined=%d",
		o.JobID, committer.Dest(), result.Stats.Keys, result.Stats.JoinedRecords)

	return &Report{
		JobID:      o.JobID,
		OutputPath: committer.Dest(),
		Partitions: len(result.Partitions),
		Stats:      result.Stats,
	}, nil
}

func (j *Job) engine() (*mapreduce.Engine, func(), error) {
	o := j.opts
	e := mapreduce.NewEngine(o.Reducers)
	e.SetLogger(j.logger)
	e.SetRecordPolicy(o.RecordPolicy)
	if o.Retries > 0 {
		e.SetMaxRetries(o.Retries)
	}
	if o.Parallelism > 0 {
		e.SetParallelism(o.Parallelism)
	}
	if o.Observer != nil {
		e.SetObserver(o.Observer)
	}

	cleanup := func() {}
	if o.SpillDir != "" {
		dir := filepath.Join(o.SpillDir, o.JobID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create spill directory: %w", err)
		}
		e.SetSpillDir(dir)
		cleanup = func() {
			if err := os.RemoveAll(dir); err != nil {
				j.logger.Warn("Error cleaning up spill directory: %v", err)
			}
		}
	}
	return e, cleanup, nil
}

// Classify maps err onto the job error taxonomy.
func Classify(err error) string {
	var malformed *MalformedRecordError
	var conflict *output.DestinationConflictError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &malformed):
		return KindMalformedRecord
	case errors.As(err, &conflict), errors.Is(err, output.ErrLocked):
		return KindDestinationConflict
	default:
		return KindJobExecution
	}
}
