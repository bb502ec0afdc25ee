package config

import (
	"flag"
	"fmt"
	"runtime"

	"naturaljoin/internal/join"
	"naturaljoin/internal/logger"
	"naturaljoin/internal/mapreduce"
)

const (
	ModeLocal   = "local"
	ModeCluster = "cluster"
)

// Config holds everything needed to run a join from the command line.
type Config struct {
	Mode string

	OrdersPath    string
	CustomersPath string
	OutputPath    string

	Reducers         int
	Parallelism      int
	Retries          int
	OnMalformed      string
	OrderKeyField    int
	CustomerKeyField int
	Delimiter        string
	SpillDir         string
	LogLevel         string

	// Cluster mode
	NodeID     string
	RaftAddr   string
	RaftPort   int
	DataDir    string
	GossipPort int
	JoinAddrs  string
	HTTPPort   int
	Serve      bool
}

// Default returns the configuration used when no flags are given.
func Default() Config {
	return Config{
		Mode:             ModeLocal,
		Reducers:         4,
		Parallelism:      runtime.NumCPU(),
		Retries:          3,
		OnMalformed:      "abort",
		OrderKeyField:    join.DefaultOrderKeyField,
		CustomerKeyField: join.DefaultCustomerKeyField,
		Delimiter:        join.DefaultDelimiter,
		LogLevel:         "INFO",
		NodeID:           "node-1",
		RaftAddr:         "127.0.0.1",
		RaftPort:         9001,
	}
}

// Bind registers the configuration flags on fs.
func (c *Config) Bind(fs *flag.FlagSet) {
	fs.StringVar(&c.Mode, "mode", c.Mode, "Mode: 'local' runs the join in-process, 'cluster' records it in a raft job ledger")
	fs.IntVar(&c.Reducers, "reducers", c.Reducers, "Number of reduce partitions (output part files)")
	fs.IntVar(&c.Parallelism, "parallelism", c.Parallelism, "Maximum number of tasks running at once")
	fs.IntVar(&c.Retries, "retries", c.Retries, "Attempts per task on transient failures")
	fs.StringVar(&c.OnMalformed, "on-malformed", c.OnMalformed, "Malformed record policy: abort or skip")
	fs.IntVar(&c.OrderKeyField, "order-key-field", c.OrderKeyField, "Zero-based join key column in order records")
	fs.IntVar(&c.CustomerKeyField, "customer-key-field", c.CustomerKeyField, "Zero-based join key column in customer records")
	fs.StringVar(&c.Delimiter, "delimiter", c.Delimiter, "Field delimiter of both inputs")
	fs.StringVar(&c.SpillDir, "spill-dir", c.SpillDir, "Spill map output to this directory instead of memory")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: DEBUG, INFO, WARN or ERROR")

	fs.StringVar(&c.NodeID, "node-id", c.NodeID, "Raft node ID (cluster mode)")
	fs.StringVar(&c.RaftAddr, "raft-addr", c.RaftAddr, "Raft bind address (cluster mode)")
	fs.IntVar(&c.RaftPort, "raft-port", c.RaftPort, "Raft bind port (cluster mode)")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Raft data directory (cluster mode, default: temporary)")
	fs.IntVar(&c.GossipPort, "gossip-port", c.GossipPort, "Memberlist port for worker discovery, 0 disables (cluster mode)")
	fs.StringVar(&c.JoinAddrs, "join", c.JoinAddrs, "Comma-separated memberlist addresses to join (cluster mode)")
	fs.IntVar(&c.HTTPPort, "http-port", c.HTTPPort, "Status HTTP port, 0 disables (cluster mode)")
	fs.BoolVar(&c.Serve, "serve", c.Serve, "Keep serving status after the job finishes (cluster mode)")
}

// SetArgs assigns the positional <orders> <customers> <output> arguments.
func (c *Config) SetArgs(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("expected 3 arguments <orders> <customers> <output>, got %d", len(args))
	}
	c.OrdersPath, c.CustomersPath, c.OutputPath = args[0], args[1], args[2]
	return nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Mode != ModeLocal && c.Mode != ModeCluster {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.OrdersPath == "" || c.CustomersPath == "" || c.OutputPath == "" {
		return fmt.Errorf("orders, customers and output paths are required")
	}
	if c.Reducers < 1 {
		return fmt.Errorf("reducers must be at least 1, got %d", c.Reducers)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", c.Parallelism)
	}
	if c.Retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", c.Retries)
	}
	if _, err := mapreduce.ParseRecordPolicy(c.OnMalformed); err != nil {
		return err
	}
	if c.OrderKeyField < 0 || c.CustomerKeyField < 0 {
		return fmt.Errorf("key fields must not be negative")
	}
	if c.Delimiter == "" {
		return fmt.Errorf("delimiter must not be empty")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Mode == ModeCluster {
		if c.NodeID == "" {
			return fmt.Errorf("node-id is required in cluster mode")
		}
		if c.RaftPort <= 0 {
			return fmt.Errorf("raft-port must be positive in cluster mode")
		}
	}
	return nil
}

// JobOptions converts the configuration into join job options.
func (c *Config) JobOptions() join.Options {
	policy, _ := mapreduce.ParseRecordPolicy(c.OnMalformed)
	return join.Options{
		OrdersPath:       c.OrdersPath,
		CustomersPath:    c.CustomersPath,
		OutputPath:       c.OutputPath,
		Reducers:         c.Reducers,
		Parallelism:      c.Parallelism,
		Retries:          c.Retries,
		RecordPolicy:     policy,
		OrderKeyField:    c.OrderKeyField,
		CustomerKeyField: c.CustomerKeyField,
		Delimiter:        c.Delimiter,
		SpillDir:         c.SpillDir,
		LogLevel:         c.LogLevel,
	}
}
