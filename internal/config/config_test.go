package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naturaljoin/internal/join"
	"naturaljoin/internal/mapreduce"
)

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cfg := Default()
	fs := flag.NewFlagSet("naturaljoin", flag.ContinueOnError)
	cfg.Bind(fs)
	require.NoError(t, fs.Parse(args))
	if err := cfg.SetArgs(fs.Args()); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := parse(t, "orders", "customers", "out")
	require.NoError(t, err)

	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, "orders", cfg.OrdersPath)
	assert.Equal(t, "customers", cfg.CustomersPath)
	assert.Equal(t, "out", cfg.OutputPath)
	assert.Equal(t, join.DefaultOrderKeyField, cfg.OrderKeyField)
	assert.Equal(t, join.DefaultCustomerKeyField, cfg.CustomerKeyField)
}

func TestSetArgsNeedsThreePaths(t *testing.T) {
	_, err := parse(t, "orders", "customers")
	assert.ErrorContains(t, err, "expected 3 arguments")

	_, err = parse(t, "a", "b", "c", "d")
	assert.Error(t, err)
}

func TestValidateRejectsBadFlags(t *testing.T) {
	cases := map[string][]string{
		"mode":         {"-mode=batch"},
		"reducers":     {"-reducers=0"},
		"parallelism":  {"-parallelism=0"},
		"retries":      {"-retries=0"},
		"policy":       {"-on-malformed=ignore"},
		"key field":    {"-order-key-field=-1"},
		"delimiter":    {"-delimiter="},
		"log level":    {"-log-level=chatty"},
		"cluster node": {"-mode=cluster", "-node-id="},
		"cluster port": {"-mode=cluster", "-raft-port=0"},
	}
	for name, flags := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parse(t, append(flags, "o", "c", "out")...)
			assert.Error(t, err)
		})
	}
}

func TestJobOptions(t *testing.T) {
	cfg, err := parse(t,
		"-reducers=2", "-retries=5", "-on-malformed=skip",
		"-order-key-field=1", "-customer-key-field=2", "-delimiter=|",
		"-spill-dir=/tmp/spill", "-log-level=debug",
		"o", "c", "out")
	require.NoError(t, err)

	opts := cfg.JobOptions()
	assert.Equal(t, "o", opts.OrdersPath)
	assert.Equal(t, 2, opts.Reducers)
	assert.Equal(t, 5, opts.Retries)
	assert.Equal(t, mapreduce.PolicySkip, opts.RecordPolicy)
	assert.Equal(t, 1, opts.OrderKeyField)
	assert.Equal(t, 2, opts.CustomerKeyField)
	assert.Equal(t, "|", opts.Delimiter)
	assert.Equal(t, "/tmp/spill", opts.SpillDir)
	assert.Equal(t, "debug", opts.LogLevel)
}
