package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"naturaljoin/internal/config"
	"naturaljoin/internal/coordinator"
	"naturaljoin/internal/discovery"
	httpserver "naturaljoin/internal/http"
	"naturaljoin/internal/join"
	"naturaljoin/internal/logger"
	"naturaljoin/internal/raft"
)

func main() {
	cfg := config.Default()
	cfg.Bind(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <orders> <customers> <output>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Set("logtostderr", "true")
	flag.Parse()
	defer logger.Flush()

	if err := cfg.SetArgs(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		report *join.Report
		err    error
	)
	if cfg.Mode == config.ModeCluster {
		report, err = runCluster(ctx, cfg)
	} else {
		report, err = join.NewJob(cfg.JobOptions()).Run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kind=%s err=%v\n", join.Classify(err), err)
		logger.Flush()
		os.Exit(1)
	}

	fmt.Printf("job=%s output=%s keys=%d joined=%d dropped=%d\n",
		report.JobID, report.OutputPath, report.Stats.Keys, report.Stats.JoinedRecords, report.Stats.DroppedValues)
}

func runCluster(ctx context.Context, cfg config.Config) (*join.Report, error) {
	lg := logger.New(cfg.LogLevel)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "naturaljoin-"+uuid.New().String()[:8])
		defer os.RemoveAll(dataDir)
	}

	master, err := coordinator.NewMaster(raft.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.RaftAddr,
		BindPort: cfg.RaftPort,
		DataDir:  dataDir,
	})
	if err != nil {
		return nil, err
	}
	defer master.Close()

	lg.Info("Waiting for leader election: node_id=%s", cfg.NodeID)
	if err := master.WaitForLeader(10 * time.Second); err != nil {
		return nil, err
	}

	if cfg.GossipPort > 0 {
		var joinAddrs []string
		if cfg.JoinAddrs != "" {
			joinAddrs = strings.Split(cfg.JoinAddrs, ",")
		}
		nd, err := discovery.NewNodeDiscovery(discovery.Config{
			NodeID:       cfg.NodeID,
			LocalAddress: cfg.RaftAddr,
			LocalPort:    cfg.GossipPort,
			Slots:        cfg.Parallelism,
			JoinAddrs:    joinAddrs,
		})
		if err != nil {
			return nil, err
		}
		defer nd.Shutdown()
		master.AttachDiscovery(nd)
	} else {
		addr := fmt.Sprintf("%s:%d", cfg.RaftAddr, cfg.RaftPort)
		for i := 0; i < cfg.Parallelism; i++ {
			if _, err := master.RegisterWorker(addr); err != nil {
				return nil, err
			}
		}
	}

	var server *httpserver.Server
	if cfg.HTTPPort > 0 {
		server = httpserver.NewServer(httpserver.ServerOpts{ID: cfg.NodeID, Port: cfg.HTTPPort}, master)
		go func() {
			if err := server.Start(); err != nil {
				lg.Error("Status server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	jobID, err := master.SubmitJob(cfg.JobOptions())
	if err != nil {
		return nil, err
	}
	report, err := master.RunJob(ctx, jobID)

	if cfg.Serve && server != nil {
		lg.Info("Job %s finished, serving status on port %d until interrupted", jobID, cfg.HTTPPort)
		<-ctx.Done()
	}
	return report, err
}
