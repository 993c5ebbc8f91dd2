package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/bouncer-worker/internal/api"
	"github.com/mattjoyce/bouncer-worker/internal/artifact"
	"github.com/mattjoyce/bouncer-worker/internal/broker"
	"github.com/mattjoyce/bouncer-worker/internal/command"
	"github.com/mattjoyce/bouncer-worker/internal/config"
	"github.com/mattjoyce/bouncer-worker/internal/dispatch"
	"github.com/mattjoyce/bouncer-worker/internal/log"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
	"github.com/mattjoyce/bouncer-worker/internal/runner"
	"github.com/mattjoyce/bouncer-worker/internal/stats"
	"github.com/mattjoyce/bouncer-worker/internal/toy"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		os.Exit(runStart(nil))
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "check":
		os.Exit(runCheck(args))
	case "version":
		fmt.Printf("bouncer-worker version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		if len(cmd) > 0 && cmd[0] == '-' {
			// Bare flags mean "start".
			os.Exit(runStart(os.Args[1:]))
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`bouncer-worker - RabbitMQ job worker for the bouncer and Unity tools

Usage:
  bouncer-worker <command> [flags]

Commands:
  start     Connect to the broker and process jobs (default)
  check     Validate the configuration and print its fingerprint
  version   Show version information
  help      Show this help message

Flags:
  -config   Path to configuration file or directory (default: config.yaml)
`)
}

func parseConfigFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *configPath, nil
}

func runCheck(args []string) int {
	configPath, err := parseConfigFlag("check", args)
	if err != nil {
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fingerprint config: %v\n", err)
		return 1
	}

	fmt.Printf("config: %s\nfingerprint: %s\n", cfg.SourcePath, fingerprint)
	if _, err := os.Stat(cfg.Bouncer.Path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: bouncer.path %s: %v\n", cfg.Bouncer.Path, err)
	}
	fmt.Println("Configuration OK")
	return 0
}

func runStart(args []string) int {
	configPath, err := parseConfigFlag("start", args)
	if err != nil {
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(log.Options{
		Level:  cfg.Service.LogLevel,
		Format: cfg.Service.LogFormat,
		File:   cfg.Logging.File,
	})
	defer func() { _ = log.Close() }()
	logger := log.WithComponent("main")

	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		logger.Warn("failed to fingerprint config", "error", err)
	}
	logger.Info("bouncer-worker starting", "version", version, "config", cfg.SourcePath, "fingerprint", fingerprint)

	if cfg.Service.Umask != "" {
		mask, _ := config.ParseUmask(cfg.Service.Umask)
		applyUmask(mask, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runOpts []runner.Option
	var registry *monitor.Registry
	var statsReader api.StatsReader
	if cfg.ProcessMonitoring.Enabled {
		sink, err := stats.Open(ctx, cfg.ProcessMonitoring)
		if err != nil {
			logger.Error("failed to open process stats sink", "sink", cfg.ProcessMonitoring.Sink, "error", err)
			return 1
		}
		defer func() { _ = sink.Close() }()
		if r, ok := sink.(api.StatsReader); ok {
			statsReader = r
		}

		registry = monitor.New(monitor.Options{
			Interval: cfg.ProcessMonitoring.MemoryInterval,
			Sink:     sink,
		})
		defer registry.Close()
		if !registry.Supported() {
			logger.Warn("process monitoring is not supported on this platform")
		}
		runOpts = append(runOpts, runner.WithMonitor(registry))
		logger.Info("process monitoring enabled", "sink", cfg.ProcessMonitoring.Sink, "interval", cfg.ProcessMonitoring.MemoryInterval)
	}
	run := runner.New(runOpts...)
	builder := command.New(cfg)

	if out := run.Run(ctx, builder.SelfTest(), nil); !out.OK() {
		logger.Error("bouncer self test failed", "path", cfg.Bouncer.Path, "code", out.Code, "stderr", out.Stderr)
		return 1
	}
	logger.Info("bouncer self test passed", "path", cfg.Bouncer.Path)

	opts := dispatch.Options{
		Builder:    builder,
		Runner:     run,
		TaskLogDir: cfg.Logging.TaskLogDir,
		ToyDir:     cfg.Bouncer.ToyDir,
		UnityQueue: cfg.RabbitMQ.UnityQueue,
	}

	if store, err := toy.NewMongoStore(ctx, cfg); err != nil {
		logger.Warn("toy import disabled: mongo unavailable", "error", err)
	} else {
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(cctx)
		}()
		opts.Toys = toy.NewFileImporter(store)
	}

	if cfg.Artifacts.Enabled {
		archiver, err := artifact.NewS3Archiver(cfg.Artifacts)
		if err != nil {
			logger.Error("failed to configure artifact store", "error", err)
			return 1
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			logger.Error("failed to prepare artifact bucket", "bucket", cfg.Artifacts.Bucket, "error", err)
			return 1
		}
		opts.Archiver = archiver
		logger.Info("task log archiving enabled", "endpoint", cfg.Artifacts.Endpoint, "bucket", cfg.Artifacts.Bucket)
	}

	disp := dispatch.New(opts)

	mgr := broker.NewManager(broker.Options{
		URL:           cfg.RabbitMQ.Host,
		ReplyQueue:    cfg.RabbitMQ.CallbackQueue,
		PublishQueues: nonEmpty(cfg.RabbitMQ.UnityQueue),
		Subscriptions: subscriptions(cfg.RabbitMQ, disp),
		MaxRetries:    cfg.RabbitMQ.Retries(),
		RetryDelay:    cfg.RabbitMQ.RetryDelay,
	})

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		var processes api.ProcessLister
		if registry != nil {
			processes = registry
		}
		apiServer := api.New(api.Config{Listen: cfg.API.Listen, Fingerprint: fingerprint},
			mgr, processes, statsReader, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	go func() { errCh <- mgr.Run(ctx) }()

	err = <-errCh
	stop()
	if err != nil {
		if errors.Is(err, broker.ErrRetriesExhausted) {
			logger.Error("unable to reach the broker", "host", cfg.RabbitMQ.Host, "error", err)
		} else {
			logger.Error("worker stopped with error", "error", err)
		}
		return 1
	}
	logger.Info("bouncer-worker stopped")
	return 0
}

func subscriptions(rc config.RabbitMQConfig, disp *dispatch.Dispatcher) []broker.Subscription {
	var subs []broker.Subscription
	if rc.WorkerQueue != "" {
		subs = append(subs, broker.Subscription{Queue: rc.WorkerQueue, Prefetch: rc.TaskPrefetch, Handler: disp.Task()})
	}
	if rc.ModelQueue != "" {
		subs = append(subs, broker.Subscription{Queue: rc.ModelQueue, Prefetch: rc.ModelPrefetch, Handler: disp.Model()})
	}
	if rc.ConsumeUnity && rc.UnityQueue != "" {
		subs = append(subs, broker.Subscription{Queue: rc.UnityQueue, Prefetch: rc.UnityPrefetch, Handler: disp.Unity()})
	}
	return subs
}

func nonEmpty(names ...string) []string {
	var out []string
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}
