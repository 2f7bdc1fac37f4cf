// Command hyperstart is the guest agent. It serves the control and tty
// channels a host orchestrator uses to run a pod inside the guest.
package main

import (
	"context"
	"errors"
	"fmt"
	"hyperstart/internal/agent"
	"hyperstart/internal/config"
	"hyperstart/internal/podstate"
	"hyperstart/internal/runtime"
	"hyperstart/pkg/protocol"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hyperstart: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		controlSocket string
		ttySocket     string
		runtimeName   string
		debug         bool
	)

	flagSet := pflag.NewFlagSet("hyperstart", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (watched for changes)")
	flagSet.StringVar(&controlSocket, "control-socket", "", "override the control socket path")
	flagSet.StringVar(&ttySocket, "tty-socket", "", "override the tty socket path")
	flagSet.StringVar(&runtimeName, "runtime", "", "override the runtime backend (local or docker)")
	flagSet.BoolVar(&debug, "debug", false, "log every decoded message")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := log.New(os.Stdout, "[hyperstart] ", log.LstdFlags|log.Lmsgprefix)

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if controlSocket != "" {
		cfg.ControlSocket = controlSocket
	}
	if ttySocket != "" {
		cfg.TTYSocket = ttySocket
	}
	if runtimeName != "" {
		cfg.Runtime = runtimeName
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pods, err := podstate.NewManager(podstate.Config{
		SharedDir: cfg.SharedDir,
		StatePath: cfg.StatePath,
	})
	if err != nil {
		return err
	}
	if err := pods.Start(); err != nil {
		return fmt.Errorf("start pod state: %w", err)
	}
	if err := pods.ReconcileState(); err != nil {
		logger.Printf("warning: reconcile pod state: %v", err)
	}

	decoderConfig := cfg.DecoderConfig()
	if debug {
		decoderConfig.Logger = log.New(os.Stdout, "[decoder] ", log.LstdFlags|log.Lmsgprefix)
	}

	srv, err := agent.NewServer(agent.Config{
		ControlSocket:  cfg.ControlSocket,
		TTYSocket:      cfg.TTYSocket,
		AuditPath:      cfg.AuditPath,
		AllowedUIDs:    cfg.AllowedUIDs,
		MaxMessageSize: cfg.MaxMessageSize,
		Decoder:        protocol.NewDecoder(decoderConfig),
		Pods:           pods,
		NewRuntime:     runtimeFactory(cfg),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			logger.Printf("warning: config hot-reload disabled: %v", err)
		} else if err := watcher.Start(context.Background()); err != nil {
			logger.Printf("warning: config hot-reload disabled: %v", err)
		} else {
			watcher.OnReload(srv.Reload)
			defer watcher.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down...", sig)
		srv.Shutdown()
	}()

	logger.Printf("starting agent (runtime=%s)", cfg.Runtime)
	return srv.ListenAndServe()
}

// runtimeFactory returns the constructor for the configured backend.
func runtimeFactory(cfg *config.Config) func(runtime.Config) (runtime.Runtime, error) {
	return func(rc runtime.Config) (runtime.Runtime, error) {
		if cfg.Runtime != config.RuntimeDocker {
			return runtime.NewLocal(rc), nil
		}

		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if cfg.Docker.Host != "" {
			opts = append(opts, client.WithHost(cfg.Docker.Host))
		}
		cli, err := client.NewClientWithOpts(opts...)
		if err != nil {
			return nil, fmt.Errorf("connect to docker: %w", err)
		}

		return runtime.NewDocker(runtime.DockerConfig{
			Config:    rc,
			Client:    cli,
			SharedDir: cfg.SharedDir,
			Network:   cfg.Docker.Network,
		}), nil
	}
}
