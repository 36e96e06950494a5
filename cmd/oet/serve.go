package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ska-telescope/ska-oso-oet-go/abortscript"
	"github.com/ska-telescope/ska-oso-oet-go/apiworker"
	"github.com/ska-telescope/ska-oso-oet-go/config"
	"github.com/ska-telescope/ska-oso-oet-go/environment"
	"github.com/ska-telescope/ska-oso-oet-go/eventbus"
	"github.com/ska-telescope/ska-oso-oet-go/execworker"
	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
	"github.com/ska-telescope/ska-oso-oet-go/procmanager"
	"github.com/ska-telescope/ska-oso-oet-go/procworker"
	"github.com/ska-telescope/ska-oso-oet-go/ses"
)

// shutdownWait bounds how long serve gives the supervised workers to
// drain in aggregate once a stop signal arrives.
const shutdownWait = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the REST API and execution service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to an oet ini-style config file"},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.Resolve(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("resolving config: %v", err), 1)
	}

	logger := oetlog.New("oet")

	abortURI := cfg.AbortScriptURI
	if abortURI == "" {
		abortURI, err = abortscript.Materialize(cfg.SandboxBaseDir)
		if err != nil {
			return cli.Exit(fmt.Sprintf("materializing abort script: %v", err), 1)
		}
	}

	envMgr := environment.NewManager(filepath.Join(cfg.SandboxBaseDir, "environments"), logger)
	mgr := procmanager.NewManager(cfg.ScriptWorkerPath, envMgr, logger)

	// The execution side (ses.Service/execworker) and the API side
	// (apiworker) each get their own LocalBus, bridged through
	// MainContext — the same process separation the reference runtime
	// gets for free from running ProcWorker and its REST server as
	// distinct OS processes connected only by pypubsub.
	execBus := eventbus.New()
	apiBus := eventbus.New()

	svc := ses.New(mgr, execBus, abortURI, logger)
	execWorker := execworker.New("execution_worker", svc, execBus, logger)
	apiWorker := apiworker.New("api_worker", cfg.ListenAddr, apiBus, logger, cfg.GitDefaults)

	mainCtx := procworker.New(logger)

	execBridge := eventbus.NewWorker("execution_worker.bus", execBus, mainCtx.Inbox("execution_worker.bus"), mainCtx.EventQueue())
	apiBridge := eventbus.NewWorker("api_worker.bus", apiBus, mainCtx.Inbox("api_worker.bus"), mainCtx.EventQueue())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received", nil)
		cancel()
	}()

	bodies := []procworker.WorkerBody{execBridge, apiBridge, execWorker, apiWorker}
	for _, body := range bodies {
		if err := mainCtx.Spawn(ctx, body, procworker.DefaultStartupWait); err != nil {
			return cli.Exit(fmt.Sprintf("starting %s: %v", body.Name(), err), 1)
		}
	}

	mainCtx.Run(ctx)

	stopped, notStopped := mainCtx.StopAll(shutdownWait)
	logger.Info("workers stopped", map[string]any{"stopped": stopped, "not_stopped": notStopped})
	if notStopped > 0 {
		return cli.Exit("not all workers stopped cleanly", 1)
	}
	return nil
}
