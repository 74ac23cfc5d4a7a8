package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tinyland-inc/parley/cmd/parley/internal"
	"github.com/tinyland-inc/parley/pkg/agent"
	"github.com/tinyland-inc/parley/pkg/bus"
	"github.com/tinyland-inc/parley/pkg/cron"
	"github.com/tinyland-inc/parley/pkg/gateway"
	"github.com/tinyland-inc/parley/pkg/logger"
	"github.com/tinyland-inc/parley/pkg/providers"
	openaiprovider "github.com/tinyland-inc/parley/pkg/providers/openai"
	"github.com/tinyland-inc/parley/pkg/results"
	"github.com/tinyland-inc/parley/pkg/session"
	"github.com/tinyland-inc/parley/pkg/tools"
)

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	provider, err := providers.ForModel(cfg, cfg.Agents.Defaults.Model)
	if err != nil {
		return fmt.Errorf("error creating provider: %w", err)
	}

	// Speech synthesis rides on the OpenAI credentials when present.
	var synth tools.Synthesizer
	if cfg.Providers.OpenAI.APIKey != "" {
		synth = openaiprovider.NewProviderWithBaseURL(
			cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase)
	}

	toolReg, err := internal.BuildToolRegistry(cfg, synth)
	if err != nil {
		return err
	}
	runner := tools.NewRunner(toolReg, cfg.RoomPolicy)

	resReg := results.New(
		time.Duration(cfg.Results.TTLSeconds)*time.Second,
		time.Duration(cfg.Results.SweepSeconds)*time.Second,
		cfg.Results.MaxSetsPerRoom,
	)
	defer resReg.Close()

	sessions := session.NewManager(filepath.Join(cfg.WorkspacePath(), "sessions"))
	agents := agent.NewRegistry(cfg)
	loop := agent.NewLoop(provider, runner, resReg, sessions, cfg.Loop)

	msgBus := bus.New()
	defer msgBus.Close()

	cronSvc, err := cron.NewService(msgBus, cfg.Cron)
	if err != nil {
		return fmt.Errorf("error loading cron jobs: %w", err)
	}
	cronSvc.Start()
	defer cronSvc.Stop()

	srv := gateway.New(gateway.Options{
		Cfg:     cfg,
		Bus:     msgBus,
		Agents:  agents,
		Loop:    loop,
		Results: resReg,
		Runner:  runner,
		Cron:    cronSvc,
	})

	fmt.Printf("%s parley gateway on %s:%d (%d agents, %d tools)\n",
		internal.Logo, cfg.Gateway.Host, cfg.Gateway.Port,
		len(agents.List()), len(toolReg.Catalog()))
	logger.InfoCF("gateway", "starting", map[string]any{
		"host":   cfg.Gateway.Host,
		"port":   cfg.Gateway.Port,
		"agents": len(agents.List()),
		"tools":  len(toolReg.Catalog()),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}
