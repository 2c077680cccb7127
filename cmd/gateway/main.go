// Command gateway runs the request orchestration gateway: an
// OpenAI-compatible front that routes chat requests between passthrough,
// research, and autonomous tool execution.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/robaikg/gateway/pkg/admission"
	"github.com/robaikg/gateway/pkg/clients"
	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/llm"
	"github.com/robaikg/gateway/pkg/logger"
	"github.com/robaikg/gateway/pkg/observability"
	"github.com/robaikg/gateway/pkg/research"
	"github.com/robaikg/gateway/pkg/router"
	"github.com/robaikg/gateway/pkg/server"
	"github.com/robaikg/gateway/pkg/toolloop"
	"github.com/robaikg/gateway/pkg/tools"
)

var version = "dev"

var cli struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the gateway (default)."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

type ServeCmd struct {
	Config   string `short:"c" help:"Path to the YAML config file." type:"existingfile" optional:""`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:""`
	Host     string `help:"Listen host override."`
	Port     int    `help:"Listen port override."`
}

func (s *ServeCmd) Run() error {
	config.LoadEnvFiles()

	cfg, err := config.Load(s.Config)
	if err != nil {
		return err
	}
	if s.Host != "" {
		cfg.Server.Host = s.Host
	}
	if s.Port != 0 {
		cfg.Server.Port = s.Port
	}
	if s.LogLevel != "" {
		cfg.Logging.Level = s.LogLevel
	}

	logger.Init(logger.ParseLevel(cfg.Logging.Level), os.Stderr, cfg.Logging.Format)
	log := logger.GetLogger()
	log.Info("starting gateway", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Downstream clients.
	lmClient := llm.NewClient(&cfg.LLM)
	retrieval := clients.NewRetrievalClient(&cfg.Retrieval, log)
	webSearch := clients.NewSearchClient(&cfg.Search, log)
	crawler := clients.NewCrawlClient(&cfg.Crawl, log)
	mcpClient := tools.NewClient(cfg.ToolServer, log)
	defer mcpClient.Close()

	// Background tasks: model cache, tool discovery, health probing.
	models := llm.NewModelCache(lmClient,
		time.Duration(cfg.LLM.ModelPollBootstrap)*time.Second,
		time.Duration(cfg.LLM.ModelPollSteady)*time.Second,
	)
	go models.Run(ctx)

	registry := tools.NewRegistry(cfg.Budgets.ToolCosts)
	discovery := tools.NewDiscovery(mcpClient, registry,
		time.Duration(cfg.ToolServer.DiscoveryInterval)*time.Second, log)
	go discovery.Run(ctx)

	health := server.NewHealthMonitor(map[string]server.Probe{
		"llm": func(ctx context.Context) error {
			_, err := lmClient.ListModels(ctx)
			return err
		},
		"kg_bridge": retrieval.Health,
		"tool_server": func(ctx context.Context) error {
			_, err := mcpClient.ListTools(ctx)
			return err
		},
	}, cfg.Health.CriticalServices, time.Duration(cfg.Health.ProbeInterval)*time.Second, log)
	go health.Run(ctx)

	// Orchestrators.
	classifier := router.NewClassifier(lmClient)
	modeRouter := router.New(cfg.Router, classifier, log)
	controller := admission.NewController(cfg.Admission.MaxStandardResearch, cfg.Admission.MaxDeepResearch, log)
	loop := toolloop.New(lmClient, mcpClient, registry, cfg.Budgets, log)
	orchestrator := research.New(lmClient, retrieval, webSearch, crawler, loop, cfg.Research, cfg.Budgets, log)

	srv := server.New(server.Deps{
		Config:     cfg,
		LLM:        lmClient,
		Models:     models,
		Router:     modeRouter,
		Classifier: classifier,
		Admission:  controller,
		Research:   orchestrator,
		Loop:       loop,
		Health:     health,
		Metrics:    observability.New(),
		Logger:     log,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Request orchestration gateway for a retrieval-augmented chat platform."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
