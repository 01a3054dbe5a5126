package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Boxworker/internal/engine"
	"github.com/CZERTAINLY/Boxworker/internal/health"
	"github.com/CZERTAINLY/Boxworker/internal/log"
	"github.com/CZERTAINLY/Boxworker/internal/metrics"
	"github.com/CZERTAINLY/Boxworker/internal/model"
	"github.com/CZERTAINLY/Boxworker/internal/nmap"
	"github.com/CZERTAINLY/Boxworker/internal/status"
	"github.com/CZERTAINLY/Boxworker/internal/worker"
)

var flagNmapParameter string // value of scan --nmap-parameter flag

func doRun(cmd *cobra.Command, _ []string) error {
	workerID := model.NewWorkerID(config.Worker.Name)
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("boxworker",
		slog.String("cmd", "run"),
		slog.String("worker_id", workerID),
		slog.Int("pid", os.Getpid()),
	))

	m := metrics.New()
	client, err := engine.NewClient(config.Engine, workerID, config.Worker.Name)
	if err != nil {
		return fmt.Errorf("initializing engine client: %w", err)
	}
	client.WithMetrics(m)

	scanner := nmap.FromConfig(config.Nmap)
	poller, err := worker.NewPoller(client, scanner, worker.Config{
		WorkerID: workerID,
		Topic:    config.Worker.Topic,
		Poll:     config.Poll,
	})
	if err != nil {
		return fmt.Errorf("initializing poller: %w", err)
	}
	poller.WithMetrics(m)

	slog.InfoContext(ctx, "worker started", "engine", config.Engine.Address.String(), "topic", config.Worker.Topic)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Run(ctx)
	})
	if config.Status.Enabled {
		srv := status.NewServer(
			config.Status,
			workerID,
			config.Build,
			poller,
			health.NewMonitor(client, scanner),
		).WithGatherer(m.Registry())
		g.Go(func() error {
			return srv.ListenAndServe(ctx)
		})
	}
	return g.Wait()
}

type scanOutput struct {
	Findings    []model.Finding `json:"findings"`
	RawFindings json.RawMessage `json:"rawFindings"`
}

func doScan(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("boxworker",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	))

	targets := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		target := nmap.Target{Name: arg, Location: arg}
		if flagNmapParameter != "" {
			target.Attributes = map[string]any{nmap.ParameterAttribute: flagNmapParameter}
		}
		raw, err := json.Marshal(target)
		if err != nil {
			return err
		}
		targets = append(targets, raw)
	}

	result, err := nmap.FromConfig(config.Nmap).Execute(ctx, targets)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(scanOutput{Findings: result.Findings, RawFindings: result.Raw})
}
