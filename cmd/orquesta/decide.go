package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nictes1/orquesta/internal/broker"
	"github.com/nictes1/orquesta/internal/config"
	"github.com/nictes1/orquesta/internal/extract"
	"github.com/nictes1/orquesta/internal/manifest"
	"github.com/nictes1/orquesta/internal/observability"
	"github.com/nictes1/orquesta/internal/oracle"
	"github.com/nictes1/orquesta/internal/orchestrator"
	"github.com/nictes1/orquesta/internal/plan"
	"github.com/nictes1/orquesta/internal/policy"
	"github.com/nictes1/orquesta/internal/slots"
)

// runDecide wires the full engine from config, runs one turn, and
// prints the DecideResponse as indented JSON on stdout.
func runDecide(ctx context.Context, configPath, snapshotPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	snap, err := readSnapshot(snapshotPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	engine, toolBroker, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer toolBroker.Close()

	resp, err := engine.Decide(ctx, snap)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func buildEngine(cfg *config.Config, logger *observability.Logger) (*orchestrator.Engine, *broker.Broker, error) {
	llm, err := cfg.BuildOracle()
	if err != nil {
		return nil, nil, err
	}
	if llm == nil {
		llm = oracle.Disabled()
	}

	reg := slots.NewRegistry()
	norm := slots.NewNormalizer(reg)
	metrics := observability.NewMetrics()

	var extractOpts []extract.Option
	if cfg.Extractor.MinConfidence > 0 {
		extractOpts = append(extractOpts, extract.WithMinConfidence(cfg.Extractor.MinConfidence))
	}
	if cfg.Extractor.TimeoutMS > 0 {
		extractOpts = append(extractOpts, extract.WithTimeout(time.Duration(cfg.Extractor.TimeoutMS)*time.Millisecond))
	}
	extractOpts = append(extractOpts, extract.WithMetrics(metrics))

	var planOpts []plan.Option
	if cfg.Planner.MaxActions > 0 {
		planOpts = append(planOpts, plan.WithMaxActions(cfg.Planner.MaxActions))
	}
	if cfg.Planner.TimeoutMS > 0 {
		planOpts = append(planOpts, plan.WithTimeout(time.Duration(cfg.Planner.TimeoutMS)*time.Millisecond))
	}
	planOpts = append(planOpts, plan.WithMetrics(metrics))

	toolBroker := broker.New(cfg.BrokerSettings(), reg, logger, broker.WithMetrics(metrics))

	engine := orchestrator.New(
		cfg.WorkspaceStore(),
		manifest.NewStore(cfg.Manifests.Dir, logger),
		extract.New(llm, reg, norm, logger, extractOpts...),
		plan.New(llm, logger, planOpts...),
		policy.New(norm, logger, policy.WithMetrics(metrics)),
		toolBroker,
		logger,
		orchestrator.WithMetrics(metrics),
	)
	return engine, toolBroker, nil
}

func readSnapshot(path string) (orchestrator.Snapshot, error) {
	var snap orchestrator.Snapshot

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}
