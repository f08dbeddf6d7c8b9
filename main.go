package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"testgen_pipeline/internal/cache"
	"testgen_pipeline/internal/config"
	"testgen_pipeline/internal/invoker"
	"testgen_pipeline/internal/logger"
	"testgen_pipeline/internal/retry"
	"testgen_pipeline/internal/storage"
	"testgen_pipeline/internal/workflow"
	"testgen_pipeline/pkg"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfgPath := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Redis when configured, in-memory stores otherwise.
	var (
		store   storage.StateStore
		records storage.RecordStore
		durable cache.DurableBackend
	)
	if cfg.Redis.URL != "" {
		client, err := storage.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()
		store = storage.NewRedisStateStore(client, cfg.SessionTTL())
		records = storage.NewRedisRecordStore(client, cfg.SessionTTL())
		durable = cache.NewRedisBackend(client)
		logger.Info().Str("url", cfg.Redis.URL).Msg("using Redis-backed stores")
	} else {
		store = storage.NewMemoryStateStore(cfg.SessionTTL())
		records = storage.NewMemoryRecordStore()
		durable = cache.NewMemoryBackend()
		logger.Info().Msg("using in-memory stores")
	}

	tiers := cache.NewManager(cfg.Cache, durable)
	defer tiers.Close()

	inv := invoker.New(cfg.Invoker, tiers, records)
	controller := retry.NewController(cfg.Retry)
	executor := workflow.NewExecutor(cfg, store, inv, controller, demoTasks())

	payload := pkg.Fields{
		workflow.FieldFigmaData:  map[string]any{"file_key": "demo", "pages": []any{"login", "checkout"}},
		workflow.FieldViewpoints: map[string]any{"viewpoints": []any{"input validation", "navigation"}},
	}

	sessionID, err := executor.Start(ctx, pkg.VariantStandard, payload, workflow.StartOptions{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start workflow")
	}
	executor.Wait(sessionID)

	status, err := executor.Status(ctx, sessionID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read session status")
	}
	logger.Info().
		Str("session_id", sessionID).
		Str("status", string(status.Status)).
		Bool("retry_exhausted", status.RetryExhausted).
		Msg("workflow finished")

	if status.Status == pkg.SessionCompleted {
		result, err := executor.Result(ctx, sessionID)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read result")
		}
		fmt.Printf("formatted output: %v\n", result[workflow.FieldFormattedOutput])
	}

	stats := tiers.Stats()
	logger.Info().
		Int64("l1_hits", stats.L1Hits).
		Int64("misses", stats.Misses).
		Int64("promotions", stats.Promotions).
		Msg("cache statistics")
}

// demoTasks wires deterministic placeholder task functions for every
// pipeline node. Real deployments register task functions that call out
// to design-data and text-generation services; the substrate treats both
// the same way.
func demoTasks() workflow.TaskSet {
	passthrough := func(out string, value any) []invoker.TaskFunc {
		return []invoker.TaskFunc{
			func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
				return pkg.Fields{out: value}, nil
			},
		}
	}

	evaluate := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		round, _ := state["optimization_round"].(int)
		score := 0.5 + 0.15*float64(round)
		if score > 1 {
			score = 1
		}
		report := &pkg.QualityReport{
			OverallScore: score,
			DimensionScores: map[pkg.QualityDimension]float64{
				pkg.DimCompleteness:  score,
				pkg.DimPrecision:     score,
				pkg.DimExecutability: score,
				pkg.DimCoverage:      score,
			},
		}
		if score < 0.7 {
			report.Suggestions = []pkg.Suggestion{
				{Artifact: "TC-1", Message: "add expected results for edge inputs"},
			}
		}
		return pkg.Fields{workflow.FieldQualityReport: report}, nil
	}

	optimize := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		round, _ := state["optimization_round"].(int)
		return pkg.Fields{
			workflow.FieldFinalTestcases: []any{"TC-1 (revised)", "TC-2"},
			"optimization_round":         round + 1,
		}, nil
	}

	format := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		cases, _ := state[workflow.FieldFinalTestcases].([]any)
		return pkg.Fields{workflow.FieldFormattedOutput: fmt.Sprintf("%d testcases (csv)", len(cases))}, nil
	}

	slow := func(delegate invoker.TaskFunc) invoker.TaskFunc {
		return func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			return delegate(ctx, state)
		}
	}

	return workflow.TaskSet{
		workflow.NodeProcessHistoricalCases: passthrough(workflow.FieldProcessedCases, map[string]any{"cases": 12}),
		workflow.NodeExtractTestPatterns:    passthrough(workflow.FieldHistoricalPatterns, map[string]any{"patterns": 4}),
		workflow.NodeAnalyzeViewpoints:      passthrough(workflow.FieldModulesAnalysis, map[string]any{"modules": 3}),
		workflow.NodeMapFigmaToViewpoints:   passthrough(workflow.FieldFigmaViewpointsMapping, map[string]any{"mapped": true}),
		workflow.NodeCorrelationMap:         passthrough(workflow.FieldCorrelationMap, map[string]any{"links": 9}),
		workflow.NodeMapChecklist:           passthrough(workflow.FieldChecklistMapping, []any{"area-1", "area-2"}),
		workflow.NodeValidatePurpose:        passthrough(workflow.FieldPurposeValidation, []any{"ok"}),
		workflow.NodeAnalyzeDifferences:     passthrough(workflow.FieldDifferenceReport, map[string]any{"changed": 2}),
		workflow.NodeEvaluateCoverage:       passthrough(workflow.FieldCoverageReport, map[string]any{"coverage": 0.8}),
		workflow.NodeGapAnalysis:            passthrough(workflow.FieldGapAnalysis, map[string]any{"gaps": 1}),
		workflow.NodeGenerateTestcases:      {slow(passthrough(workflow.FieldFinalTestcases, []any{"TC-1", "TC-2"})[0])},
		workflow.NodeEvaluateQuality:        {evaluate},
		workflow.NodeOptimizeTestcases:      {optimize},
		workflow.NodeFormatOutput:           {format},
	}
}
