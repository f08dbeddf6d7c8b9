package workflow

import (
	"fmt"

	"testgen_pipeline/pkg"
)

// State field names shared between nodes. Nodes declare which of these
// they read and write; the graph validates the wiring up front.
const (
	FieldFigmaData              = "figma_data"
	FieldViewpoints             = "viewpoints_file"
	FieldHistoricalCases        = "historical_cases"
	FieldProcessedCases         = "processed_cases"
	FieldHistoricalPatterns     = "historical_patterns"
	FieldModulesAnalysis        = "modules_analysis"
	FieldFigmaViewpointsMapping = "figma_viewpoints_mapping"
	FieldCorrelationMap         = "semantic_correlation_map"
	FieldChecklistMapping       = "checklist_mapping"
	FieldPurposeValidation      = "test_purpose_validation"
	FieldDifferenceReport       = "difference_report"
	FieldCoverageReport         = "coverage_report"
	FieldGapAnalysis            = "gap_analysis"
	FieldFinalTestcases         = "final_testcases"
	FieldQualityReport          = "quality_analysis"
	FieldFormattedOutput        = "formatted_output"
)

// Node names of the testcase generation pipeline.
const (
	NodeProcessHistoricalCases = "process_historical_cases"
	NodeExtractTestPatterns    = "extract_test_patterns"
	NodeAnalyzeViewpoints      = "analyze_viewpoints_modules"
	NodeMapFigmaToViewpoints   = "map_figma_to_viewpoints"
	NodeCorrelationMap         = "create_semantic_correlation_map"
	NodeMapChecklist           = "map_checklist_to_figma_areas"
	NodeValidatePurpose        = "validate_test_purpose_coverage"
	NodeAnalyzeDifferences     = "analyze_differences"
	NodeEvaluateCoverage       = "evaluate_coverage"
	NodeGapAnalysis            = "deep_understanding_and_gap_analysis"
	NodeGenerateTestcases      = "generate_final_testcases"
	NodeEvaluateQuality        = "evaluate_testcase_quality"
	NodeOptimizeTestcases      = "optimize_testcases"
	NodeFormatOutput           = "format_output"
)

// BuildGraph constructs the validated graph for a workflow variant.
//
// Both variants share one bounded cycle between the optimize and
// evaluate nodes; the history-enhanced variant adds two leaf branches
// that run in parallel and are AND-joined before the shared tail.
func BuildGraph(variant pkg.WorkflowVariant) (*Graph, error) {
	var g *Graph

	switch variant {
	case pkg.VariantStandard:
		g = NewGraph(FieldFigmaData, FieldViewpoints)
		gapReads := []string{FieldFigmaViewpointsMapping, FieldPurposeValidation}
		addSharedChain(g, gapReads)

		g.AddEdge(NodeValidatePurpose, Edge{To: NodeGapAnalysis})

	case pkg.VariantHistoryEnhanced:
		g = NewGraph(FieldFigmaData, FieldViewpoints, FieldHistoricalCases)

		if err := g.AddNode(&Node{
			Name:      NodeProcessHistoricalCases,
			Reads:     []string{FieldHistoricalCases},
			Writes:    []string{FieldProcessedCases},
			Cacheable: true,
			Tier:      pkg.TierL3,
		}); err != nil {
			return nil, err
		}
		if err := g.AddNode(&Node{
			Name:      NodeExtractTestPatterns,
			Reads:     []string{FieldProcessedCases},
			Writes:    []string{FieldHistoricalPatterns},
			Cacheable: true,
			Tier:      pkg.TierL3,
		}); err != nil {
			return nil, err
		}

		// The gap-analysis node is the AND-join: it consumes both
		// branch reports and runs only once both branches completed.
		gapReads := []string{
			FieldFigmaViewpointsMapping, FieldPurposeValidation,
			FieldDifferenceReport, FieldCoverageReport,
		}
		addSharedChain(g, gapReads)

		branches := []*Node{
			{
				Name:      NodeAnalyzeDifferences,
				Reads:     []string{FieldHistoricalPatterns, FieldFigmaViewpointsMapping},
				Writes:    []string{FieldDifferenceReport},
				Cacheable: true,
				Tier:      pkg.TierL2,
			},
			{
				Name:      NodeEvaluateCoverage,
				Reads:     []string{FieldHistoricalPatterns, FieldChecklistMapping},
				Writes:    []string{FieldCoverageReport},
				Cacheable: true,
				Tier:      pkg.TierL2,
			},
		}
		for _, b := range branches {
			if err := g.AddNode(b); err != nil {
				return nil, err
			}
		}

		g.AddEdge(NodeProcessHistoricalCases, Edge{To: NodeExtractTestPatterns})
		g.AddEdge(NodeExtractTestPatterns, Edge{To: NodeAnalyzeViewpoints})
		g.SetFanOut(NodeValidatePurpose,
			[]string{NodeAnalyzeDifferences, NodeEvaluateCoverage},
			NodeGapAnalysis)

	default:
		return nil, fmt.Errorf("unknown workflow variant: %s", variant)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s graph: %w", variant, err)
	}
	return g, nil
}

// addSharedChain adds the chain both variants share, from viewpoint
// analysis through the quality loop to the terminal formatter. The
// gap-analysis reads differ per variant, so the caller passes them in.
func addSharedChain(g *Graph, gapReads []string) {
	nodes := []*Node{
		{
			Name:      NodeAnalyzeViewpoints,
			Reads:     []string{FieldViewpoints},
			Writes:    []string{FieldModulesAnalysis},
			Cacheable: true,
			Tier:      pkg.TierL3,
		},
		{
			Name:      NodeMapFigmaToViewpoints,
			Reads:     []string{FieldFigmaData, FieldModulesAnalysis},
			Writes:    []string{FieldFigmaViewpointsMapping},
			Cacheable: true,
			Tier:      pkg.TierL3,
		},
		{
			Name:      NodeCorrelationMap,
			Reads:     []string{FieldFigmaData, FieldFigmaViewpointsMapping},
			Writes:    []string{FieldCorrelationMap},
			Cacheable: true,
			Tier:      pkg.TierL2,
		},
		{
			Name:      NodeMapChecklist,
			Reads:     []string{FieldViewpoints, FieldFigmaData},
			Writes:    []string{FieldChecklistMapping},
			Cacheable: true,
			Tier:      pkg.TierL3,
		},
		{
			Name:      NodeValidatePurpose,
			Reads:     []string{FieldChecklistMapping},
			Writes:    []string{FieldPurposeValidation},
			Cacheable: true,
			Tier:      pkg.TierL2,
		},
		{
			Name:      NodeGapAnalysis,
			Reads:     gapReads,
			Writes:    []string{FieldGapAnalysis},
			Cacheable: true,
			Tier:      pkg.TierL2,
		},
		{
			Name:      NodeGenerateTestcases,
			Reads:     []string{FieldGapAnalysis, FieldCorrelationMap},
			Writes:    []string{FieldFinalTestcases},
			Cacheable: true,
			Tier:      pkg.TierL2,
		},
		{
			// Quality must be judged fresh on every pass of the loop.
			Name:      NodeEvaluateQuality,
			Reads:     []string{FieldFinalTestcases},
			Writes:    []string{FieldQualityReport},
			Cacheable: false,
		},
		{
			Name:      NodeOptimizeTestcases,
			Reads:     []string{FieldFinalTestcases, FieldQualityReport},
			Writes:    []string{FieldFinalTestcases},
			Cacheable: true,
			Tier:      pkg.TierL2,
		},
		{
			Name:      NodeFormatOutput,
			Reads:     []string{FieldFinalTestcases},
			Writes:    []string{FieldFormattedOutput},
			Cacheable: true,
			Tier:      pkg.TierL1,
			Terminal:  true,
		},
	}
	for _, n := range nodes {
		// Shared nodes are fixed; AddNode only fails on duplicates.
		_ = g.AddNode(n)
	}

	g.AddEdge(NodeAnalyzeViewpoints, Edge{To: NodeMapFigmaToViewpoints})
	g.AddEdge(NodeMapFigmaToViewpoints, Edge{To: NodeCorrelationMap})
	g.AddEdge(NodeCorrelationMap, Edge{To: NodeMapChecklist})
	g.AddEdge(NodeMapChecklist, Edge{To: NodeValidatePurpose})
	g.AddEdge(NodeGapAnalysis, Edge{To: NodeGenerateTestcases})
	g.AddEdge(NodeGenerateTestcases, Edge{To: NodeEvaluateQuality})

	// The only cycle in the graph: the loop edge back into optimize is
	// gated by the retry controller, then re-evaluated.
	g.AddEdge(NodeEvaluateQuality, Edge{To: NodeOptimizeTestcases, Loop: true})
	g.AddEdge(NodeEvaluateQuality, Edge{To: NodeFormatOutput})
	g.AddEdge(NodeOptimizeTestcases, Edge{To: NodeEvaluateQuality})
}
