package workflow

import (
	"testing"

	"testgen_pipeline/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStandardGraph(t *testing.T) {
	g, err := BuildGraph(pkg.VariantStandard)
	require.NoError(t, err)

	assert.Equal(t, NodeAnalyzeViewpoints, g.Start)
	assert.Len(t, g.Nodes, 10)
	assert.Empty(t, g.FanOuts)
	assert.True(t, g.Nodes[NodeFormatOutput].Terminal)
	assert.False(t, g.Nodes[NodeEvaluateQuality].Cacheable)

	// The loop back-edge is declared before the exit edge so that a
	// continuing loop wins edge evaluation.
	edges := g.Edges[NodeEvaluateQuality]
	require.Len(t, edges, 2)
	assert.True(t, edges[0].Loop)
	assert.Equal(t, NodeOptimizeTestcases, edges[0].To)
	assert.Equal(t, NodeFormatOutput, edges[1].To)
}

func TestBuildHistoryEnhancedGraph(t *testing.T) {
	g, err := BuildGraph(pkg.VariantHistoryEnhanced)
	require.NoError(t, err)

	assert.Equal(t, NodeProcessHistoricalCases, g.Start)
	assert.Len(t, g.Nodes, 14)

	fo, ok := g.FanOuts[NodeValidatePurpose]
	require.True(t, ok)
	assert.Equal(t, []string{NodeAnalyzeDifferences, NodeEvaluateCoverage}, fo.Branches)
	assert.Equal(t, NodeGapAnalysis, fo.Join)

	// The join consumes both branch reports.
	assert.Contains(t, g.Nodes[NodeGapAnalysis].Reads, FieldDifferenceReport)
	assert.Contains(t, g.Nodes[NodeGapAnalysis].Reads, FieldCoverageReport)
}

func TestBuildGraphRejectsUnknownVariant(t *testing.T) {
	_, err := BuildGraph(pkg.WorkflowVariant("EXPERIMENTAL"))
	require.Error(t, err)
}

func TestValidateRejectsUnproducedRead(t *testing.T) {
	g := NewGraph("input")
	require.NoError(t, g.AddNode(&Node{Name: "a", Reads: []string{"input"}, Writes: []string{"mid"}}))
	require.NoError(t, g.AddNode(&Node{Name: "b", Reads: []string{"missing"}, Terminal: true}))
	g.AddEdge("a", Edge{To: "b"})

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestValidateRejectsUnreachableNode(t *testing.T) {
	g := NewGraph("input")
	require.NoError(t, g.AddNode(&Node{Name: "a", Reads: []string{"input"}, Terminal: true}))
	require.NoError(t, g.AddNode(&Node{Name: "orphan"}))

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestValidateRejectsEdgeToUnknownNode(t *testing.T) {
	g := NewGraph("input")
	require.NoError(t, g.AddNode(&Node{Name: "a", Reads: []string{"input"}}))
	g.AddEdge("a", Edge{To: "ghost"})

	require.Error(t, g.Validate())
}

func TestValidateRejectsFanOutToUnknownNode(t *testing.T) {
	g := NewGraph("input")
	require.NoError(t, g.AddNode(&Node{Name: "a", Reads: []string{"input"}}))
	require.NoError(t, g.AddNode(&Node{Name: "join"}))
	g.SetFanOut("a", []string{"ghost"}, "join")

	require.Error(t, g.Validate())
}

func TestAddNodeRejectsDuplicates(t *testing.T) {
	g := NewGraph("input")
	require.NoError(t, g.AddNode(&Node{Name: "a"}))
	require.Error(t, g.AddNode(&Node{Name: "a"}))
}

func TestValidateAcceptsFieldAvailableAcrossLoop(t *testing.T) {
	// A field written inside the cycle is readable by the node the loop
	// edge returns to.
	g := NewGraph("input")
	require.NoError(t, g.AddNode(&Node{Name: "gen", Reads: []string{"input"}, Writes: []string{"draft"}}))
	require.NoError(t, g.AddNode(&Node{Name: "check", Reads: []string{"draft"}, Writes: []string{"verdict"}}))
	require.NoError(t, g.AddNode(&Node{Name: "fix", Reads: []string{"draft", "verdict"}, Writes: []string{"draft"}}))
	require.NoError(t, g.AddNode(&Node{Name: "emit", Reads: []string{"draft"}, Terminal: true}))
	g.AddEdge("gen", Edge{To: "check"})
	g.AddEdge("check", Edge{To: "fix", Loop: true})
	g.AddEdge("check", Edge{To: "emit"})
	g.AddEdge("fix", Edge{To: "check"})

	require.NoError(t, g.Validate())
}
