package workflow

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadGraphFromFile loads and validates a workflow definition from a YAML or
// JSON document. Definitions are externally editable; a run that already
// loaded its graph keeps that copy, so mid-run edits never alter an in-flight
// run.
func LoadGraphFromFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var g Graph
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("failed to parse workflow JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow document extension: %s", filepath.Ext(path))
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadGraphs loads every workflow document in a directory. Invalid documents
// are skipped with a warning so one bad file does not block the rest.
func LoadGraphs(dir string) ([]*Graph, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows directory: %w", err)
	}

	var graphs []*Graph
	for _, file := range files {
		ext := filepath.Ext(file.Name())
		if file.IsDir() || (ext != ".yaml" && ext != ".yml" && ext != ".json") {
			continue
		}
		g, err := LoadGraphFromFile(filepath.Join(dir, file.Name()))
		if err != nil {
			log.Printf("[Workflow] Warning: failed to load %s: %v", file.Name(), err)
			continue
		}
		graphs = append(graphs, g)
		log.Printf("[Workflow] Loaded workflow: %s (%s)", g.Name, g.ID)
	}
	return graphs, nil
}

// DefaultForgeGraph builds the built-in forge workflow: extract brand DNA,
// synthesize strategy, generate a mockup, self-audit it, and loop through the
// quality gate until the score clears the threshold or the iteration budget
// runs out, falling back to a human approval gate.
func DefaultForgeGraph(qualityThreshold, maxIterations int) *Graph {
	return &Graph{
		ID:               "forge-default",
		Name:             "Default Forge Workflow",
		Entry:            "brand_dna",
		QualityThreshold: qualityThreshold,
		MaxIterations:    maxIterations,
		Nodes: []Node{
			{ID: "brand_dna", Type: NodeTypeTool, Tool: "brand_extract", Label: "Extract Brand DNA"},
			{ID: "strategy", Type: NodeTypeTool, Tool: "strategy_synthesis", Label: "Synthesize Strategy"},
			{ID: "code_forge", Type: NodeTypeTool, Tool: "mockup_generate", Label: "Generate Mockup"},
			{ID: "self_audit", Type: NodeTypeAudit, Tool: "vision_audit", Label: "Vision Self-Audit"},
			{ID: "quality_gate", Type: NodeTypeCondition, Label: "Quality Gate"},
			{ID: "review", Type: NodeTypeApproval, Label: "Human Review"},
			{ID: "complete", Type: NodeTypeEnd, Label: "Complete"},
		},
		Edges: []Edge{
			{Source: "brand_dna", Target: "strategy"},
			{Source: "strategy", Target: "code_forge"},
			{Source: "code_forge", Target: "self_audit"},
			{Source: "self_audit", Target: "quality_gate"},
			{Source: "quality_gate", Target: "complete", Label: "pass", Conditions: []Condition{
				{Field: "quality_score", Op: ">=", Value: qualityThreshold},
			}},
			{Source: "quality_gate", Target: "code_forge", Label: "retry", Conditions: []Condition{
				{Field: "iteration_count", Op: "<", Value: maxIterations},
			}},
			{Source: "quality_gate", Target: "review", Label: "max_iterations", Conditions: []Condition{
				{Field: "iteration_count", Op: ">=", Value: maxIterations},
			}},
			{Source: "review", Target: "complete"},
		},
	}
}
