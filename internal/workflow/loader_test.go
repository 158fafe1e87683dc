package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const yamlGraph = `
id: wf-site
name: site forge
entry: generate
quality_threshold: 85
max_iterations: 3
nodes:
  - id: generate
    type: tool
    tool: mockup_generate
  - id: audit
    type: audit
    tool: vision_audit
  - id: gate
    type: condition
  - id: done
    type: end
edges:
  - source: generate
    target: audit
  - source: audit
    target: gate
  - source: gate
    target: done
    conditions:
      - field: quality_score
        op: ">="
        value: 85
  - source: gate
    target: generate
    conditions:
      - field: iteration_count
        op: "<"
        value: 3
`

func TestLoadGraphFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yaml")
	if err := os.WriteFile(path, []byte(yamlGraph), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := LoadGraphFromFile(path)
	if err != nil {
		t.Fatalf("LoadGraphFromFile failed: %v", err)
	}
	if g.ID != "wf-site" || g.Entry != "generate" {
		t.Errorf("unexpected graph identity: id=%s entry=%s", g.ID, g.Entry)
	}
	if g.MaxIterations != 3 || g.QualityThreshold != 85 {
		t.Errorf("budget not parsed: max=%d threshold=%d", g.MaxIterations, g.QualityThreshold)
	}
	edges := g.Outgoing("gate")
	if len(edges) != 2 || !edges[0].Guarded() || !edges[1].Guarded() {
		t.Fatalf("gate edges not parsed with guards: %+v", edges)
	}
	if edges[0].Conditions[0].Field != "quality_score" {
		t.Errorf("condition field = %q", edges[0].Conditions[0].Field)
	}
}

func TestLoadGraphFromFile_JSON(t *testing.T) {
	doc := `{
		"id": "wf-json",
		"entry": "done",
		"max_iterations": 1,
		"nodes": [{"id": "done", "type": "end"}],
		"edges": []
	}`
	path := filepath.Join(t.TempDir(), "wf.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	g, err := LoadGraphFromFile(path)
	if err != nil {
		t.Fatalf("LoadGraphFromFile failed: %v", err)
	}
	if g.ID != "wf-json" {
		t.Errorf("id = %q", g.ID)
	}
}

func TestLoadGraphFromFile_RejectsInvalid(t *testing.T) {
	doc := `{"id": "wf-bad", "entry": "ghost", "max_iterations": 1, "nodes": [{"id": "done", "type": "end"}]}`
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadGraphFromFile(path); err == nil {
		t.Fatal("expected validation error for missing entry node")
	}
}

func TestLoadGraphs_SkipsInvalidDocuments(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(yamlGraph), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("entry: [nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	graphs, err := LoadGraphs(dir)
	if err != nil {
		t.Fatalf("LoadGraphs failed: %v", err)
	}
	if len(graphs) != 1 {
		t.Fatalf("loaded %d graphs, want 1", len(graphs))
	}
	if graphs[0].ID != "wf-site" {
		t.Errorf("loaded wrong graph: %s", graphs[0].ID)
	}
}

func TestDefaultForgeGraph_IsValidAndLoops(t *testing.T) {
	g := DefaultForgeGraph(85, 3)
	if err := g.Validate(); err != nil {
		t.Fatalf("default graph invalid: %v", err)
	}

	store := &memStore{}
	engine := NewEngine(store, &recordingGates{}, fastRetry())
	run := NewRun(g, "lead-9")
	inv := &scriptedInvoker{auditScores: []int{70, 92}}

	if err := engine.Drive(context.Background(), g, run, inv); err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if run.Status != RunStatusComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	if run.IterationCount != 2 {
		t.Errorf("iteration_count = %d, want 2", run.IterationCount)
	}
}
