package dag

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/canopyflow/canopy/pkg/models"
)

func diamond() *models.DAG {
	return &models.DAG{
		Name: "diamond",
		Nodes: []models.Node{
			{ID: "a", Kind: models.NodeKindDelay},
			{ID: "b", Kind: models.NodeKindDelay},
			{ID: "c", Kind: models.NodeKindDelay},
			{ID: "d", Kind: models.NodeKindDelay},
		},
		Edges: []models.Edge{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
		},
	}
}

func TestValidateAcceptsDiamond(t *testing.T) {
	if err := NewValidator(nil).Validate(diamond()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.DAG)
		want   string
	}{
		{"empty name", func(d *models.DAG) { d.Name = "" }, "name"},
		{"no nodes", func(d *models.DAG) { d.Nodes = nil; d.Edges = nil }, "at least one node"},
		{"duplicate node", func(d *models.DAG) { d.Nodes = append(d.Nodes, models.Node{ID: "a"}) }, "duplicate"},
		{"dangling source", func(d *models.DAG) { d.Edges[0].Source = "ghost" }, "non-existent source"},
		{"dangling target", func(d *models.DAG) { d.Edges[0].Target = "ghost" }, "non-existent target"},
		{"self dependency", func(d *models.DAG) { d.Edges[0] = models.Edge{Source: "a", Target: "a"} }, "itself"},
		{"cycle", func(d *models.DAG) { d.Edges = append(d.Edges, models.Edge{Source: "d", Target: "a"}) }, "cycle"},
		{"cron without expression", func(d *models.DAG) { d.Schedule = models.Schedule{Type: models.ScheduleCron} }, "cron"},
		{"interval without period", func(d *models.DAG) { d.Schedule = models.Schedule{Type: models.ScheduleInterval} }, "interval"},
		{"once without fire time", func(d *models.DAG) { d.Schedule = models.Schedule{Type: models.ScheduleOnce} }, "fire time"},
		{"unknown schedule type", func(d *models.DAG) { d.Schedule = models.Schedule{Type: "hourly"} }, "unknown schedule"},
		{"negative retries", func(d *models.DAG) { d.RetryPolicy.MaxAttempts = -1 }, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := diamond()
			tt.mutate(d)
			err := NewValidator(nil).Validate(d)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateWindowOrdering(t *testing.T) {
	d := diamond()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	d.Schedule = models.Schedule{Type: models.ScheduleManual, StartDate: &start, EndDate: &end}

	if err := NewValidator(nil).Validate(d); err == nil {
		t.Fatal("expected end-before-start to be rejected")
	}
}

func TestValidateRunsConfigValidator(t *testing.T) {
	bad := errors.New("config rejected")
	v := NewValidator(func(node models.Node) error {
		if node.ID == "c" {
			return bad
		}
		return nil
	})

	err := v.Validate(diamond())
	if err == nil || !errors.Is(err, bad) {
		t.Fatalf("expected wrapped config error, got %v", err)
	}
	if !strings.Contains(err.Error(), "node c") {
		t.Fatalf("error %q does not name the failing node", err)
	}
}

func TestGraphQueries(t *testing.T) {
	g := NewGraph(diamond())

	if got := g.Roots(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Roots() = %v", got)
	}
	if got := g.Dependents("a"); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("Dependents(a) = %v, want declaration order [b c]", got)
	}

	// d needs both b and c.
	if got := g.ReadyDependents("b", map[string]bool{"b": true}); len(got) != 0 {
		t.Fatalf("ReadyDependents with c outstanding = %v", got)
	}
	got := g.ReadyDependents("c", map[string]bool{"b": true, "c": true})
	if len(got) != 1 || got[0] != "d" {
		t.Fatalf("ReadyDependents with both done = %v", got)
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := NewGraph(diamond())
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, edge := range diamond().Edges {
		if pos[edge.Source] >= pos[edge.Target] {
			t.Fatalf("order %v violates edge %s->%s", order, edge.Source, edge.Target)
		}
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
name: nightly-report
description: builds and mails the report
nodes:
  - id: fetch
    kind: http
    config:
      url: https://internal.example.com/data
  - id: mail
    kind: email
    display_name: Send report
    config:
      to: ops@example.com
      subject: Nightly report
edges:
  - source: fetch
    target: mail
schedule:
  type: cron
  cron: "0 2 * * *"
  timezone: Europe/Berlin
retry:
  max_attempts: 5
  backoff_ms: 1000
`)

	d, err := NewParser(nil).ParseYAML(data)
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if d.Name != "nightly-report" || len(d.Nodes) != 2 || len(d.Edges) != 1 {
		t.Fatalf("unexpected shape: %+v", d)
	}
	if d.Nodes[0].DisplayName != "fetch" {
		t.Fatalf("display name should default to the node ID, got %q", d.Nodes[0].DisplayName)
	}
	if d.Nodes[1].DisplayName != "Send report" {
		t.Fatalf("DisplayName = %q", d.Nodes[1].DisplayName)
	}
	if d.Schedule.Type != models.ScheduleCron || d.Schedule.Timezone != "Europe/Berlin" {
		t.Fatalf("schedule = %+v", d.Schedule)
	}
	if d.RetryPolicy.MaxAttempts != 5 || d.RetryPolicy.BackoffMS != 1000 {
		t.Fatalf("retry = %+v", d.RetryPolicy)
	}
	if !d.Active {
		t.Fatal("DAGs default to active")
	}
}

func TestParseYAMLRejectsInvalidGraph(t *testing.T) {
	data := []byte(`
name: broken
nodes:
  - id: a
    kind: delay
edges:
  - source: a
    target: missing
`)
	if _, err := NewParser(nil).ParseYAML(data); err == nil {
		t.Fatal("expected validation failure")
	}
}
