package classifier

import (
	"testing"

	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
)

func newTestClassifier() *Classifier {
	return New(nil, zap.NewNop())
}

func req(text string) *domain.Request {
	return &domain.Request{ID: "req-1", RawText: text, Priority: domain.PriorityNormal}
}

func TestSequentialChain(t *testing.T) {
	// Scenario: "research X and write a summary" must produce a two-node
	// chain with a research -> write dependency edge.
	g := newTestClassifier().Classify(req("Research topic X and write a summary"))

	if len(g.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(g.Nodes))
	}
	first, second := g.Nodes[0], g.Nodes[1]
	if first.Capability != domain.CapabilityResearch {
		t.Errorf("first capability = %s, want research", first.Capability)
	}
	if second.Capability != domain.CapabilityWrite {
		t.Errorf("second capability = %s, want write", second.Capability)
	}
	if len(first.DependsOn) != 0 {
		t.Errorf("first node has dependencies: %v", first.DependsOn)
	}
	if len(second.DependsOn) != 1 || second.DependsOn[0] != first.ID {
		t.Errorf("second node dependsOn = %v, want [%s]", second.DependsOn, first.ID)
	}
}

func TestParallelBranches(t *testing.T) {
	// Scenario: semicolon-separated clauses become independent nodes.
	g := newTestClassifier().Classify(req("check A; check B; check C"))

	if len(g.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(g.Nodes))
	}
	for _, node := range g.Nodes {
		if len(node.DependsOn) != 0 {
			t.Errorf("node %q has dependencies %v, want none", node.Input, node.DependsOn)
		}
	}
}

func TestAlsoSeparatesBranches(t *testing.T) {
	g := newTestClassifier().Classify(req("analyze the logs also draft a report"))

	if len(g.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(g.Nodes))
	}
	if len(g.Nodes[1].DependsOn) != 0 {
		t.Errorf("'also' branch should be independent, got deps %v", g.Nodes[1].DependsOn)
	}
}

func TestCapabilityTagging(t *testing.T) {
	tests := []struct {
		clause string
		want   domain.Capability
	}{
		{"find recent papers on the topic", domain.CapabilityResearch},
		{"look up the pricing", domain.CapabilityResearch},
		{"compare the two vendors", domain.CapabilityAnalyze},
		{"evaluate the tradeoffs", domain.CapabilityAnalyze},
		{"draft an announcement", domain.CapabilityWrite},
		{"compose a reply", domain.CapabilityWrite},
		{"do the thing", domain.CapabilityGeneric},
		// Whole-word matching: "findings" must not count as "find".
		{"document the findings", domain.CapabilityWrite},
		{"the findings speak for themselves", domain.CapabilityGeneric},
		{"re-search the archive", domain.CapabilityResearch},
	}

	for _, tt := range tests {
		t.Run(tt.clause, func(t *testing.T) {
			if got := classifyClause(tt.clause); got != tt.want {
				t.Errorf("classifyClause(%q) = %s, want %s", tt.clause, got, tt.want)
			}
		})
	}
}

func TestTieBreakPrefersEarlierCapability(t *testing.T) {
	// Matches both research ("research") and write ("write") keyword sets;
	// the fixed priority order says research wins.
	if got := classifyClause("research how to write better tests"); got != domain.CapabilityResearch {
		t.Errorf("got %s, want research on keyword tie", got)
	}
	// analyze vs write: analyze is earlier in the order.
	if got := classifyClause("evaluate and document the findings"); got != domain.CapabilityAnalyze {
		t.Errorf("got %s, want analyze on keyword tie", got)
	}
}

func TestSingleImperativeSentence(t *testing.T) {
	g := newTestClassifier().Classify(req("Investigate the outage"))

	if len(g.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(g.Nodes))
	}
	if g.Nodes[0].Capability != domain.CapabilityResearch {
		t.Errorf("capability = %s, want research", g.Nodes[0].Capability)
	}
}

func TestEmptyInputDegradesToGenericNode(t *testing.T) {
	g := newTestClassifier().Classify(req("   "))

	if len(g.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1 fallback node", len(g.Nodes))
	}
	if g.Nodes[0].Capability != domain.CapabilityGeneric {
		t.Errorf("fallback capability = %s, want generic", g.Nodes[0].Capability)
	}
	if !g.Degraded {
		t.Error("graph should be marked degraded")
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := newTestClassifier()
	a := c.Classify(req("research the market and analyze competitors; write a memo"))
	b := c.Classify(req("research the market and analyze competitors; write a memo"))

	if len(a.Nodes) != len(b.Nodes) {
		t.Fatalf("node counts differ: %d vs %d", len(a.Nodes), len(b.Nodes))
	}
	for i := range a.Nodes {
		if a.Nodes[i].Capability != b.Nodes[i].Capability {
			t.Errorf("node %d capability differs: %s vs %s", i, a.Nodes[i].Capability, b.Nodes[i].Capability)
		}
		if a.Nodes[i].Input != b.Nodes[i].Input {
			t.Errorf("node %d input differs: %q vs %q", i, a.Nodes[i].Input, b.Nodes[i].Input)
		}
	}
}

func TestValidatorRejectsCycle(t *testing.T) {
	g := &domain.TaskGraph{
		RequestID: "req-1",
		Nodes: []*domain.TaskNode{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	if err := NewValidator().Validate(g); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestValidatorRejectsUnknownDependency(t *testing.T) {
	g := &domain.TaskGraph{
		RequestID: "req-1",
		Nodes: []*domain.TaskNode{
			{ID: "a", DependsOn: []string{"ghost"}},
		},
	}
	if err := NewValidator().Validate(g); err == nil {
		t.Fatal("expected unknown dependency to be rejected")
	}
}
