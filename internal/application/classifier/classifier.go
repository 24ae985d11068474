package classifier

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

// capabilityKeywords maps each capability to its affinity keywords. A clause
// matching several sets is resolved by domain.CapabilityPriority: research
// beats analyze beats write beats generic.
var capabilityKeywords = map[domain.Capability][]string{
	domain.CapabilityResearch: {"research", "find", "look up", "search", "investigate", "gather"},
	domain.CapabilityAnalyze:  {"analyze", "analyse", "compare", "evaluate", "assess", "review"},
	domain.CapabilityWrite:    {"write", "draft", "compose", "summarize", "summarise", "document"},
}

// parallelSeparators split a request into independent branches.
var parallelSeparators = []string{";", " also "}

// sequentialSeparators split a branch into a dependency chain.
var sequentialSeparators = []string{", and ", " and then ", " then ", " and "}

// Classifier turns raw request text into a task graph. Classification is
// deterministic and never fails: anything it cannot decompose becomes a
// single generic node.
type Classifier struct {
	validator *Validator
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	newID func() string
	now   func() time.Time
}

// New creates a classifier.
func New(metrics ports.MetricsCollector, logger *zap.Logger) *Classifier {
	return &Classifier{
		validator: NewValidator(),
		metrics:   metrics,
		logger:    logger,
		newID:     func() string { return uuid.New().String() },
		now:       time.Now,
	}
}

// Classify expands a request into its task graph.
//
// Heuristics, applied in order:
//  1. Semicolons and "also" delimit independent branches that may run in
//     parallel.
//  2. "and"/"then" conjunctions inside a branch build a sequential chain:
//     each sub-task depends on the one before it.
//  3. Each clause gets the capability of its first matching keyword set,
//     ties broken by the fixed priority order; no match means generic.
//
// A graph that fails validation (empty, or a malformed dependency shape)
// degrades to a single generic node instead of returning an error.
func (c *Classifier) Classify(req *domain.Request) *domain.TaskGraph {
	graph := c.decompose(req)

	if err := c.validator.Validate(graph); err != nil {
		// Classification degraded: coordination must go on, so fall back to
		// one generic node covering the whole request.
		c.logger.Warn("classification degraded",
			zap.String("request_id", req.ID),
			zap.Error(err))
		if c.metrics != nil {
			c.metrics.RecordRequestSubmitted("classification_degraded")
		}
		graph = c.fallbackGraph(req)
		graph.Degraded = true
	}

	return graph
}

// decompose applies the clause-splitting heuristics.
func (c *Classifier) decompose(req *domain.Request) *domain.TaskGraph {
	graph := &domain.TaskGraph{RequestID: req.ID}

	branches := splitAny(req.RawText, parallelSeparators)
	for _, branch := range branches {
		clauses := splitAny(branch, sequentialSeparators)

		var prevID string
		for _, clause := range clauses {
			node := &domain.TaskNode{
				ID:         c.newID(),
				RequestID:  req.ID,
				Capability: classifyClause(clause),
				Input:      clause,
				Status:     domain.TaskStatusPending,
				CreatedAt:  c.now(),
			}
			if prevID != "" {
				node.DependsOn = []string{prevID}
			}
			graph.Nodes = append(graph.Nodes, node)
			prevID = node.ID
		}
	}

	return graph
}

// fallbackGraph is the single-generic-node graceful degradation path.
func (c *Classifier) fallbackGraph(req *domain.Request) *domain.TaskGraph {
	return &domain.TaskGraph{
		RequestID: req.ID,
		Nodes: []*domain.TaskNode{{
			ID:         c.newID(),
			RequestID:  req.ID,
			Capability: domain.CapabilityGeneric,
			Input:      strings.TrimSpace(req.RawText),
			Status:     domain.TaskStatusPending,
			CreatedAt:  c.now(),
		}},
	}
}

// classifyClause tags a clause with a capability by keyword affinity.
// Capabilities are checked in the fixed priority order, so a clause matching
// both "research" and "write" keywords is tagged research. Keywords match
// whole words only: "findings" does not match "find".
func classifyClause(clause string) domain.Capability {
	words := strings.FieldsFunc(strings.ToLower(clause), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	padded := " " + strings.Join(words, " ") + " "
	for _, capability := range domain.CapabilityPriority {
		for _, kw := range capabilityKeywords[capability] {
			if strings.Contains(padded, " "+kw+" ") {
				return capability
			}
		}
	}
	return domain.CapabilityGeneric
}

// splitAny splits text on every separator in seps, trimming and dropping
// empty fragments. Splitting is purely textual so the same input always
// yields the same graph.
func splitAny(text string, seps []string) []string {
	parts := []string{text}
	for _, sep := range seps {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}

	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validator checks classified graphs before the orchestrator accepts them.
type Validator struct{}

// NewValidator creates a graph validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate verifies the graph is non-empty, every dependency edge points at a
// node in the graph, and the dependency relation is acyclic.
func (v *Validator) Validate(g *domain.TaskGraph) error {
	if g == nil || len(g.Nodes) == 0 {
		return fmt.Errorf("graph must have at least one node")
	}

	ids := make(map[string]bool, len(g.Nodes))
	for _, node := range g.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node ID is required")
		}
		if ids[node.ID] {
			return fmt.Errorf("duplicate node ID: %s", node.ID)
		}
		ids[node.ID] = true
	}

	for _, node := range g.Nodes {
		for _, dep := range node.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("node %s depends on unknown node %s", node.ID, dep)
			}
		}
	}

	return v.checkAcyclic(g)
}

// checkAcyclic runs Kahn's algorithm; leftover nodes mean a cycle.
func (v *Validator) checkAcyclic(g *domain.TaskGraph) error {
	indegree := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string, len(g.Nodes))
	for _, node := range g.Nodes {
		indegree[node.ID] = len(node.DependsOn)
		for _, dep := range node.DependsOn {
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(g.Nodes) {
		return fmt.Errorf("dependency cycle detected")
	}
	return nil
}
