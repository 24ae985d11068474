package synthesizer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crewdock/crewd/internal/application/consensus"
	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

// sectionTitles frame each capability's contribution in the merged output.
var sectionTitles = map[domain.Capability]string{
	domain.CapabilityResearch:   "Findings",
	domain.CapabilityAnalyze:    "Analysis",
	domain.CapabilityWrite:      "Summary",
	domain.CapabilityCoordinate: "Coordination",
	domain.CapabilityGeneric:    "Result",
}

// agreementCalibration scales vote confidences before weighting; 1.0 takes
// worker confidences at face value.
const agreementCalibration = 1.0

// Synthesizer merges the task results of a terminal request into one output.
type Synthesizer struct {
	store  ports.CoordinationStore
	voting *consensus.Engine
	logger *zap.Logger
}

// New creates a synthesizer.
func New(store ports.CoordinationStore, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{
		store:  store,
		voting: consensus.NewEngine(agreementCalibration),
		logger: logger,
	}
}

// Synthesize builds the final output for a request that reached Completed,
// PartiallyFailed or Abandoned. Done results are merged in dependency order;
// the aggregate confidence is the minimum of the contributors, so one weak
// section visibly lowers trust in the whole answer. Failed tasks are listed
// explicitly, never silently dropped.
func (s *Synthesizer) Synthesize(ctx context.Context, rec *domain.RequestRecord) (*domain.FinalOutput, error) {
	if !rec.State.Terminal() {
		return nil, fmt.Errorf("request %s is not terminal: %s", rec.Request.ID, rec.State)
	}

	nodes, err := s.store.TasksForRequest(ctx, rec.Request.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	ordered := topoOrder(nodes)

	var sections []string
	var confidences []float64
	var failures []string

	for _, node := range ordered {
		switch node.Status {
		case domain.TaskStatusDone:
			title := sectionTitles[node.Capability]
			if title == "" {
				title = "Result"
			}
			sections = append(sections, fmt.Sprintf("## %s\n%s", title, node.Result.Payload))
			confidences = append(confidences, node.Result.Confidence)
		case domain.TaskStatusFailed:
			failures = append(failures, fmt.Sprintf("%s (%s): %s", node.Capability, node.ID, node.FailReason))
		default:
			// Terminal request with a live task is a scheduling bug; surface it
			// the same way as a failure so the consumer sees the gap.
			failures = append(failures, fmt.Sprintf("%s (%s): never finished (%s)", node.Capability, node.ID, node.Status))
		}
	}

	var b strings.Builder
	switch rec.State {
	case domain.RequestStateAbandoned:
		b.WriteString("Request was cancelled before completion.\n\n")
	case domain.RequestStatePartiallyFailed:
		b.WriteString("Partial answer; some sub-tasks did not complete.\n\n")
	}
	b.WriteString(strings.Join(sections, "\n\n"))
	if len(failures) > 0 {
		b.WriteString("\n\n## Incomplete\n")
		for _, f := range failures {
			b.WriteString("- " + f + "\n")
		}
	}

	output := &domain.FinalOutput{
		RequestID:     rec.Request.ID,
		SourceChannel: rec.Request.SourceChannel,
		Text:          strings.TrimSpace(b.String()),
		Confidence:    minConfidence(confidences),
		Agreement:     s.agreement(ordered, confidences),
		Failures:      failures,
	}

	s.logger.Info("request synthesized",
		zap.String("request_id", rec.Request.ID),
		zap.String("state", string(rec.State)),
		zap.Int("sections", len(sections)),
		zap.Int("failures", len(failures)),
		zap.Float64("confidence", output.Confidence))
	return output, nil
}

// agreement scores how much the contributors agree on the merged output.
// When any capability ran as redundant siblings, each sibling casts a
// confidence-weighted vote (Done endorses, Failed dissents) and the engine's
// unanimity is the score. A graph without redundancy has no ballot to run, so
// the score falls back to the spread of the contributor confidences.
func (s *Synthesizer) agreement(nodes []*domain.TaskNode, confidences []float64) float64 {
	votes := siblingVotes(nodes)
	if len(votes) >= 2 {
		res, err := s.voting.Collect(votes)
		if err == nil {
			return res.Unanimity
		}
		s.logger.Warn("agreement vote failed", zap.Error(err))
	}
	return consensus.Agreement(confidences)
}

// siblingVotes builds the ballot from capability groups that ran more than
// one task. A finished sibling votes yes with its own confidence; a failed
// one votes no at full confidence, carrying the failure reason.
func siblingVotes(nodes []*domain.TaskNode) []consensus.Vote {
	byCapability := make(map[domain.Capability][]*domain.TaskNode, len(nodes))
	for _, node := range nodes {
		byCapability[node.Capability] = append(byCapability[node.Capability], node)
	}

	var votes []consensus.Vote
	for _, group := range byCapability {
		if len(group) < 2 {
			continue
		}
		for _, node := range group {
			switch node.Status {
			case domain.TaskStatusDone:
				votes = append(votes, consensus.Vote{
					AgentID:    node.ID,
					Decision:   consensus.DecisionYes,
					Confidence: node.Result.Confidence,
				})
			case domain.TaskStatusFailed:
				votes = append(votes, consensus.Vote{
					AgentID:    node.ID,
					Decision:   consensus.DecisionNo,
					Confidence: 1,
					Reasoning:  string(node.FailReason),
				})
			}
		}
	}
	return votes
}

// topoOrder sorts nodes so every dependency precedes its dependents, keeping
// registration order among peers. Nodes in dependency cycles (impossible for
// validated graphs) are appended at the end rather than dropped.
func topoOrder(nodes []*domain.TaskNode) []*domain.TaskNode {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	byID := make(map[string]*domain.TaskNode, len(nodes))

	for _, node := range nodes {
		byID[node.ID] = node
		indegree[node.ID] = len(node.DependsOn)
		for _, dep := range node.DependsOn {
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}

	var queue []string
	for _, node := range nodes {
		if indegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	ordered := make([]*domain.TaskNode, 0, len(nodes))
	seen := make(map[string]bool, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byID[id])
		seen[id] = true
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	for _, node := range nodes {
		if !seen[node.ID] {
			ordered = append(ordered, node)
		}
	}
	return ordered
}

func minConfidence(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	min := confidences[0]
	for _, c := range confidences[1:] {
		if c < min {
			min = c
		}
	}
	return min
}
