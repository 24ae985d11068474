package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/crewdock/crewd/internal/config"
	"github.com/crewdock/crewd/pkg/adapters/llm/anthropic"
	"github.com/crewdock/crewd/pkg/ports"
)

// NewClient creates a completion client for the configured provider.
func NewClient(cfg *config.LLMConfig, logger *zap.Logger) (ports.CompletionClient, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
