// Package llm provides completion-client implementations behind the
// provider factory. Anthropic Claude is the only provider today.
package llm
