// Package generation implements the answer generation stage: assemble the
// prompt from retrieved context, call the configured LLM provider, and apply
// the timeout/throttle retry policy.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentmart/agentmart/query-engine/pkg/contracts"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrTimeout marks a generation attempt that exceeded its per-attempt
	// budget. The stage retries a timeout exactly once.
	ErrTimeout = errors.New("generation timed out")

	// ErrThrottled marks a provider 429. Retried with jittered backoff up
	// to the configured attempt cap.
	ErrThrottled = errors.New("generation throttled by provider")
)

// DefaultSystemPrompt is used when the agent carries none.
const DefaultSystemPrompt = "You are a helpful assistant. Answer the question using the provided context. If the context does not contain the answer, say so."

// Config tunes the generation stage.
type Config struct {
	// AttemptTimeout bounds a single provider call.
	AttemptTimeout time.Duration
	// ThrottleRetries is the number of extra attempts after a 429.
	ThrottleRetries uint64
	// Backoff is the base of the exponential backoff between attempts.
	Backoff time.Duration
	// Jitter randomizes each backoff step to avoid thundering herds.
	Jitter time.Duration
	// BackoffCap bounds a single backoff sleep.
	BackoffCap time.Duration
}

// DefaultConfig returns the stage defaults: 60s per attempt, 3 throttle
// retries, 500ms backoff with 250ms jitter capped at 5s.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout:  60 * time.Second,
		ThrottleRetries: 3,
		Backoff:         500 * time.Millisecond,
		Jitter:          250 * time.Millisecond,
		BackoffCap:      5 * time.Second,
	}
}

// Stage produces answers from prompts plus retrieved context.
type Stage struct {
	provider contracts.GenerationProvider
	cfg      Config
}

// NewStage creates a generation stage over the given provider.
func NewStage(provider contracts.GenerationProvider, cfg Config) *Stage {
	def := DefaultConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	// retry.WithJitter requires a positive duration.
	if cfg.Jitter <= 0 {
		cfg.Jitter = def.Jitter
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	return &Stage{provider: provider, cfg: cfg}
}

// Generate assembles the chat request and calls the provider under the
// retry policy: a timeout is retried once, a throttle up to the configured
// cap, anything else fails immediately. ElapsedMs covers all attempts.
func (s *Stage) Generate(ctx context.Context, prompt string, chunks []models.SearchResult, cfg models.GenerationConfig) (*models.GenerationResult, error) {
	req := &contracts.CompletionRequest{
		Model:       cfg.Model,
		Messages:    buildMessages(prompt, chunks, cfg),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	start := time.Now()
	attempts := 0
	timeoutRetried := false

	var resp *contracts.CompletionResponse
	backoff := retry.WithMaxRetries(s.cfg.ThrottleRetries,
		retry.WithCappedDuration(s.cfg.BackoffCap,
			retry.WithJitter(s.cfg.Jitter,
				retry.NewExponential(s.cfg.Backoff))))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()

		var callErr error
		resp, callErr = s.provider.Complete(attemptCtx, req)
		if callErr == nil {
			return nil
		}

		switch {
		case errors.Is(callErr, ErrThrottled):
			log.Warn().Str("model", cfg.Model).Int("attempt", attempts).Msg("Provider throttled, backing off")
			return retry.RetryableError(callErr)

		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			// The attempt budget expired, not the caller's deadline.
			if timeoutRetried {
				return fmt.Errorf("%w after %d attempts", ErrTimeout, attempts)
			}
			timeoutRetried = true
			log.Warn().Str("model", cfg.Model).Dur("budget", s.cfg.AttemptTimeout).Msg("Generation attempt timed out, retrying once")
			return retry.RetryableError(ErrTimeout)

		default:
			return callErr
		}
	})

	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w (total %dms, %d attempts)", ErrTimeout, elapsed, attempts)
		}
		return nil, err
	}

	usage := resp.Usage
	if usage.TotalTokens == 0 {
		usage = estimateUsage(req, resp.Text)
	}

	return &models.GenerationResult{
		Text:      resp.Text,
		Model:     resp.Model,
		Usage:     usage,
		Attempts:  attempts,
		ElapsedMs: elapsed,
	}, nil
}

// buildMessages assembles system prompt, context block and user question.
func buildMessages(prompt string, chunks []models.SearchResult, cfg models.GenerationConfig) []contracts.ChatMessage {
	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	messages := []contracts.ChatMessage{{Role: "system", Content: system}}

	if len(chunks) > 0 {
		var sb strings.Builder
		sb.WriteString("Context:\n\n")
		for i, c := range chunks {
			fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, c.Chunk.Content)
		}
		messages = append(messages, contracts.ChatMessage{Role: "user", Content: sb.String()})
		messages = append(messages, contracts.ChatMessage{Role: "assistant", Content: "I have read the context. What is the question?"})
	}

	messages = append(messages, contracts.ChatMessage{Role: "user", Content: prompt})
	return messages
}

// estimateUsage approximates token counts (~4 bytes per token) when the
// provider reports none.
func estimateUsage(req *contracts.CompletionRequest, responseText string) models.TokenUsage {
	var inputBytes int
	for _, m := range req.Messages {
		inputBytes += len(m.Content)
	}
	in := int64(inputBytes / 4)
	out := int64(len(responseText) / 4)
	return models.TokenUsage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
	}
}
