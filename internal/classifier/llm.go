package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You are an FDA compliance expert analyzing Form 483 inspection observations. Always respond with valid JSON only."

type failureClass int

const (
	failureParse failureClass = iota
	failureSchema
	failureEmpty
	failureTimeout
	failureRateLimit
	failureServer
	failureClient
)

// Caller issues one completion request and returns the raw text response.
// It exists so the engine can be exercised against mock model output.
type Caller interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
	model    anthropic.Model
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return &AnthropicCaller{
		messages: newAnthropicClient(apiKey),
		model:    anthropic.ModelClaudeSonnet4_20250514,
	}, nil
}

func (a *AnthropicCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   4096,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0.3),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func classifyTransportError(err error) failureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"):
		return failureRateLimit
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "status=5") || strings.Contains(msg, "server error"):
		return failureServer
	case strings.Contains(msg, "status code: 4") || strings.Contains(msg, "status=4") || strings.Contains(msg, "authentication"):
		return failureClient
	default:
		return failureServer
	}
}

func retryable(class failureClass) bool {
	switch class {
	case failureTimeout, failureRateLimit, failureServer:
		return true
	}
	return false
}

const backoffBase = 1 * time.Second

// backoffDelay doubles per attempt from the base delay, capped at eight
// times the base.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d, limit := base, 8*base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FailedError is the terminal classification failure for a document: the
// retry budget is exhausted or the failure was non-retryable.
type FailedError struct {
	Attempts int
	Reason   string
	Err      error
}

func (e *FailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification failed after %d attempt(s): %s: %v", e.Attempts, e.Reason, e.Err)
	}
	return fmt.Sprintf("classification failed after %d attempt(s): %s", e.Attempts, e.Reason)
}

func (e *FailedError) Unwrap() error { return e.Err }
