package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/kiro/pkg/provider/llm"
	llmmock "github.com/MrWong99/kiro/pkg/provider/llm/mock"
)

var userHello = llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}}}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{Response: &llm.Response{Content: "hello from primary"}}
	secondary := &llmmock.Provider{Response: &llm.Response{Content: "hello from secondary"}}

	fb := NewLLMFallback(primary, "anthropic", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("openai", secondary)

	resp, err := fb.Complete(context.Background(), userHello)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestLLMFallback_Complete_RetryThenFailover(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	secondary := &llmmock.Provider{Response: &llm.Response{Content: "hello from secondary"}}

	fb := NewLLMFallback(primary, "anthropic", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 10},
		Retry:          RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond},
	})
	fb.AddFallback("openai", secondary)

	resp, err := fb.Complete(context.Background(), userHello)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
	if primary.CallCount() != 3 {
		t.Fatalf("primary called %d times, want 3 (1 + 2 retries)", primary.CallCount())
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	secondary := &llmmock.Provider{Err: errors.New("secondary down")}

	fb := NewLLMFallback(primary, "anthropic", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	_, err := fb.Complete(context.Background(), userHello)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got := fb.Names(); len(got) != 2 {
		t.Fatalf("Names() = %v", got)
	}
}
