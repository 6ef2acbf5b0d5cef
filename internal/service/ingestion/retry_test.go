package ingestion

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/mailflow/internal/feedback"
	"github.com/ignite/mailflow/internal/service/mailstate"
	"github.com/ignite/mailflow/internal/service/suppression"
)

func TestRetryPolicy_DelayDoublesUpToMax(t *testing.T) {
	p := RetryPolicy{Base: time.Minute, Max: 10 * time.Minute}
	assert.Equal(t, time.Minute, p.Delay(0))
	assert.Equal(t, time.Minute, p.Delay(1))
	assert.Equal(t, 2*time.Minute, p.Delay(2))
	assert.Equal(t, 8*time.Minute, p.Delay(4))
	assert.Equal(t, 10*time.Minute, p.Delay(5))
	assert.Equal(t, 10*time.Minute, p.Delay(5000))
}

func TestRetryPolicy_JitterStaysInBand(t *testing.T) {
	p := RetryPolicy{Base: time.Minute, Max: time.Hour, Jitter: 0.1}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 54*time.Second)
		assert.LessOrEqual(t, d, 66*time.Second)
	}
}

func TestRetryPolicy_DefaultSpansAboutTwoWeeks(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Jitter = 0
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := first
	attempts := 1
	for {
		delay, ok := p.Next(attempts, first, now, 0)
		if !ok {
			break
		}
		now = now.Add(delay)
		attempts++
	}
	assert.Less(t, attempts, p.MaxAttempts)
	assert.True(t, now.Sub(first) > 13*24*time.Hour, "gave up after %s", now.Sub(first))
	assert.True(t, now.Sub(first) <= p.Budget)
}

func TestRetryPolicy_TaskCapOverridesPolicy(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: time.Second, MaxAttempts: 80}
	now := time.Now()
	_, ok := p.Next(3, now, now, 3)
	assert.False(t, ok)
	_, ok = p.Next(3, now, now, 200)
	assert.True(t, ok, "a task cannot raise the policy cap")
	_, ok = p.Next(80, now, now, 200)
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	parseErr := &feedback.ParseError{Source: feedback.SourceDSN, Reason: "x", Err: feedback.ErrInvalidDSN}
	forbidden := &mailstate.ForbiddenTransitionError{Identifier: "c", From: "delivered", To: "queued"}

	assert.Equal(t, Done, classify(nil))
	assert.Equal(t, Rejected, classify(parseErr))
	assert.Equal(t, Rejected, classify(fmt.Errorf("wrapped: %w", mailstate.ErrMailNotFound)))
	assert.Equal(t, Rejected, classify(forbidden))
	assert.Equal(t, Rejected, classify(ErrMalformedTask))
	assert.Equal(t, Retry, classify(errors.New("connection reset")))
	assert.Equal(t, Retry, classify(fmt.Errorf("x: %w", suppression.ErrNoMatchingPolicy)))
}
