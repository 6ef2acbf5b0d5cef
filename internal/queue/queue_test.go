package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTask(t *testing.T) {
	a := NewTask("dsn", []byte("raw"), "return-x@example.com")
	b := NewTask("dsn", nil, "")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, PriorityNormal, a.Priority)
	assert.Equal(t, "return-x@example.com", a.EnvelopeTo)
	assert.Zero(t, a.Attempt)
}

func TestApply(t *testing.T) {
	base := Task{Kind: "arf", Priority: PriorityLow, MaxAttempts: 5}

	got := base.Apply(Options{})
	assert.NotEmpty(t, got.ID, "missing id is filled")
	assert.Equal(t, PriorityLow, got.Priority, "zero options keep the task's priority")
	assert.Equal(t, 5, got.MaxAttempts)

	got = base.Apply(Options{Priority: PriorityHigh, MaxRetries: 9})
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, 9, got.MaxAttempts)

	withID := Task{ID: "fixed"}.Apply(Options{})
	assert.Equal(t, "fixed", withID.ID)
}

func TestPrioritiesHighestFirst(t *testing.T) {
	for i := 1; i < len(Priorities); i++ {
		assert.Greater(t, Priorities[i-1], Priorities[i])
	}
}
