package docclient

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestErrorBudgetScenario(t *testing.T) {
	mock := clock.NewMock()
	budget := NewErrorBudget(180*time.Second, 2.25, mock)

	// Ten connection errors spread over 120 seconds: 10 / 3min > 2.25/min.
	exhaustedAt := -1
	for i := 0; i < 10; i++ {
		if budget.Record() && exhaustedAt < 0 {
			exhaustedAt = i
		}
		mock.Add(12 * time.Second)
	}
	assert.GreaterOrEqual(t, exhaustedAt, 0, "budget never exhausted")
	// 2.25/min over a 3-minute window crosses at the seventh error.
	assert.Equal(t, 6, exhaustedAt)
}

func TestErrorBudgetPrunesOldErrors(t *testing.T) {
	mock := clock.NewMock()
	budget := NewErrorBudget(180*time.Second, 2.25, mock)

	for i := 0; i < 6; i++ {
		assert.False(t, budget.Record())
	}
	// After the window slides past them, the slate is clean.
	mock.Add(181 * time.Second)
	assert.Equal(t, 0.0, budget.Rate())
	assert.False(t, budget.Record())
}

func TestErrorBudgetReset(t *testing.T) {
	mock := clock.NewMock()
	budget := NewErrorBudget(180*time.Second, 2.25, mock)

	for i := 0; i < 5; i++ {
		budget.Record()
	}
	budget.Reset()
	assert.Equal(t, 0.0, budget.Rate())
}
