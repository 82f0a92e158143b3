package proposal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []Status{
	StatusPendingReview,
	StatusApproved,
	StatusRejected,
	StatusOnChainPending,
	StatusActive,
	StatusExecuted,
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPendingReview, StatusApproved}:   true,
		{StatusPendingReview, StatusRejected}:   true,
		{StatusApproved, StatusOnChainPending}:  true,
		{StatusOnChainPending, StatusActive}:    true,
		{StatusOnChainPending, StatusRejected}:  true,
		{StatusActive, StatusExecuted}:          true,
		{StatusActive, StatusRejected}:          true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range allStatuses {
		if s.Terminal() {
			assert.Empty(t, s.Next(), s)
		}
	}
	assert.True(t, StatusExecuted.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusActive.Terminal())
}

func TestStatusValid(t *testing.T) {
	for _, s := range allStatuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("voting").Valid())
}

func TestAllocationStatusHolds(t *testing.T) {
	assert.True(t, AllocationPending.Holds())
	assert.True(t, AllocationConfirmed.Holds())
	assert.False(t, AllocationFailed.Holds())
}
