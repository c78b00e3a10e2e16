package task

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^task_[0-9a-f]{16}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		require.Regexp(t, pattern, id)
		require.False(t, seen[id], "ids must be unique")
		seen[id] = true
	}
}

func TestParsePriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityBackground} {
		require.Equal(t, p, ParsePriority(p.String()))
		require.True(t, p.IsValid())
	}
}

func TestParsePriorityUnknownDefaultsToMedium(t *testing.T) {
	require.Equal(t, PriorityMedium, ParsePriority("urgent"))
	require.Equal(t, PriorityMedium, ParsePriority(""))
}

func TestPriorityIsValidBounds(t *testing.T) {
	require.False(t, Priority(-1).IsValid())
	require.False(t, Priority(5).IsValid())
}

func TestResultSucceeded(t *testing.T) {
	require.True(t, (&Result{Status: StatusSuccess}).Succeeded())
	require.False(t, (&Result{Status: StatusError}).Succeeded())
	require.False(t, (&Result{Status: StatusTimeout}).Succeeded())
}
