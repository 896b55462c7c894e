package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/pkg/schema"
)

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		name      string
		completed int
		total     int
		hasErrors bool
		want      schema.WorkflowStatus
	}{
		{"all steps no errors", 5, 5, false, schema.WorkflowStatusCompleted},
		{"single step success", 1, 1, false, schema.WorkflowStatusCompleted},
		{"nothing completed", 0, 5, true, schema.WorkflowStatusFailed},
		{"nothing completed no errors", 0, 5, false, schema.WorkflowStatusFailed},
		{"some completed with errors", 3, 5, true, schema.WorkflowStatusPartial},
		{"one of two completed", 1, 2, true, schema.WorkflowStatusPartial},
		{"all completed but errors recorded", 5, 5, true, schema.WorkflowStatusPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FinalStatus(tt.completed, tt.total, tt.hasErrors))
		})
	}
}

// A run where every attempt failed is failed regardless of the
// continue-on-error setting; the aggregation does not consult options.
func TestFinalStatus_ZeroCompletionsAlwaysFailed(t *testing.T) {
	assert.Equal(t, schema.WorkflowStatusFailed, FinalStatus(0, 3, true))
	assert.Equal(t, schema.WorkflowStatusFailed, FinalStatus(0, 1, true))
}
