package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDrainTask(t *testing.T) {
	task, err := NewDrainTask("queued")
	require.NoError(t, err)

	assert.Equal(t, DrainReportsTask, task.Type())
	var payload DrainPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "queued", payload.Reason)
}

func TestUniqueWindow(t *testing.T) {
	assert.Equal(t, time.Minute, uniqueWindow(0))
	assert.Equal(t, time.Minute, uniqueWindow(10*time.Second))
	assert.Equal(t, 10*time.Minute, uniqueWindow(5*time.Minute))
}
