package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONOmitsEmptyFields(t *testing.T) {
	ev := Event{
		ID:        "evt-1",
		Type:      EventProcessLaunched,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		PID:       0x21,
		TitleID:   0x0004013000001502,
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "result")
	assert.NotContains(t, string(data), "fields")

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev, decoded)
}
