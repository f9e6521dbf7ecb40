package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisherBoundedNewestFirst(t *testing.T) {
	p := NewMemoryPublisher(2)
	at := time.Unix(1_700_000_000, 0)
	p.Publish(Event{Name: "load_start", Backend: "kokoro", Time: at})
	p.Publish(Event{Name: "spawn", Backend: "kokoro", Fields: map[string]any{"port": 8001}})
	p.Publish(Event{Name: "ready", Backend: "kokoro", Model: "kokoro-v1"})

	assert.Equal(t, []string{"spawn", "ready"}, p.Names())
	recent := p.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "ready", recent[0].Name)
	assert.Equal(t, "kokoro-v1", recent[0].Model)
	assert.NotZero(t, recent[0].Time, "publish stamps the time")
	assert.Equal(t, 8001, recent[1].Fields["port"])
}
