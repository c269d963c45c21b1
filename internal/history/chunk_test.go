package history

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltty/termcast/internal/asciinema"
)

func TestBuildChunkClassifiesEvents(t *testing.T) {
	events := []asciinema.Event{
		asciinema.Output(1.0, "a"),
		asciinema.Input(1.5, "ls\r"),
		asciinema.Resize(2.0, 100, 30),
		asciinema.Output(2.5, "b"),
		asciinema.Exit(0, "s1"),
	}
	offsets := []int64{40, 60, 80, 100, 120}

	res := BuildChunk(ChunkInput{
		SessionID:         "s1",
		Events:            events,
		EventOffsets:      offsets,
		BaseStartIndex:    0,
		SendStartIndex:    0,
		StartOffset:       40,
		FileOffset:        140,
		TotalEvents:       5,
		TotalOutputEvents: 2,
	})

	require.NotNil(t, res.Payload)
	require.NotNil(t, res.Exit)
	assert.Equal(t, asciinema.Exit(0, "s1"), *res.Exit)

	p := res.Payload
	assert.Equal(t, ModeFull, p.Mode)
	assert.Equal(t, 3, p.ChunkEventCount)
	assert.Equal(t, 2, p.ChunkOutputEvents)
	assert.Equal(t, int64(40), p.ChunkStartOffset)
	assert.Equal(t, int64(140), p.NextOffset)
	assert.Nil(t, p.PreviousOffset)
	assert.False(t, p.HasMore)
	for _, ev := range p.Events {
		assert.NotEqual(t, asciinema.KindInput, ev.Kind)
		assert.Zero(t, ev.Time)
	}
}

func TestBuildChunkTailPagination(t *testing.T) {
	events := []asciinema.Event{
		asciinema.Output(1, "old"),
		asciinema.Output(2, "older"),
		asciinema.Output(3, "recent"),
		asciinema.Output(4, "latest"),
	}

	res := BuildChunk(ChunkInput{
		SessionID:         "s1",
		Events:            events,
		EventOffsets:      []int64{10, 20, 30, 40},
		BaseStartIndex:    0,
		SendStartIndex:    2,
		StartOffset:       10,
		FileOffset:        50,
		InitialTailLines:  2,
		HasMoreHistory:    true,
		TotalEvents:       4,
		TotalOutputEvents: 4,
	})

	p := res.Payload
	require.NotNil(t, p)
	assert.Equal(t, ModeTail, p.Mode)
	assert.True(t, p.HasMore)
	assert.Equal(t, 2, p.ChunkOutputEvents)
	assert.Equal(t, int64(30), p.ChunkStartOffset)
	require.NotNil(t, p.PreviousOffset)
	assert.Equal(t, int64(10), *p.PreviousOffset)
	assert.Equal(t, "recent", p.Events[0].Data)
}

func TestBuildChunkNothingQualifies(t *testing.T) {
	res := BuildChunk(ChunkInput{
		SessionID: "s1",
		Events: []asciinema.Event{
			asciinema.Input(1, "x"),
			asciinema.Exit(2, "s1"),
		},
		EventOffsets: []int64{0, 10},
	})

	assert.Nil(t, res.Payload)
	require.NotNil(t, res.Exit)
	assert.Equal(t, 2, res.Exit.ExitCode)

	empty := BuildChunk(ChunkInput{SessionID: "s1", SendStartIndex: 3})
	assert.Nil(t, empty.Payload)
	assert.Nil(t, empty.Exit)
}

func TestPayloadJSONShape(t *testing.T) {
	res := BuildChunk(ChunkInput{
		SessionID:    "s1",
		Events:       []asciinema.Event{asciinema.Output(9, "hi")},
		EventOffsets: []int64{0},
		FileOffset:   20,
	})
	b, err := json.Marshal(res.Payload)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	for _, key := range []string{
		"sessionId", "mode", "hasMore", "totalEvents", "totalOutputEvents",
		"chunkEventCount", "chunkOutputEvents", "chunkStartOffset",
		"previousOffset", "nextOffset", "initialTailLines", "events",
	} {
		assert.Contains(t, raw, key)
	}
	assert.Nil(t, raw["previousOffset"])
	assert.Equal(t, []any{[]any{float64(0), "o", "hi"}}, raw["events"])
}
