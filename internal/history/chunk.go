// Package history builds and caches the bounded "recent output" chunk a
// viewer receives when it joins a session mid-stream.
package history

import (
	"time"

	"github.com/moltty/termcast/internal/asciinema"
)

const (
	ModeTail = "tail"
	ModeFull = "full"
)

// Payload is the history chunk sent to viewers as a JSON control message.
type Payload struct {
	SessionID         string            `json:"sessionId"`
	Mode              string            `json:"mode"`
	HasMore           bool              `json:"hasMore"`
	TotalEvents       int               `json:"totalEvents"`
	TotalOutputEvents int               `json:"totalOutputEvents"`
	ChunkEventCount   int               `json:"chunkEventCount"`
	ChunkOutputEvents int               `json:"chunkOutputEvents"`
	ChunkStartOffset  int64             `json:"chunkStartOffset"`
	PreviousOffset    *int64            `json:"previousOffset"`
	NextOffset        int64             `json:"nextOffset"`
	InitialTailLines  int               `json:"initialTailLines"`
	Events            []asciinema.Event `json:"events"`
}

// CachedChunk is the last payload built for a session.
type CachedChunk struct {
	SessionID string    `json:"sessionId"`
	Payload   *Payload  `json:"payload"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChunkInput carries everything BuildChunk needs. Events and EventOffsets
// are parallel: EventOffsets[i] is the byte offset of Events[i]'s line.
type ChunkInput struct {
	SessionID         string
	Events            []asciinema.Event
	EventOffsets      []int64
	BaseStartIndex    int
	SendStartIndex    int
	StartOffset       int64
	FileOffset        int64
	InitialTailLines  int
	HasMoreHistory    bool
	TotalEvents       int
	TotalOutputEvents int
}

// ChunkResult is the outcome of BuildChunk. Payload is nil when no event
// qualified. Exit is set when the range contained an exit event; it is kept
// out of the payload so the caller can deliver it last.
type ChunkResult struct {
	Payload *Payload
	Exit    *asciinema.Event
}

// BuildChunk selects the output and resize events from SendStartIndex to the
// end, zeroes their timestamps, and computes the pagination offsets.
func BuildChunk(in ChunkInput) ChunkResult {
	var (
		res     ChunkResult
		events  []asciinema.Event
		outputs int
	)

	start := in.SendStartIndex
	if start < 0 {
		start = 0
	}
	for i := start; i < len(in.Events); i++ {
		ev := in.Events[i]
		switch ev.Kind {
		case asciinema.KindExit:
			exit := ev
			res.Exit = &exit
		case asciinema.KindOutput:
			outputs++
			events = append(events, ev.WithTime(0))
		case asciinema.KindResize:
			events = append(events, ev.WithTime(0))
		case asciinema.KindInput:
		}
	}

	if len(events) == 0 {
		return res
	}

	mode := ModeFull
	if in.InitialTailLines > 0 {
		mode = ModeTail
	}

	p := &Payload{
		SessionID:         in.SessionID,
		Mode:              mode,
		HasMore:           in.HasMoreHistory,
		TotalEvents:       in.TotalEvents,
		TotalOutputEvents: in.TotalOutputEvents,
		ChunkEventCount:   len(events),
		ChunkOutputEvents: outputs,
		ChunkStartOffset:  offsetAt(in.EventOffsets, start, in.StartOffset),
		NextOffset:        in.FileOffset,
		InitialTailLines:  in.InitialTailLines,
		Events:            events,
	}
	if in.SendStartIndex > in.BaseStartIndex {
		prev := offsetAt(in.EventOffsets, in.BaseStartIndex, in.StartOffset)
		p.PreviousOffset = &prev
	}
	res.Payload = p
	return res
}

func offsetAt(offsets []int64, i int, fallback int64) int64 {
	if i >= 0 && i < len(offsets) {
		return offsets[i]
	}
	return fallback
}
