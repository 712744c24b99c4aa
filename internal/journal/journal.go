// Package journal implements the per-session status journal.
//
// The journal is an append-only, bounded record of what the conversation
// pipeline observed and decided: user utterances, model reasoning, search
// attempts, clip selections, emitted playback commands, edge process events,
// and errors. Consumers poll it with a cursor; sequence numbers are strictly
// monotonic so a client can always tell whether it missed entries.
package journal

import (
	"sync"
	"time"
)

// DefaultRetention is the number of observations retained per session.
const DefaultRetention = 1000

// Kind classifies an observation.
type Kind string

const (
	// KindUserUtterance records a finalized transcript that started a turn.
	KindUserUtterance Kind = "user_utterance"

	// KindLLMReasoning records assistant text content from a model turn.
	KindLLMReasoning Kind = "llm_reasoning"

	// KindSearchAttempt records a clip search call and its result count.
	KindSearchAttempt Kind = "search_attempt"

	// KindClipSelected records the model choosing a clip to play.
	KindClipSelected Kind = "clip_selected"

	// KindClipPlayed records playback completion reported by the player device.
	KindClipPlayed Kind = "clip_played"

	// KindProcessEvent records an edge device process lifecycle event.
	KindProcessEvent Kind = "process_event"

	// KindError records a pipeline error visible to status consumers.
	KindError Kind = "error"

	// KindGap marks entries dropped by retention. Synthesized on read,
	// never stored.
	KindGap Kind = "gap"
)

// Observation is a single journal entry. Seq and EmittedAt are assigned by
// the journal on append; which payload fields are set depends on Kind.
type Observation struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	EmittedAt time.Time `json:"emitted_at"`

	// Text carries utterance text, reasoning content, or an error message.
	Text string `json:"text,omitempty"`

	// Query and ResultCount describe a search attempt.
	Query       string `json:"query,omitempty"`
	ResultCount int    `json:"result_count,omitempty"`

	// ClipID is set for clip selection and playback entries.
	ClipID string `json:"clip_id,omitempty"`

	// CommandSeq is set for playback entries, matching the emitted command.
	CommandSeq uint64 `json:"command_seq,omitempty"`

	// ErrorKind classifies an error entry (e.g. "llm", "search", "stalled").
	ErrorKind string `json:"error_kind,omitempty"`

	// GapCount is the number of dropped entries a gap marker stands for.
	GapCount uint64 `json:"gap_count,omitempty"`
}

// Journal is a bounded append-only observation log. Safe for concurrent use:
// the pipeline appends while status consumers read with Since.
//
// Entries live in a fixed-size ring so long-running sessions reuse the same
// backing array instead of growing it.
type Journal struct {
	mu      sync.Mutex
	buf     []Observation
	start   int
	count   int
	nextSeq uint64
	retain  int
	now     func() time.Time

	// droppedThrough is the seq of the newest entry evicted by retention;
	// zero when nothing has been dropped yet.
	droppedThrough uint64
}

// Option configures a Journal.
type Option func(*Journal)

// WithRetention overrides the number of retained observations.
func WithRetention(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.retain = n
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// New creates an empty journal with the default retention.
func New(opts ...Option) *Journal {
	j := &Journal{
		retain: DefaultRetention,
		now:    time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Append assigns the next sequence number and timestamp to obs and stores it,
// evicting the oldest entry when retention is exceeded. Returns the assigned
// sequence number.
func (j *Journal) Append(obs Observation) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.buf == nil {
		j.buf = make([]Observation, j.retain)
	}

	j.nextSeq++
	obs.Seq = j.nextSeq
	obs.EmittedAt = j.now()

	if j.count == j.retain {
		j.droppedThrough = j.buf[j.start].Seq
		j.start = (j.start + 1) % j.retain
		j.count--
	}
	j.buf[(j.start+j.count)%j.retain] = obs
	j.count++
	return obs.Seq
}

// Since returns all retained observations with Seq > cursor, oldest first.
// When the cursor points before the retention window, the result starts with
// a synthetic gap marker whose GapCount is the number of missed entries, so
// consumers can detect loss without the journal keeping dropped data around.
func (j *Journal) Since(cursor uint64) []Observation {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Observation
	if cursor < j.droppedThrough {
		out = append(out, Observation{
			Seq:       j.droppedThrough,
			Kind:      KindGap,
			EmittedAt: j.now(),
			GapCount:  j.droppedThrough - cursor,
		})
	}
	for i := 0; i < j.count; i++ {
		e := j.buf[(j.start+i)%j.retain]
		if e.Seq > cursor {
			out = append(out, e)
		}
	}
	return out
}

// LastSeq returns the sequence number of the newest observation, or zero
// when nothing has been appended yet.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

// Len returns the number of retained observations.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}
