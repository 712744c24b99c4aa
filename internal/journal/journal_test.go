package journal_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/reeltalk/reeltalk/internal/journal"
)

func TestAppendAssignsContiguousSeqs(t *testing.T) {
	t.Parallel()

	j := journal.New()
	for i := 1; i <= 5; i++ {
		seq := j.Append(journal.Observation{Kind: journal.KindUserUtterance, Text: fmt.Sprintf("u%d", i)})
		if seq != uint64(i) {
			t.Fatalf("append %d: seq = %d, want %d", i, seq, i)
		}
	}
	if got := j.LastSeq(); got != 5 {
		t.Errorf("LastSeq() = %d, want 5", got)
	}
}

func TestSinceReturnsOnlyNewerEntries(t *testing.T) {
	t.Parallel()

	j := journal.New()
	for i := 0; i < 10; i++ {
		j.Append(journal.Observation{Kind: journal.KindLLMReasoning})
	}

	got := j.Since(7)
	if len(got) != 3 {
		t.Fatalf("Since(7) returned %d entries, want 3", len(got))
	}
	for i, obs := range got {
		want := uint64(8 + i)
		if obs.Seq != want {
			t.Errorf("entry %d: seq = %d, want %d", i, obs.Seq, want)
		}
	}
}

func TestSinceZeroCursorReturnsEverything(t *testing.T) {
	t.Parallel()

	j := journal.New()
	j.Append(journal.Observation{Kind: journal.KindUserUtterance, Text: "hello"})
	j.Append(journal.Observation{Kind: journal.KindClipPlayed, ClipID: "clip-1", CommandSeq: 1})

	got := j.Since(0)
	if len(got) != 2 {
		t.Fatalf("Since(0) returned %d entries, want 2", len(got))
	}
	if got[0].Text != "hello" || got[1].ClipID != "clip-1" {
		t.Errorf("unexpected entries: %+v", got)
	}
}

func TestRetentionEvictsOldestAndSynthesizesGap(t *testing.T) {
	t.Parallel()

	j := journal.New(journal.WithRetention(5))
	for i := 0; i < 8; i++ {
		j.Append(journal.Observation{Kind: journal.KindSearchAttempt})
	}

	// Seqs 1-3 were evicted; retained window is 4-8.
	if got := j.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}

	got := j.Since(0)
	if len(got) != 6 {
		t.Fatalf("Since(0) returned %d entries, want 6 (gap + 5 retained)", len(got))
	}
	gap := got[0]
	if gap.Kind != journal.KindGap {
		t.Fatalf("first entry kind = %q, want gap", gap.Kind)
	}
	if gap.GapCount != 3 {
		t.Errorf("gap count = %d, want 3", gap.GapCount)
	}
	if gap.Seq != 3 {
		t.Errorf("gap seq = %d, want 3", gap.Seq)
	}
	if got[1].Seq != 4 {
		t.Errorf("first retained seq = %d, want 4", got[1].Seq)
	}
}

func TestRetentionWrapsAroundRepeatedly(t *testing.T) {
	t.Parallel()

	// Two and a half times around the window: ordering and seqs must hold
	// however often eviction has cycled the storage.
	j := journal.New(journal.WithRetention(4))
	for i := 1; i <= 10; i++ {
		j.Append(journal.Observation{Kind: journal.KindUserUtterance, Text: fmt.Sprintf("u%d", i)})
	}

	if got := j.Len(); got != 4 {
		t.Fatalf("Len() = %d, want 4", got)
	}

	got := j.Since(6)
	if len(got) != 4 {
		t.Fatalf("Since(6) returned %d entries, want 4", len(got))
	}
	for i, obs := range got {
		want := uint64(7 + i)
		if obs.Seq != want {
			t.Errorf("entry %d: seq = %d, want %d", i, obs.Seq, want)
		}
		if obs.Text != fmt.Sprintf("u%d", want) {
			t.Errorf("entry %d: text = %q, want u%d", i, obs.Text, want)
		}
	}

	gap := j.Since(0)[0]
	if gap.Kind != journal.KindGap || gap.Seq != 6 || gap.GapCount != 6 {
		t.Errorf("gap = %+v, want seq 6 count 6", gap)
	}
}

func TestGapCountReflectsCursorPosition(t *testing.T) {
	t.Parallel()

	j := journal.New(journal.WithRetention(5))
	for i := 0; i < 8; i++ {
		j.Append(journal.Observation{Kind: journal.KindError, ErrorKind: "llm"})
	}

	// Cursor at 2: entry 3 was also dropped, so one entry was missed.
	got := j.Since(2)
	if got[0].Kind != journal.KindGap || got[0].GapCount != 1 {
		t.Errorf("Since(2) gap = %+v, want GapCount 1", got[0])
	}

	// Cursor at the newest dropped seq: no gap needed.
	got = j.Since(3)
	if len(got) != 5 || got[0].Kind == journal.KindGap {
		t.Errorf("Since(3) should have no gap, got %+v", got)
	}
}

func TestSinceCursorAtHeadReturnsNothing(t *testing.T) {
	t.Parallel()

	j := journal.New()
	j.Append(journal.Observation{Kind: journal.KindUserUtterance})
	j.Append(journal.Observation{Kind: journal.KindUserUtterance})

	if got := j.Since(2); len(got) != 0 {
		t.Errorf("Since(head) returned %d entries, want 0", len(got))
	}
}

func TestClockInjection(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j := journal.New(journal.WithClock(func() time.Time { return fixed }))
	j.Append(journal.Observation{Kind: journal.KindProcessEvent})

	got := j.Since(0)
	if !got[0].EmittedAt.Equal(fixed) {
		t.Errorf("EmittedAt = %v, want %v", got[0].EmittedAt, fixed)
	}
}
