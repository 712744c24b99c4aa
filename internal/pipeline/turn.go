package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/reeltalk/reeltalk/internal/journal"
	"github.com/reeltalk/reeltalk/pkg/clipsearch"
	"github.com/reeltalk/reeltalk/pkg/provider/llm"
	"github.com/reeltalk/reeltalk/pkg/transport"
	"github.com/reeltalk/reeltalk/pkg/types"
)

// DefaultSystemPrompt frames the model as a clip DJ: it answers exclusively
// by playing clips, never by prose reaching the user.
const DefaultSystemPrompt = `You are a video clip DJ in a live conversation. You respond to what the user says by finding and playing short video clips; you have no voice of your own. Use the search_clips tool to find candidates matching the mood or content of the user's words, then use play_clip to play the best match. Any text you write is internal reasoning shown only to operators, never to the user. If no clip fits, search with a rephrased query before giving up.`

const (
	toolSearchClips = "search_clips"
	toolPlayClip    = "play_clip"

	// maxTopK caps the candidate count a search tool call may request.
	maxTopK = 20
)

// toolDefinitions returns the two tools offered to the model on every turn.
func toolDefinitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name:        toolSearchClips,
			Description: "Search the clip library for video clips matching a free-text description. Returns ranked candidates with clip_id, caption and relevance score.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Free-text description of the desired clip content or mood.",
					},
					"top_k": map[string]any{
						"type":        "integer",
						"description": "Number of candidates to return (1-20, default 5).",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        toolPlayClip,
			Description: "Play a clip segment on the user's display. Use a clip_id from a previous search_clips result.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"clip_id": map[string]any{
						"type":        "string",
						"description": "Identifier of the clip to play.",
					},
					"start_seconds": map[string]any{
						"type":        "number",
						"description": "Segment start offset in seconds, >= 0.",
					},
					"end_seconds": map[string]any{
						"type":        "number",
						"description": "Segment end offset in seconds, > start_seconds.",
					},
				},
				"required": []string{"clip_id", "start_seconds", "end_seconds"},
			},
		},
	}
}

// playbackMessage is the wire shape of the video-playback-command app message.
type playbackMessage struct {
	Type         string    `json:"type"`
	Action       string    `json:"action"`
	ClipID       string    `json:"clip_id,omitempty"`
	SourceURI    string    `json:"source_uri,omitempty"`
	StartSeconds float64   `json:"start_seconds"`
	EndSeconds   float64   `json:"end_seconds"`
	Fullscreen   bool      `json:"fullscreen"`
	CommandSeq   uint64    `json:"command_seq"`
	IssuedAt     time.Time `json:"issued_at"`
}

// runTurn executes one full conversation turn for a finalized utterance.
func (p *Pipeline) runTurn(ctx context.Context, utt types.Utterance) {
	text := strings.TrimSpace(utt.Text)
	if text == "" {
		return
	}

	p.mu.Lock()
	p.lastUtteranceAt = time.Now()
	p.mu.Unlock()

	turnStart := time.Now()
	defer func() {
		p.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	}()
	p.metrics.Utterances.Add(ctx, 1)

	p.log.Info("turn started", "utterance", text)
	p.cfg.Journal.Append(journal.Observation{
		Kind: journal.KindUserUtterance,
		Text: text,
	})
	p.fire(p.cfg.Callbacks.OnActivity)

	p.messages = append(p.messages, types.Message{Role: "user", Content: text})
	p.truncateContext()

	resp, err := p.callLLM(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown raced the model call; drop the turn silently.
			return
		}
		p.log.Error("llm call failed", "error", err, "consecutive", p.llmFailures)
		p.cfg.Journal.Append(journal.Observation{
			Kind:      journal.KindError,
			ErrorKind: "llm",
			Text:      err.Error(),
		})
		if p.llmFailures >= llmFailureThreshold && !p.fatalFired {
			p.fatalFired = true
			if cb := p.cfg.Callbacks.OnFatal; cb != nil {
				cb("llm")
			}
		}
		return
	}

	if ctx.Err() != nil {
		// Teardown won the race with the model call. The room is on its way
		// out, so the late response must not turn into commands or journal
		// entries.
		return
	}

	// Free-text content is operator-visible reasoning; it never reaches the
	// user, who only sees clips.
	if resp.Content != "" {
		p.cfg.Journal.Append(journal.Observation{
			Kind: journal.KindLLMReasoning,
			Text: resp.Content,
		})
	}

	p.messages = append(p.messages, types.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	if len(resp.ToolCalls) == 0 {
		p.noteTurnWithoutPlay()
		return
	}

	// Execute in emission order, appending exactly one tool result per call.
	seqBefore := p.CommandSeq()
	for _, call := range resp.ToolCalls {
		if ctx.Err() != nil {
			return
		}
		result := p.executeToolCall(ctx, call)
		p.messages = append(p.messages, types.Message{
			Role:       "tool",
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    result,
		})
	}

	// A turn counts as progress only when a playback command was delivered;
	// searching and then giving up stalls the conversation just like prose.
	if p.CommandSeq() == seqBefore {
		p.noteTurnWithoutPlay()
	} else {
		p.stallCounter = 0
	}
}

// noteTurnWithoutPlay tracks consecutive utterances that ended without a
// delivered playback command, journaling a stalled error at the threshold.
func (p *Pipeline) noteTurnWithoutPlay() {
	p.stallCounter++
	if p.stallCounter < stallThreshold {
		return
	}
	p.log.Warn("conversation stalled", "turns_without_playback", p.stallCounter)
	p.cfg.Journal.Append(journal.Observation{
		Kind:      journal.KindError,
		ErrorKind: "stalled",
		Text:      fmt.Sprintf("no clip played for %d consecutive utterances", p.stallCounter),
	})
	p.stallCounter = 0
}

// callLLM runs one completion through the circuit breaker with the turn
// timeout, tracking consecutive failures.
func (p *Pipeline) callLLM(ctx context.Context) (*llm.CompletionResponse, error) {
	start := time.Now()
	var resp *llm.CompletionResponse
	err := p.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
		defer cancel()

		var err error
		resp, err = p.cfg.LLM.Complete(callCtx, llm.CompletionRequest{
			Messages:     p.messages,
			Tools:        toolDefinitions(),
			SystemPrompt: p.cfg.SystemPrompt,
		})
		return err
	})
	p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.llmFailures++
		p.metrics.RecordProviderError(ctx, "llm", "completion")
		return nil, err
	}
	p.llmFailures = 0
	if resp == nil {
		resp = &llm.CompletionResponse{}
	}
	return resp, nil
}

// truncateContext bounds the history to the configured turn count, then
// trims further if the token estimate exceeds the model's context window.
func (p *Pipeline) truncateContext() {
	p.dropOldestTurns(p.cfg.ContextTurns)

	window := p.cfg.LLM.Capabilities().ContextWindow
	if window <= 0 {
		return
	}
	for turns := p.countUserTurns(); turns > 1; turns-- {
		tokens, err := p.cfg.LLM.CountTokens(p.messages)
		if err != nil || tokens <= window {
			return
		}
		p.dropOldestTurns(turns - 1)
	}
}

// countUserTurns counts user-role messages in the history.
func (p *Pipeline) countUserTurns() int {
	n := 0
	for _, m := range p.messages {
		if m.Role == "user" {
			n++
		}
	}
	return n
}

// dropOldestTurns trims the history to the last keep user turns, cutting at a
// user-message boundary so tool results never lose their calls.
func (p *Pipeline) dropOldestTurns(keep int) {
	turns := p.countUserTurns()
	if turns <= keep {
		return
	}
	drop := turns - keep
	for i, m := range p.messages {
		if m.Role == "user" {
			drop--
			if drop < 0 {
				p.messages = p.messages[i:]
				return
			}
		}
	}
}

// ─── Tool execution ───────────────────────────────────────────────────────────

// toolError is the machine-readable failure shape returned to the model.
type toolError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func encodeToolResult(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"internal"}`
	}
	return string(b)
}

func (p *Pipeline) executeToolCall(ctx context.Context, call types.ToolCall) string {
	var (
		result string
		ok     bool
	)
	switch call.Name {
	case toolSearchClips:
		result, ok = p.execSearch(ctx, call)
	case toolPlayClip:
		result, ok = p.execPlay(ctx, call)
	default:
		p.log.Warn("model called unknown tool", "tool", call.Name)
		result = encodeToolResult(toolError{Error: "unknown_tool", Detail: call.Name})
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	p.metrics.RecordToolCall(ctx, call.Name, status)
	return result
}

type searchArgs struct {
	Query string `json:"query"`
	// TopK distinguishes "omitted" (default limit) from an explicit 0
	// (deliberately empty result).
	TopK *int `json:"top_k"`
}

type searchResult struct {
	Results []types.ClipCandidate `json:"results"`
	Reason  string                `json:"reason,omitempty"`
}

func (p *Pipeline) execSearch(ctx context.Context, call types.ToolCall) (string, bool) {
	var args searchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return encodeToolResult(toolError{Error: "invalid_arguments", Detail: err.Error()}), false
	}
	query := strings.TrimSpace(args.Query)
	topK := clipsearch.DefaultLimit
	if args.TopK != nil {
		topK = *args.TopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	// Empty query or a non-positive limit is deterministically empty; the
	// backend is not consulted.
	if query == "" || topK <= 0 {
		p.lastSearch = nil
		p.cfg.Journal.Append(journal.Observation{
			Kind:        journal.KindSearchAttempt,
			Query:       args.Query,
			ResultCount: 0,
		})
		return encodeToolResult(searchResult{
			Results: []types.ClipCandidate{},
			Reason:  "no matching clips; try a broader or rephrased query",
		}), true
	}

	start := time.Now()
	candidates, err := p.searchWithRetry(ctx, query, topK)
	p.metrics.SearchDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.log.Warn("clip search failed", "query", args.Query, "error", err)
		p.metrics.RecordProviderError(ctx, "search", "query")
		p.cfg.Journal.Append(journal.Observation{
			Kind:      journal.KindError,
			ErrorKind: "search",
			Text:      err.Error(),
		})
		return encodeToolResult(toolError{Error: "search_unavailable"}), false
	}

	p.lastSearch = candidates
	p.cfg.Journal.Append(journal.Observation{
		Kind:        journal.KindSearchAttempt,
		Query:       args.Query,
		ResultCount: len(candidates),
	})

	res := searchResult{Results: candidates}
	if res.Results == nil {
		res.Results = []types.ClipCandidate{}
	}
	if len(candidates) == 0 {
		res.Reason = "no matching clips; try a broader or rephrased query"
	}
	return encodeToolResult(res), true
}

// searchWithRetry retries an unavailable backend a bounded number of times.
func (p *Pipeline) searchWithRetry(ctx context.Context, query string, topK int) ([]types.ClipCandidate, error) {
	var lastErr error
	for attempt := 0; attempt <= searchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(searchRetryBackoff):
			}
		}
		searchCtx, cancel := context.WithTimeout(ctx, p.cfg.SearchTimeout)
		candidates, err := p.cfg.Search.Search(searchCtx, query, topK)
		cancel()
		if err == nil {
			return candidates, nil
		}
		lastErr = err
		if !errors.Is(err, clipsearch.ErrUnavailable) {
			break
		}
	}
	return nil, lastErr
}

type playArgs struct {
	ClipID       string  `json:"clip_id"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

type playResult struct {
	Status     string `json:"status"`
	CommandSeq uint64 `json:"command_seq"`
}

func (p *Pipeline) execPlay(ctx context.Context, call types.ToolCall) (string, bool) {
	var args playArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return encodeToolResult(toolError{Error: "invalid_arguments", Detail: err.Error()}), false
	}
	if args.StartSeconds < 0 || args.EndSeconds <= args.StartSeconds {
		p.cfg.Journal.Append(journal.Observation{
			Kind:      journal.KindError,
			ErrorKind: "invalid_tool_call",
			Text:      fmt.Sprintf("play_clip %s: invalid segment [%g, %g]", args.ClipID, args.StartSeconds, args.EndSeconds),
		})
		return encodeToolResult(toolError{
			Error:  "invalid_arguments",
			Detail: "end_seconds must be greater than start_seconds and start_seconds must not be negative",
		}), false
	}

	p.mu.Lock()
	degraded := p.degraded
	p.mu.Unlock()
	if degraded {
		p.log.Warn("suppressing playback while degraded", "clip", args.ClipID)
		return encodeToolResult(toolError{
			Error:  "transport_degraded",
			Detail: "the connection to the user is temporarily down; retry shortly",
		}), false
	}

	// Soft validation: an unknown clip_id is allowed through (the edge may
	// resolve it), but worth a warning with the closest known id.
	candidate, known := p.findCandidate(args.ClipID)
	if !known {
		p.log.Warn("play_clip with unknown clip id",
			"clip", args.ClipID, "nearest_known", p.nearestClipID(args.ClipID))
	}

	p.mu.Lock()
	seq := p.commandSeq + 1
	p.mu.Unlock()

	payload, err := json.Marshal(playbackMessage{
		Type:         "video-playback-command",
		Action:       "play",
		ClipID:       args.ClipID,
		SourceURI:    candidate.SourceURI,
		StartSeconds: args.StartSeconds,
		EndSeconds:   args.EndSeconds,
		Fullscreen:   true,
		CommandSeq:   seq,
		IssuedAt:     time.Now().UTC(),
	})
	if err != nil {
		return encodeToolResult(toolError{Error: "internal", Detail: err.Error()}), false
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	err = p.cfg.Gateway.SendAppMessage(sendCtx, p.cfg.Room.Name, payload, transport.Broadcast)
	cancel()
	if err != nil {
		p.log.Error("sending playback command", "error", err)
		p.cfg.Journal.Append(journal.Observation{
			Kind:      journal.KindError,
			ErrorKind: "transport",
			Text:      err.Error(),
		})
		p.SetDegraded(true)
		return encodeToolResult(toolError{Error: "transport_send_failed"}), false
	}

	// The sequence only advances on delivered commands, keeping it contiguous.
	p.mu.Lock()
	p.commandSeq = seq
	p.mu.Unlock()

	p.log.Info("playback command sent", "clip", args.ClipID, "command_seq", seq)
	p.metrics.RecordPlayCommand(ctx, args.ClipID)
	p.cfg.Journal.Append(journal.Observation{
		Kind:       journal.KindClipSelected,
		ClipID:     args.ClipID,
		CommandSeq: seq,
	})
	return encodeToolResult(playResult{Status: "playing", CommandSeq: seq}), true
}

// findCandidate looks up a clip id in the most recent search results.
func (p *Pipeline) findCandidate(clipID string) (types.ClipCandidate, bool) {
	for _, c := range p.lastSearch {
		if c.ClipID == clipID {
			return c, true
		}
	}
	return types.ClipCandidate{}, false
}

// nearestClipID returns the known clip id closest to the given one by edit
// distance, for the unknown-id warning. Empty when nothing was searched yet.
func (p *Pipeline) nearestClipID(clipID string) string {
	best := ""
	bestDist := -1
	for _, c := range p.lastSearch {
		d := matchr.Levenshtein(clipID, c.ClipID)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c.ClipID, d
		}
	}
	return best
}
