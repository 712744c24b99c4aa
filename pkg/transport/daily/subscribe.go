package daily

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/reeltalk/reeltalk/pkg/transport"
	"github.com/reeltalk/reeltalk/pkg/types"
)

const (
	// reconnectBase is the initial backoff between reconnect attempts.
	// Doubles up to reconnectMax.
	reconnectBase = 250 * time.Millisecond
	reconnectMax  = 5 * time.Second

	// maxReconnectAttempts bounds consecutive failed redials before the
	// subscription gives up and closes its event channel.
	maxReconnectAttempts = 8
)

// Subscribe opens the room's event socket and starts delivering events.
func (g *Gateway) Subscribe(ctx context.Context, room transport.Room) (transport.Subscription, error) {
	wsURL, err := g.eventSocketURL(room)
	if err != nil {
		return nil, fmt.Errorf("daily: event socket URL: %w", err)
	}

	conn, err := dialEventSocket(ctx, wsURL, room.BotToken)
	if err != nil {
		return nil, fmt.Errorf("daily: subscribe %q: %w: %w", room.Name, transport.ErrUnavailable, err)
	}

	sub := &subscription{
		url:      wsURL,
		token:    room.BotToken,
		conn:     conn,
		events:   make(chan transport.Event, 256),
		done:     make(chan struct{}),
		decoders: make(map[string]*opusDecoder),
		log:      slog.With("room", room.Name),
	}
	sub.wg.Add(1)
	go sub.run(ctx)
	return sub, nil
}

// eventSocketURL derives the wss endpoint for a room's event stream.
func (g *Gateway) eventSocketURL(room transport.Room) (string, error) {
	base := g.wsURL
	if base == "" {
		base = "wss://" + g.domain + ".daily.co/events"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("room", room.Name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dialEventSocket(ctx context.Context, wsURL, token string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	return conn, err
}

// roomEvent is the JSON structure of a single event socket message.
type roomEvent struct {
	Type          string          `json:"type"`
	ParticipantID string          `json:"participant_id"`
	Owner         bool            `json:"owner"`
	From          string          `json:"from"`
	Data          json.RawMessage `json:"data"`
	Audio         string          `json:"audio"` // base64 Opus packet
}

// subscription is a live event stream for one room. It implements
// transport.Subscription.
type subscription struct {
	url   string
	token string

	mu   sync.Mutex
	conn *websocket.Conn

	events chan transport.Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// decoders holds one Opus decoder per participant so decoder state
	// survives across frames.
	decoders map[string]*opusDecoder

	log *slog.Logger
}

// Events returns the event delivery channel.
func (s *subscription) Events() <-chan transport.Event { return s.events }

// Close tears down the subscription. Safe to call more than once.
func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close(websocket.StatusNormalClosure, "subscription closed")
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return nil
}

// run reads events until the subscription is closed, redialing on transient
// failures. Each successful reconnect is preceded by a gap event carrying the
// downtime so callers can flag possible event loss.
func (s *subscription) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		err := s.readLoop(ctx)
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		s.log.Warn("event socket dropped, reconnecting", "error", err)

		downSince := time.Now()
		if !s.redial(ctx) {
			return
		}
		s.deliver(ctx, transport.Event{
			Type:     transport.EventGap,
			Downtime: time.Since(downSince),
		})
	}
}

// redial re-establishes the socket with exponential backoff. Returns false
// when the subscription closed or attempts ran out.
func (s *subscription) redial(ctx context.Context) bool {
	backoff := reconnectBase
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := dialEventSocket(ctx, s.url, s.token)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			return true
		}
		s.log.Warn("event socket redial failed", "attempt", attempt, "error", err)
		backoff = min(backoff*2, reconnectMax)
	}
	s.log.Error("event socket redial attempts exhausted")
	return false
}

// readLoop reads and dispatches messages from the current connection until
// it fails or the subscription closes.
func (s *subscription) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, ok := s.parseEvent(msg)
		if !ok {
			continue
		}
		if !s.deliver(ctx, ev) {
			return nil
		}
	}
}

// deliver sends ev on the events channel, dropping audio frames rather than
// blocking when the consumer falls behind. Returns false when the
// subscription is shutting down.
func (s *subscription) deliver(ctx context.Context, ev transport.Event) bool {
	if ev.Type == transport.EventAudioFrame {
		select {
		case s.events <- ev:
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		default:
			// Consumer is behind; dropping one frame beats stalling the
			// whole event stream.
		}
		return true
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// parseEvent converts a raw socket message into a transport.Event.
// Returns (zero, false) for messages that should be ignored.
func (s *subscription) parseEvent(msg []byte) (transport.Event, bool) {
	var raw roomEvent
	if err := json.Unmarshal(msg, &raw); err != nil {
		s.log.Debug("unparseable room event", "error", err)
		return transport.Event{}, false
	}

	switch raw.Type {
	case "participant-joined":
		return transport.Event{
			Type:          transport.EventParticipantJoined,
			ParticipantID: raw.ParticipantID,
			IsBot:         raw.Owner,
		}, true
	case "participant-left":
		return transport.Event{
			Type:          transport.EventParticipantLeft,
			ParticipantID: raw.ParticipantID,
			IsBot:         raw.Owner,
		}, true
	case "app-message":
		return transport.Event{
			Type:          transport.EventAppMessage,
			ParticipantID: raw.From,
			Payload:       []byte(raw.Data),
		}, true
	case "audio":
		return s.parseAudioEvent(raw)
	default:
		return transport.Event{}, false
	}
}

// parseAudioEvent decodes the base64 Opus payload into PCM.
func (s *subscription) parseAudioEvent(raw roomEvent) (transport.Event, bool) {
	packet, err := base64.StdEncoding.DecodeString(raw.Audio)
	if err != nil {
		s.log.Debug("bad audio payload", "participant", raw.ParticipantID, "error", err)
		return transport.Event{}, false
	}

	dec, ok := s.decoders[raw.ParticipantID]
	if !ok {
		dec, err = newOpusDecoder()
		if err != nil {
			s.log.Error("opus decoder init failed", "error", err)
			return transport.Event{}, false
		}
		s.decoders[raw.ParticipantID] = dec
	}

	pcm, err := dec.decode(packet)
	if err != nil {
		s.log.Debug("opus decode failed", "participant", raw.ParticipantID, "error", err)
		return transport.Event{}, false
	}

	return transport.Event{
		Type:          transport.EventAudioFrame,
		ParticipantID: raw.ParticipantID,
		Frame: types.AudioFrame{
			Data:          pcm,
			SampleRate:    opusSampleRate,
			Channels:      opusChannels,
			ParticipantID: raw.ParticipantID,
		},
	}, true
}
