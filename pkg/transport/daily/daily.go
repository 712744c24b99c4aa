// Package daily implements the transport.Gateway interface against the Daily
// REST API and its room event socket.
//
// Rooms are provisioned over REST; the event stream (participant membership,
// application messages, participant audio) arrives over a WebSocket that the
// subscription keeps alive across transient failures, flagging any downtime
// with a gap event so callers can degrade the session instead of silently
// missing audio.
package daily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reeltalk/reeltalk/pkg/transport"
)

const (
	defaultAPIURL = "https://api.daily.co/v1"

	// defaultRoomTTL is how long a provisioned room lives before the
	// provider garbage-collects it.
	defaultRoomTTL = 2 * time.Hour

	requestTimeout = 10 * time.Second

	// retryAttempts bounds how often provisioning calls are retried when the
	// provider is unreachable.
	retryAttempts = 3

	defaultRetryBackoff = 500 * time.Millisecond
)

// Ensure Gateway implements the transport.Gateway interface.
var _ transport.Gateway = (*Gateway)(nil)

// Gateway is a Daily-backed room gateway.
type Gateway struct {
	apiKey       string
	apiURL       string
	wsURL        string
	domain       string
	roomTTL      time.Duration
	retryBackoff time.Duration
	client       *http.Client
}

// Option is a functional option for Gateway.
type Option func(*Gateway)

// WithAPIURL overrides the REST API base URL. Intended for tests.
func WithAPIURL(u string) Option {
	return func(g *Gateway) {
		g.apiURL = u
	}
}

// WithEventSocketURL overrides the event socket base URL. Intended for tests.
func WithEventSocketURL(u string) Option {
	return func(g *Gateway) {
		g.wsURL = u
	}
}

// WithRoomTTL overrides how long provisioned rooms live at the provider.
func WithRoomTTL(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.roomTTL = d
		}
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.client = c
	}
}

// WithRetryBackoff overrides the base backoff between provisioning retries.
// Intended for tests.
func WithRetryBackoff(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.retryBackoff = d
		}
	}
}

// New creates a Daily gateway for the given API key and room domain.
func New(apiKey, domain string, opts ...Option) (*Gateway, error) {
	if apiKey == "" {
		return nil, errors.New("daily: apiKey must not be empty")
	}
	if domain == "" {
		return nil, errors.New("daily: domain must not be empty")
	}
	g := &Gateway{
		apiKey:       apiKey,
		apiURL:       defaultAPIURL,
		domain:       domain,
		roomTTL:      defaultRoomTTL,
		retryBackoff: defaultRetryBackoff,
		client:       &http.Client{Timeout: requestTimeout},
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// createRoomRequest is the JSON body for POST /rooms.
type createRoomRequest struct {
	Name       string         `json:"name"`
	Properties roomProperties `json:"properties"`
}

type roomProperties struct {
	Exp             int64 `json:"exp"`
	EjectAtRoomExp  bool  `json:"eject_at_room_exp"`
	EnablePrejoinUI bool  `json:"enable_prejoin_ui"`
}

// createRoomResponse is the JSON body returned from POST /rooms.
type createRoomResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// tokenRequest is the JSON body for POST /meeting-tokens.
type tokenRequest struct {
	Properties tokenProperties `json:"properties"`
}

type tokenProperties struct {
	RoomName string `json:"room_name"`
	IsOwner  bool   `json:"is_owner"`
	UserName string `json:"user_name"`
}

// tokenResponse is the JSON body returned from POST /meeting-tokens.
type tokenResponse struct {
	Token string `json:"token"`
}

// CreateRoom provisions a new room with a random name and mints an owner
// token for the orchestrator's event subscription.
func (g *Gateway) CreateRoom(ctx context.Context) (transport.Room, error) {
	expires := time.Now().Add(g.roomTTL)
	name := "rt-" + uuid.NewString()

	var created createRoomResponse
	err := g.doJSONRetry(ctx, http.MethodPost, "/rooms", createRoomRequest{
		Name: name,
		Properties: roomProperties{
			Exp:            expires.Unix(),
			EjectAtRoomExp: true,
		},
	}, &created)
	if err != nil {
		return transport.Room{}, fmt.Errorf("daily: create room: %w", err)
	}

	var tok tokenResponse
	err = g.doJSONRetry(ctx, http.MethodPost, "/meeting-tokens", tokenRequest{
		Properties: tokenProperties{
			RoomName: created.Name,
			IsOwner:  true,
			UserName: "reeltalk-bot",
		},
	}, &tok)
	if err != nil {
		// Best effort: do not leak the room when token minting fails.
		_ = g.DestroyRoom(context.WithoutCancel(ctx), created.Name)
		return transport.Room{}, fmt.Errorf("daily: mint bot token: %w", err)
	}

	return transport.Room{
		Name:      created.Name,
		URL:       created.URL,
		BotToken:  tok.Token,
		ExpiresAt: expires,
	}, nil
}

// DestroyRoom deletes the named room. A room the provider no longer knows
// counts as destroyed, so repeated cleanups stay idempotent.
func (g *Gateway) DestroyRoom(ctx context.Context, name string) error {
	if err := g.doJSON(ctx, http.MethodDelete, "/rooms/"+name, nil, nil); err != nil {
		if errors.Is(err, transport.ErrRoomNotFound) {
			return nil
		}
		return fmt.Errorf("daily: destroy room %q: %w", name, err)
	}
	return nil
}

// sendMessageRequest is the JSON body for POST /rooms/{name}/send-app-message.
type sendMessageRequest struct {
	Data      json.RawMessage `json:"data"`
	Recipient string          `json:"recipient"`
}

// SendAppMessage delivers payload to the recipient in the named room.
func (g *Gateway) SendAppMessage(ctx context.Context, name string, payload []byte, to transport.Recipient) error {
	recipient := to.ParticipantID
	if recipient == "" {
		recipient = "*"
	}
	err := g.doJSON(ctx, http.MethodPost, "/rooms/"+name+"/send-app-message", sendMessageRequest{
		Data:      json.RawMessage(payload),
		Recipient: recipient,
	}, nil)
	if err != nil {
		return fmt.Errorf("daily: send app message to %q: %w", name, err)
	}
	return nil
}

// doJSONRetry wraps doJSON with a bounded retry for unreachable-provider
// failures, backing off with jitter between attempts. Only provisioning calls
// retry; in-conversation sends stay single-shot to preserve ordering.
func (g *Gateway) doJSONRetry(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := g.retryBackoff + time.Duration(rand.Int64N(int64(g.retryBackoff)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := g.doJSON(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, transport.ErrUnavailable) {
			break
		}
	}
	return lastErr
}

// doJSON performs a single REST call, encoding body as JSON when non-nil and
// decoding the response into out when non-nil. HTTP errors are mapped to the
// transport sentinel errors.
func (g *Gateway) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return transport.ErrRoomNotFound
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", transport.ErrUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
