// Package viewer is a headless client for the hub: REST calls for commands
// and session records, a websocket for signaling. It supplies the transport
// halves the live-view state machine needs, so a Go process can drive a
// session the same way the viewer app does.
package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/command"
	"github.com/camfleet/camfleet/internal/protocol"
	"github.com/camfleet/camfleet/internal/session"
)

// Client talks to one hub on behalf of one viewer, scoped to one device.
type Client struct {
	baseURL  string
	token    string
	viewerID string
	deviceID string
	log      zerolog.Logger
	http     *http.Client

	mu       sync.Mutex
	conn     *websocket.Conn
	onRemote func(json.RawMessage)
}

// New creates a client. baseURL is the hub's HTTP base, e.g.
// "http://hub:8100"; the websocket URL is derived from it.
func New(baseURL, token, viewerID, deviceID string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		viewerID: viewerID,
		deviceID: deviceID,
		log:      log.With().Str("component", "viewer").Logger(),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// NewSession builds a live-view state machine wired to this client.
func (c *Client) NewSession(sink session.MediaSink, opts session.Options) *session.Manager {
	return session.NewManager(c.log, c, signaler{c}, c, sink, opts)
}

// signaler adapts the client to session.Signaler; the client's own Send is
// taken by session.Commander.
type signaler struct{ c *Client }

func (s signaler) Open(ctx context.Context, sessionID string, onRemote func(json.RawMessage)) (func(), error) {
	return s.c.Open(ctx, sessionID, onRemote)
}

func (s signaler) Send(ctx context.Context, sessionID string, body json.RawMessage) error {
	return s.c.SendSignalBody(ctx, sessionID, body)
}

func (s signaler) SendBestEffort(sessionID string, body json.RawMessage) {
	s.c.SendBestEffort(sessionID, body)
}

// Send implements session.Commander over the command endpoint.
func (c *Client) Send(ctx context.Context, t command.Type, payload *command.Payload) (command.Outcome, error) {
	req := map[string]string{"command": string(t)}
	if payload != nil {
		req["mode"] = string(payload.Mode)
	}

	var resp struct {
		Status    string `json:"status"`
		CommandID string `json:"command_id"`
		ElapsedMS int64  `json:"elapsed_ms"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/devices/"+c.deviceID+"/commands", req, &resp); err != nil {
		return command.Outcome{}, err
	}
	return command.Outcome{
		Status:    command.OutcomeStatus(resp.Status),
		Code:      command.Code(resp.Code),
		Message:   resp.Message,
		CommandID: resp.CommandID,
		Elapsed:   time.Duration(resp.ElapsedMS) * time.Millisecond,
	}, nil
}

// Create implements session.Recorder.
func (c *Client) Create(ctx context.Context, deviceID, viewerID string) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/devices/"+deviceID+"/live-sessions", nil, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// SetState implements session.Recorder. Transitions ride the signaling
// socket so they reach the hub without a round trip per state.
func (c *Client) SetState(ctx context.Context, sessionID, state string) error {
	return c.writeMessage(protocol.TypeSessionState, protocol.SessionStatePayload{
		SessionID: sessionID,
		State:     state,
	})
}

// End implements session.Recorder.
func (c *Client) End(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/live-sessions/"+sessionID, nil, nil)
}

// Open implements session.Signaler: it dials the hub websocket and routes
// relayed signaling bodies for the session to onRemote.
func (c *Client) Open(ctx context.Context, sessionID string, onRemote func(json.RawMessage)) (func(), error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws?token=" + c.token

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.onRemote = onRemote
	c.mu.Unlock()

	go c.readLoop(conn, sessionID)

	cancel := func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.onRemote = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
	return cancel, nil
}

// Send implements session.Signaler. The body's own "type" field picks the
// envelope so offers, answers and candidates keep their message type on the
// relay.
func (c *Client) SendSignalBody(ctx context.Context, sessionID string, body json.RawMessage) error {
	return c.writeMessage(envelopeType(body), protocol.SignalPayload{
		SessionID: sessionID,
		DeviceID:  c.deviceID,
		ViewerID:  c.viewerID,
		Body:      body,
	})
}

// SendBestEffort implements session.Signaler's unload path.
func (c *Client) SendBestEffort(sessionID string, body json.RawMessage) {
	msg := protocol.SessionEndPayload{SessionID: sessionID, Reason: "viewer gone"}
	if err := c.writeMessage(protocol.TypeSessionEnd, msg); err != nil {
		c.log.Debug().Err(err).Str("session", sessionID).Msg("best-effort end not sent")
	}
}

func envelopeType(body json.RawMessage) string {
	var peek struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(body, &peek)
	switch peek.Type {
	case "answer":
		return protocol.TypeSignalAnswer
	case "candidate":
		return protocol.TypeSignalCandidate
	default:
		return protocol.TypeSignalOffer
	}
}

func (c *Client) readLoop(conn *websocket.Conn, sessionID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case protocol.TypeSignalOffer, protocol.TypeSignalAnswer, protocol.TypeSignalCandidate:
			var p protocol.SignalPayload
			if err := msg.ParsePayload(&p); err != nil || p.SessionID != sessionID {
				continue
			}
			c.mu.Lock()
			onRemote := c.onRemote
			c.mu.Unlock()
			if onRemote != nil {
				onRemote(p.Body)
			}
		case protocol.TypeSessionEnd:
			c.log.Debug().Str("session", sessionID).Msg("remote ended session")
		}
	}
}

func (c *Client) writeMessage(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("signaling socket not open")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("hub returned %d: %s (%s)", resp.StatusCode, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("hub returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
