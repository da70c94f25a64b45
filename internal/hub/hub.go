// Package hub maintains the WebSocket connections of device agents and
// viewers: the read/write pumps, command forwarding, acknowledgment routing,
// heartbeat intake, and the opaque signaling relay for live-view sessions.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/command"
	"github.com/camfleet/camfleet/internal/protocol"
	"github.com/camfleet/camfleet/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Signaling bodies carry SDP
	// blobs which can run a few KB.
	maxMessageSize = 64 * 1024
)

// ErrAgentOffline is returned when a command cannot be pushed because the
// device has no live connection. The command row stays pending; the agent
// will be told on reconnect or the sweeper will time it out.
var ErrAgentOffline = errors.New("agent not connected")

// Client represents one WebSocket connection, agent or viewer.
type Client struct {
	conn       *websocket.Conn
	clientType string // "agent" or "viewer"
	clientID   string // device id for agents, viewer id for viewers
	send       chan []byte
	hub        *Hub
}

type inboundMessage struct {
	client  *Client
	message *protocol.Message
}

// Options tunes the hub's stale-command sweeper.
type Options struct {
	// SweepInterval is how often pending commands are checked, default 1m.
	SweepInterval time.Duration
	// StaleMultiplier scales the largest registered heartbeat interval into
	// the stale cutoff, default 3.
	StaleMultiplier int
	// StaleFloor is the minimum cutoff regardless of heartbeat intervals,
	// default 1m.
	StaleFloor time.Duration
}

// Hub maintains active connections and routes messages between them and the
// store.
type Hub struct {
	log  zerolog.Logger
	st   *store.Store
	opts Options

	clients map[*Client]bool
	agents  map[string]*Client
	viewers map[*Client]bool

	// sessionViewers routes agent-originated signaling back to the viewer
	// that owns the session. Entries appear when a viewer sends its first
	// signal for a session.
	sessionViewers map[string]*Client

	// heartbeatIntervals tracks what each agent registered with, for the
	// stale-command cutoff.
	heartbeatIntervals map[string]time.Duration

	unregister chan *Client
	inbound    chan *inboundMessage

	mu sync.RWMutex
}

func New(log zerolog.Logger, st *store.Store, opts Options) *Hub {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.StaleMultiplier <= 0 {
		opts.StaleMultiplier = 3
	}
	if opts.StaleFloor <= 0 {
		opts.StaleFloor = time.Minute
	}
	return &Hub{
		log:                log.With().Str("component", "hub").Logger(),
		st:                 st,
		opts:               opts,
		clients:            make(map[*Client]bool),
		agents:             make(map[string]*Client),
		viewers:            make(map[*Client]bool),
		sessionViewers:     make(map[string]*Client),
		heartbeatIntervals: make(map[string]time.Duration),
		unregister:         make(chan *Client),
		inbound:            make(chan *inboundMessage, 256),
	}
}

// Run is the hub's main loop. It serializes inbound message handling and
// drives the stale-command sweeper.
func (h *Hub) Run(ctx context.Context) {
	sweep := time.NewTicker(h.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.unregister:
			h.dropClient(client)

		case msg := <-h.inbound:
			if msg.client.clientType == "agent" {
				h.handleAgentMessage(msg)
			} else {
				h.handleViewerMessage(msg)
			}

		case <-sweep.C:
			h.sweepStaleCommands(ctx)
		}
	}
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	delete(h.viewers, client)
	for sid, c := range h.sessionViewers {
		if c == client {
			delete(h.sessionViewers, sid)
		}
	}
	isAgent := client.clientType == "agent" && client.clientID != "" && h.agents[client.clientID] == client
	if isAgent {
		delete(h.agents, client.clientID)
	}
	close(client.send)
	h.mu.Unlock()

	if isAgent {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.st.MarkDeviceInactive(ctx, client.clientID); err != nil {
			h.log.Error().Err(err).Str("device", client.clientID).Msg("failed to mark device inactive")
		}
		cancel()
	}
	h.log.Debug().Str("type", client.clientType).Str("id", client.clientID).Msg("client unregistered")
}

// HandleAgent takes ownership of an upgraded agent connection. The caller
// has already authenticated the device token.
func (h *Hub) HandleAgent(conn *websocket.Conn, deviceID string) {
	client := &Client{conn: conn, clientType: "agent", clientID: deviceID, send: make(chan []byte, 64), hub: h}

	h.mu.Lock()
	if existing, ok := h.agents[deviceID]; ok && existing != client {
		close(existing.send)
		delete(h.clients, existing)
		h.log.Warn().Str("device", deviceID).Msg("replaced duplicate agent connection")
	}
	h.agents[deviceID] = client
	h.clients[client] = true
	h.mu.Unlock()

	h.log.Debug().Str("type", "agent").Str("id", deviceID).Msg("client registered")
	go client.writePump()
	go client.readPump()
}

// HandleViewer takes ownership of an upgraded viewer connection.
func (h *Hub) HandleViewer(conn *websocket.Conn, viewerID string) {
	client := &Client{conn: conn, clientType: "viewer", clientID: viewerID, send: make(chan []byte, 64), hub: h}

	h.mu.Lock()
	h.clients[client] = true
	h.viewers[client] = true
	h.mu.Unlock()

	h.log.Debug().Str("type", "viewer").Str("id", viewerID).Msg("client registered")
	go client.writePump()
	go client.readPump()
}

// ForwardCommand pushes a pending command to the device's live connection.
// The send happens under the hub lock so it cannot race the exclusive
// sections that close a replaced or dropped connection's channel.
func (h *Hub) ForwardCommand(cmd *command.Command) error {
	msg, err := protocol.NewMessage(protocol.TypeCommand, protocol.CommandPayload{
		CommandID:   cmd.ID,
		Command:     cmd.Command,
		RequesterID: cmd.RequesterID,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	agent := h.agents[cmd.DeviceID]
	delivered := false
	if agent != nil {
		select {
		case agent.send <- data:
			delivered = true
		default:
		}
	}
	h.mu.RUnlock()
	if !delivered {
		return ErrAgentOffline
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.st.RecordLastCommand(ctx, cmd.DeviceID, cmd.Command); err != nil {
		h.log.Debug().Err(err).Str("device", cmd.DeviceID).Msg("last command not recorded")
	}
	return nil
}

// replayPending redelivers the device's undelivered command rows, oldest
// first. Rows stay pending when a push fails, so the next register or idle
// heartbeat retries them until the sweeper times them out.
func (h *Hub) replayPending(ctx context.Context, deviceID string) {
	pending, err := h.st.ListPendingCommands(ctx, deviceID)
	if err != nil {
		h.log.Error().Err(err).Str("device", deviceID).Msg("failed to load pending commands")
		return
	}
	for _, cmd := range pending {
		if err := h.ForwardCommand(cmd); err != nil {
			h.log.Debug().Err(err).Str("command", cmd.ID).Msg("pending command not redelivered")
			return
		}
		h.log.Info().Str("command", cmd.ID).Str("device", deviceID).Msg("redelivered pending command")
	}
}

// AgentConnected reports whether the device has a live connection.
func (h *Hub) AgentConnected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agents[deviceID] != nil
}

func (h *Hub) handleAgentMessage(msg *inboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deviceID := msg.client.clientID

	switch msg.message.Type {
	case protocol.TypeRegister:
		var payload protocol.RegisterPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			h.log.Error().Err(err).Msg("failed to parse register payload")
			return
		}
		if payload.HeartbeatInterval > 0 {
			h.mu.Lock()
			h.heartbeatIntervals[deviceID] = time.Duration(payload.HeartbeatInterval) * time.Second
			h.mu.Unlock()
		}
		if err := h.st.TouchSeen(ctx, deviceID); err != nil {
			h.log.Error().Err(err).Str("device", deviceID).Msg("failed to record registration")
		}
		resp, _ := protocol.NewMessage(protocol.TypeRegistered, protocol.RegisteredPayload{DeviceID: deviceID})
		data, _ := json.Marshal(resp)
		msg.client.trySend(data)
		h.log.Info().
			Str("device", deviceID).
			Str("agent_version", payload.AgentVersion).
			Str("platform", payload.Platform).
			Msg("agent registered")
		h.replayPending(ctx, deviceID)

	case protocol.TypeHeartbeat:
		var payload protocol.HeartbeatPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			h.log.Error().Err(err).Msg("failed to parse heartbeat payload")
			return
		}
		err := h.st.TouchHeartbeat(ctx, deviceID, store.HeartbeatUpdate{
			MotionEnabled: payload.MotionEnabled,
			SoundEnabled:  payload.SoundEnabled,
		})
		if err != nil {
			h.log.Error().Err(err).Str("device", deviceID).Msg("failed to update heartbeat")
		}
		if payload.PendingCmdID == nil {
			// An idle agent with pending rows means a push was lost.
			h.replayPending(ctx, deviceID)
		}

	case protocol.TypeCommandAck:
		var payload protocol.CommandAckPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		if err := h.st.MarkCommandAcked(ctx, payload.CommandID); err != nil {
			h.log.Error().Err(err).Str("command", payload.CommandID).Msg("failed to mark command acked")
		}

	case protocol.TypeCommandFailed:
		var payload protocol.CommandFailedPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		code := command.ClassifyAgentError(payload.Code, payload.Message)
		if err := h.st.MarkCommandFailed(ctx, payload.CommandID, string(code), payload.Message); err != nil {
			h.log.Error().Err(err).Str("command", payload.CommandID).Msg("failed to mark command failed")
		}

	case protocol.TypeStatusReport:
		var payload protocol.StatusReportPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		changedBy := "agent:" + deviceID
		if err := h.st.UpdateDeviceMode(ctx, deviceID, command.Mode(payload.DeviceMode), changedBy); err != nil {
			h.log.Error().Err(err).Str("device", deviceID).Msg("failed to apply status report mode")
		}
		if err := h.st.UpdateArmed(ctx, deviceID, payload.IsArmed, changedBy); err != nil {
			h.log.Error().Err(err).Str("device", deviceID).Msg("failed to apply status report armed")
		}

	case protocol.TypeSignalOffer, protocol.TypeSignalAnswer, protocol.TypeSignalCandidate:
		h.relayToViewer(msg)

	case protocol.TypeSessionEnd:
		var payload protocol.SessionEndPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		if err := h.st.EndLiveSession(ctx, payload.SessionID); err != nil {
			h.log.Debug().Err(err).Str("session", payload.SessionID).Msg("session end not recorded")
		}
		h.mu.RLock()
		viewer := h.sessionViewers[payload.SessionID]
		h.mu.RUnlock()
		if viewer != nil {
			h.forwardRaw(viewer, msg.message)
		}
	}
}

func (h *Hub) handleViewerMessage(msg *inboundMessage) {
	switch msg.message.Type {
	case protocol.TypeSignalOffer, protocol.TypeSignalAnswer, protocol.TypeSignalCandidate:
		h.relayToAgent(msg)

	case protocol.TypeSessionEnd:
		var payload protocol.SessionEndPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.st.EndLiveSession(ctx, payload.SessionID); err != nil {
			h.log.Debug().Err(err).Str("session", payload.SessionID).Msg("session end not recorded")
		}
		cancel()

		ls, err := h.liveSession(payload.SessionID)
		if err != nil {
			return
		}
		h.mu.RLock()
		agent := h.agents[ls.DeviceID]
		h.mu.RUnlock()
		if agent != nil {
			h.forwardRaw(agent, msg.message)
		}

	case protocol.TypeSessionState:
		var payload protocol.SessionStatePayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		ls, err := h.liveSession(payload.SessionID)
		if err != nil || ls.ViewerID != msg.client.clientID {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.st.UpdateLiveSessionState(ctx, payload.SessionID, payload.State); err != nil {
			h.log.Debug().Err(err).Str("session", payload.SessionID).Msg("session state not recorded")
		}
		cancel()
	}
}

// relayToAgent forwards a viewer's signaling message to the session's device
// and records the viewer as the return route for the session.
func (h *Hub) relayToAgent(msg *inboundMessage) {
	var payload protocol.SignalPayload
	if err := msg.message.ParsePayload(&payload); err != nil {
		h.log.Warn().Err(err).Msg("failed to parse signal payload")
		return
	}
	if payload.SessionID == "" || payload.DeviceID == "" {
		return
	}

	h.mu.Lock()
	h.sessionViewers[payload.SessionID] = msg.client
	agent := h.agents[payload.DeviceID]
	h.mu.Unlock()

	if agent == nil {
		h.log.Debug().Str("device", payload.DeviceID).Msg("signal dropped, agent offline")
		return
	}
	h.forwardRaw(agent, msg.message)
}

// relayToViewer forwards an agent's signaling message to the viewer that
// owns the session. The body is never inspected.
func (h *Hub) relayToViewer(msg *inboundMessage) {
	var payload protocol.SignalPayload
	if err := msg.message.ParsePayload(&payload); err != nil {
		h.log.Warn().Err(err).Msg("failed to parse signal payload")
		return
	}
	h.mu.RLock()
	viewer := h.sessionViewers[payload.SessionID]
	h.mu.RUnlock()
	if viewer == nil {
		h.log.Debug().Str("session", payload.SessionID).Msg("signal dropped, no viewer route")
		return
	}
	h.forwardRaw(viewer, msg.message)
}

func (h *Hub) forwardRaw(to *Client, m *protocol.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	to.trySend(data)
}

func (h *Hub) liveSession(id string) (*store.LiveSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.st.GetLiveSession(ctx, id)
}

// sweepStaleCommands times out pending commands older than the cutoff. The
// cutoff scales with the slowest registered heartbeat so a device on a long
// interval is not swept between beats.
func (h *Hub) sweepStaleCommands(ctx context.Context) {
	h.mu.RLock()
	var slowest time.Duration
	for _, iv := range h.heartbeatIntervals {
		if iv > slowest {
			slowest = iv
		}
	}
	h.mu.RUnlock()

	cutoff := time.Duration(h.opts.StaleMultiplier) * slowest
	if cutoff < h.opts.StaleFloor {
		cutoff = h.opts.StaleFloor
	}

	n, err := h.st.FailStaleCommands(ctx, cutoff)
	if err != nil {
		h.log.Error().Err(err).Msg("stale command sweep failed")
		return
	}
	if n > 0 {
		h.log.Info().Int("count", n).Dur("cutoff", cutoff).Msg("timed out stale commands")
	}
}

// trySend enqueues without blocking; a full buffer drops the message, the
// same policy the pumps apply to slow peers. The hub lock is held across
// the send so it serializes with the close of a dropped connection's
// channel, and a client already removed from the maps is skipped.
func (c *Client) trySend(data []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error().Err(err).Str("id", c.clientID).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.Warn().Err(err).Str("id", c.clientID).Msg("failed to parse message")
			continue
		}
		c.hub.inbound <- &inboundMessage{client: c, message: &msg}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
