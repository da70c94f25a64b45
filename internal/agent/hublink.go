package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/config"
	"github.com/camfleet/camfleet/internal/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	initialBackoff   = 1 * time.Second
	maxBackoff       = 60 * time.Second
	closeGracePeriod = 5 * time.Second
)

// hubLink is the agent's connection to the hub. It owns the full lifecycle
// of one leg: dial with the device credentials, the register handshake, the
// heartbeat schedule, and reconnection with exponential backoff. The backoff
// resets only once the hub confirms registration, so a hub that accepts the
// socket but never answers the handshake still sees slowing retries.
type hubLink struct {
	cfg *config.AgentConfig
	log zerolog.Logger

	// register establishes identity, heartbeat carries liveness. The agent
	// supplies both as snapshots of its current state.
	register  func() protocol.RegisterPayload
	heartbeat func() protocol.HeartbeatPayload

	mu         sync.Mutex
	conn       *websocket.Conn
	registered bool

	inbound chan *protocol.Message
	backoff time.Duration
}

func newHubLink(cfg *config.AgentConfig, log zerolog.Logger, register func() protocol.RegisterPayload, heartbeat func() protocol.HeartbeatPayload) *hubLink {
	return &hubLink{
		cfg:       cfg,
		log:       log.With().Str("component", "hublink").Logger(),
		register:  register,
		heartbeat: heartbeat,
		inbound:   make(chan *protocol.Message, 100),
		backoff:   initialBackoff,
	}
}

// Run dials, registers and pumps one connection after another until the
// context is cancelled.
func (l *hubLink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		conn, err := l.dial(ctx)
		if err != nil {
			l.log.Error().Err(err).Dur("backoff", l.backoff).Msg("connection failed, retrying")
			l.waitBackoff(ctx)
			continue
		}

		l.serve(ctx, conn)
		l.waitBackoff(ctx)
	}
}

// dial opens the socket, authenticating with the device token and id.
func (l *hubLink) dial(ctx context.Context) (*websocket.Conn, error) {
	l.log.Debug().Str("url", l.cfg.HubURL).Msg("connecting")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.cfg.Token)
	header.Set("X-Device-ID", l.cfg.DeviceID)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, l.cfg.HubURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			l.log.Error().Msg("device credentials rejected")
		}
		return nil, err
	}
	return conn, nil
}

// serve runs one connection: sends the register handshake, then pumps
// messages until the socket dies. The registered reply is consumed here;
// everything else flows out on the inbound channel.
func (l *hubLink) serve(ctx context.Context, conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.registered = false
		if l.conn != nil {
			l.conn.Close()
			l.conn = nil
		}
		l.mu.Unlock()
		l.log.Warn().Msg("disconnected from hub")
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go l.pingLoop(loopCtx, conn)
	go l.heartbeatLoop(loopCtx)

	l.log.Info().Msg("connected to hub")
	if err := l.Send(protocol.TypeRegister, l.register()); err != nil {
		l.log.Error().Err(err).Msg("failed to send registration")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Error().Err(err).Msg("read error")
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		if msg.Type == protocol.TypeRegistered {
			l.completeRegistration()
			continue
		}

		select {
		case l.inbound <- &msg:
		default:
			l.log.Warn().Str("type", msg.Type).Msg("message queue full, dropping message")
		}
	}
}

// completeRegistration marks the leg registered, resets the backoff and
// pushes the first heartbeat so the hub sees fresh state right away.
func (l *hubLink) completeRegistration() {
	l.mu.Lock()
	l.registered = true
	l.mu.Unlock()
	l.backoff = initialBackoff
	l.log.Info().Msg("registered with hub")
	l.sendHeartbeat()
}

// heartbeatLoop reports liveness on the configured interval while the leg
// is registered.
func (l *hubLink) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.IsRegistered() {
				l.sendHeartbeat()
			}
		}
	}
}

func (l *hubLink) sendHeartbeat() {
	if err := l.Send(protocol.TypeHeartbeat, l.heartbeat()); err != nil {
		l.log.Error().Err(err).Msg("failed to send heartbeat")
	}
}

// pingLoop keeps the connection's read deadline fed from our side.
func (l *hubLink) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				l.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// waitBackoff sleeps for the current backoff, then doubles it up to the cap.
func (l *hubLink) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(l.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	l.backoff *= 2
	if l.backoff > maxBackoff {
		l.backoff = maxBackoff
	}
}

// Send marshals and writes one message. Writes from the heartbeat loop, the
// command runners and the signaling path are serialized by the mutex.
func (l *hubLink) Send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return websocket.ErrCloseSent
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Inbound returns the channel of messages that arrived after registration.
func (l *hubLink) Inbound() <-chan *protocol.Message {
	return l.inbound
}

// IsRegistered reports whether the current leg completed the handshake.
func (l *hubLink) IsRegistered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered
}

// Close closes the connection gracefully.
func (l *hubLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	if err != nil {
		l.conn.Close()
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return l.conn.Close()
}
