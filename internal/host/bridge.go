// Package host connects TradeBridge to the game server over a WebSocket.
//
// The game server (the "host") dials the bridge, reports which players are online,
// and executes console commands on its behalf. Exactly one host session is active
// at a time; a new connection replaces the previous one.
package host

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BTreeMap/TradeBridge/internal/dispatch"
	"github.com/BTreeMap/TradeBridge/internal/models"
	"github.com/BTreeMap/TradeBridge/internal/util"
)

const (
	// DefaultWriteTimeout bounds a single frame write to the host.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval is how often the bridge pings an idle host.
	DefaultPingInterval = 30 * time.Second
)

var (
	// ErrHostUnavailable is returned when no host session is connected. The
	// command was never sent.
	ErrHostUnavailable = fmt.Errorf("game host not connected: %w", dispatch.ErrExecutorUnavailable)
	// ErrSessionLost is returned when the session broke after a command was
	// written, so the host may or may not have run it.
	ErrSessionLost = errors.New("host session lost before result")
	// ErrCommandFailed wraps a command the host reported as failed.
	ErrCommandFailed = errors.New("host command failed")
)

// Frame types exchanged with the host.
const (
	FrameSnapshot  = "snapshot"
	FrameJoin      = "join"
	FrameQuit      = "quit"
	FrameResult    = "result"
	FrameCommand   = "command"
	FrameBroadcast = "broadcast"
)

// Frame is the envelope of every message in both directions.
type Frame struct {
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`
	Command string   `json:"command,omitempty"`
	Message string   `json:"message,omitempty"`
	Player  string   `json:"player,omitempty"`
	Players []string `json:"players,omitempty"`
	OK      bool     `json:"ok,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Listener receives player presence events.
type Listener interface {
	PlayerConnected(ctx context.Context, name string)
	PlayerSnapshot(ctx context.Context, names []string)
}

// Opts holds configuration for a Bridge.
type Opts struct {
	Token        string
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Option configures a Bridge.
type Option func(*Opts)

// WithToken requires hosts to authenticate with token. An empty token disables auth.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.WriteTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.PingInterval = d
		}
	}
}

type result struct {
	ok  bool
	err string
}

type session struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	waitMu  sync.Mutex
	waiters map[string]chan result

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) write(f Frame, timeout time.Duration) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) ping(timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (s *session) register(id string) chan result {
	ch := make(chan result, 1)
	s.waitMu.Lock()
	s.waiters[id] = ch
	s.waitMu.Unlock()
	return ch
}

func (s *session) unregister(id string) {
	s.waitMu.Lock()
	delete(s.waiters, id)
	s.waitMu.Unlock()
}

func (s *session) resolve(id string, r result) bool {
	s.waitMu.Lock()
	ch, ok := s.waiters[id]
	delete(s.waiters, id)
	s.waitMu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

// Bridge is the server side of the host WebSocket. It implements engine.Presence,
// dispatch.Executor and dispatch.Broadcaster.
type Bridge struct {
	opts     Opts
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	current  *session
	players  map[string]string // normalized -> live name
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc
	events sync.WaitGroup
}

// NewBridge creates a Bridge with no host connected.
func NewBridge(opts ...Option) *Bridge {
	o := Opts{WriteTimeout: DefaultWriteTimeout, PingInterval: DefaultPingInterval}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		opts: o,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		players: make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetListener registers the receiver of presence events. It must be called before
// the first host connects.
func (b *Bridge) SetListener(l Listener) {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
}

func (b *Bridge) authorized(r *http.Request) bool {
	if b.opts.Token == "" {
		return true
	}
	given := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		given = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(b.opts.Token)) == 1
}

// ServeHTTP upgrades an authenticated request into the active host session.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		slog.Warn("Bridge.ServeHTTP: rejected host connection", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Bridge.ServeHTTP: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &session{
		id:      util.GenerateSessionID(),
		conn:    conn,
		waiters: make(map[string]chan result),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	prev := b.current
	b.current = sess
	b.players = make(map[string]string)
	b.mu.Unlock()
	if prev != nil {
		slog.Info("Bridge.ServeHTTP: replacing host session", "previous", prev.id, "session", sess.id)
		prev.close()
	}
	slog.Info("Bridge.ServeHTTP: host connected", "session", sess.id, "remote", r.RemoteAddr)

	go b.keepalive(sess)
	b.readLoop(sess)
}

func (b *Bridge) keepalive(sess *session) {
	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.ping(b.opts.WriteTimeout); err != nil {
				slog.Warn("Bridge.keepalive: ping failed", "session", sess.id, "error", err)
				sess.close()
				return
			}
		}
	}
}

func (b *Bridge) readLoop(sess *session) {
	defer b.drop(sess)
	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-sess.done:
				default:
					slog.Warn("Bridge.readLoop: host read failed", "session", sess.id, "error", err)
				}
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			slog.Warn("Bridge.readLoop: discarding malformed frame", "session", sess.id, "error", err)
			continue
		}
		b.handle(sess, f)
	}
}

func (b *Bridge) handle(sess *session, f Frame) {
	switch f.Type {
	case FrameSnapshot:
		players := make(map[string]string, len(f.Players))
		for _, name := range f.Players {
			if strings.TrimSpace(name) != "" {
				players[models.NormalizeBuyer(name)] = name
			}
		}
		if !b.setPlayers(sess, players) {
			return
		}
		slog.Info("Bridge.handle: player snapshot", "session", sess.id, "count", len(players))
		names := append([]string(nil), f.Players...)
		b.notify(func(ctx context.Context, l Listener) { l.PlayerSnapshot(ctx, names) })
	case FrameJoin:
		if strings.TrimSpace(f.Player) == "" {
			return
		}
		if !b.updatePlayer(sess, f.Player, true) {
			return
		}
		slog.Debug("Bridge.handle: player joined", "player", f.Player)
		name := f.Player
		b.notify(func(ctx context.Context, l Listener) { l.PlayerConnected(ctx, name) })
	case FrameQuit:
		if b.updatePlayer(sess, f.Player, false) {
			slog.Debug("Bridge.handle: player quit", "player", f.Player)
		}
	case FrameResult:
		if !sess.resolve(f.ID, result{ok: f.OK, err: f.Error}) {
			slog.Debug("Bridge.handle: result for unknown command", "id", f.ID)
		}
	default:
		slog.Warn("Bridge.handle: unknown frame type", "session", sess.id, "type", f.Type)
	}
}

// notify runs a listener callback off the read loop, since delivery of the
// resulting commands needs the read loop to receive their results.
func (b *Bridge) notify(fn func(context.Context, Listener)) {
	b.mu.RLock()
	l := b.listener
	b.mu.RUnlock()
	if l == nil {
		return
	}
	b.events.Add(1)
	go func() {
		defer b.events.Done()
		fn(b.ctx, l)
	}()
}

func (b *Bridge) setPlayers(sess *session, players map[string]string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != sess {
		return false
	}
	b.players = players
	return true
}

func (b *Bridge) updatePlayer(sess *session, name string, online bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != sess {
		return false
	}
	if online {
		b.players[models.NormalizeBuyer(name)] = name
	} else {
		delete(b.players, models.NormalizeBuyer(name))
	}
	return true
}

func (b *Bridge) drop(sess *session) {
	sess.close()
	b.mu.Lock()
	if b.current == sess {
		b.current = nil
		b.players = make(map[string]string)
	}
	b.mu.Unlock()
	slog.Info("Bridge.drop: host session closed", "session", sess.id)
}

func (b *Bridge) session() *session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// OnlineName returns the live name of player if the host reports them online.
func (b *Bridge) OnlineName(player string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name, ok := b.players[models.NormalizeBuyer(player)]
	return name, ok
}

// Players returns the connected player names, sorted.
func (b *Bridge) Players() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.players))
	for _, name := range b.players {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Connected reports whether a host session is active.
func (b *Bridge) Connected() bool {
	return b.session() != nil
}

// Execute sends a console command to the host and waits for its result.
func (b *Bridge) Execute(ctx context.Context, command string) error {
	sess := b.session()
	if sess == nil {
		return ErrHostUnavailable
	}

	id := uuid.NewString()
	ch := sess.register(id)
	defer sess.unregister(id)

	if err := sess.write(Frame{Type: FrameCommand, ID: id, Command: command}, b.opts.WriteTimeout); err != nil {
		sess.close()
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}

	select {
	case r := <-ch:
		if !r.ok {
			slog.Error("Bridge.Execute: host reported command failure", "id", id, "command", command, "error", r.err)
			return fmt.Errorf("%w: %s", ErrCommandFailed, r.err)
		}
		return nil
	case <-sess.done:
		return ErrSessionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast sends a chat message to every player on the host.
func (b *Bridge) Broadcast(ctx context.Context, message string) error {
	sess := b.session()
	if sess == nil {
		return ErrHostUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sess.write(Frame{Type: FrameBroadcast, Message: message}, b.opts.WriteTimeout); err != nil {
		sess.close()
		return fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	return nil
}

// Close disconnects the host and waits for in-flight presence callbacks.
func (b *Bridge) Close() {
	if sess := b.session(); sess != nil {
		sess.writeMu.Lock()
		sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		sess.writeMu.Unlock()
		sess.close()
	}
	b.cancel()
	b.events.Wait()
}
