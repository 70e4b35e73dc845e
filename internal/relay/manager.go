// Package relay runs the study room presence relay: it tracks open
// connections, applies position updates to the registry and fans the full
// registry out to every client after each change.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"studyroom/internal/protocol"
	"studyroom/internal/registry"
)

var (
	ErrTooManyClients = errors.New("too many clients with IP")
	ErrManagerClosed  = errors.New("relay manager has exited")
)

// Mirror receives a copy of every broadcast. It must not retain snap.
type Mirror interface {
	Publish(ctx context.Context, snap registry.Snapshot, frame []byte) error
}

type Options struct {
	// MaxClientsPerIP caps concurrent connections from one address. Zero
	// means unlimited.
	MaxClientsPerIP int
	// UpdatesPerSecond and UpdateBurst configure the per-connection token
	// bucket. A non-positive rate disables limiting.
	UpdatesPerSecond float64
	UpdateBurst      int
	// EvictOnDisconnect removes a participant once the last connection
	// bound to it closes.
	EvictOnDisconnect bool
	// BindIdentity ties a connection to the first participant id it sends.
	BindIdentity bool
	// SendInitialSnapshot sends the current registry to new connections.
	SendInitialSnapshot bool

	Mirror        Mirror
	MirrorTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		UpdatesPerSecond:    30,
		UpdateBurst:         60,
		EvictOnDisconnect:   true,
		BindIdentity:        true,
		SendInitialSnapshot: true,
		MirrorTimeout:       2 * time.Second,
	}
}

// Manager owns the registry and the set of open connections. All mutation
// happens on the goroutine running Run; other goroutines talk to it through
// Register, Unregister, Update and Stats.
type Manager struct {
	opts     Options
	registry *registry.Registry

	done       chan struct{}
	register   chan registration
	unregister chan Conn
	updates    chan update
	stats      chan Stats

	// mirrorq holds at most one pending snapshot; newer ones replace it.
	mirrorq chan mirrorJob
}

type mirrorJob struct {
	snap  registry.Snapshot
	frame []byte
}

func NewManager(reg *registry.Registry, opts Options) *Manager {
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 2 * time.Second
	}
	return &Manager{
		opts:     opts,
		registry: reg,

		done:       make(chan struct{}),
		register:   make(chan registration),
		unregister: make(chan Conn),
		updates:    make(chan update),
		stats:      make(chan Stats),
		mirrorq:    make(chan mirrorJob, 1),
	}
}

// Run processes connection events until ctx is cancelled, then closes every
// open connection. It must be called exactly once.
func (m *Manager) Run(ctx context.Context) {
	select {
	case <-m.done:
		panic("manager has already been run")
	default:
	}
	defer close(m.done)

	if m.opts.Mirror != nil {
		mirrorDone := make(chan struct{})
		go m.runMirror(ctx, mirrorDone)
		defer func() { <-mirrorDone }()
	}

	r := newRoom()
	defer func() {
		for conn := range r.sessions {
			conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case reg := <-m.register:
			reg.rsp <- m.admit(r, reg.conn)

		case conn := <-m.unregister:
			if m.disconnect(r, conn) {
				m.broadcast(r, m.registry.Snapshot())
			}

		case u := <-m.updates:
			m.handleUpdate(r, u)

		case m.stats <- Stats{Clients: len(r.sessions), Participants: m.registry.Len()}:
		}
	}
}

// Register admits conn to the room. It fails when the per-IP cap is reached
// or the manager has stopped.
func (m *Manager) Register(conn Conn) error {
	rsp := make(chan error, 1)
	select {
	case <-m.done:
		return ErrManagerClosed
	case m.register <- registration{conn: conn, rsp: rsp}:
	}
	return <-rsp
}

// Unregister removes conn from the room and closes it. Unknown connections
// are ignored.
func (m *Manager) Unregister(conn Conn) {
	select {
	case <-m.done:
	case m.unregister <- conn:
	}
}

// Update submits a decoded position update received on conn.
func (m *Manager) Update(conn Conn, msg protocol.UpdatePosition) {
	select {
	case <-m.done:
	case m.updates <- update{conn: conn, msg: msg}:
	}
}

func (m *Manager) Stats() Stats {
	select {
	case <-m.done:
		return Stats{}
	case s := <-m.stats:
		return s
	}
}

func (m *Manager) admit(r *room, conn Conn) error {
	addr := conn.Addr()
	if m.opts.MaxClientsPerIP > 0 && r.perIP[addr] >= m.opts.MaxClientsPerIP {
		slog.Warn("client rejected", "clientId", conn.ID(), "ip", addr, "error", ErrTooManyClients)
		return ErrTooManyClients
	}

	r.sessions[conn] = newSession(m.opts)
	r.perIP[addr]++
	slog.Info("client connected", "clientId", conn.ID(), "ip", addr, "clients", len(r.sessions))

	if m.opts.SendInitialSnapshot {
		frame, err := protocol.EncodePositions(m.registry.Snapshot())
		if err != nil {
			slog.Error("error encoding initial snapshot", "error", err)
			return nil
		}
		conn.Send(frame)
	}
	return nil
}

// disconnect drops conn and reports whether that evicted a participant.
func (m *Manager) disconnect(r *room, conn Conn) bool {
	s, ok := r.sessions[conn]
	if !ok {
		return false
	}

	delete(r.sessions, conn)
	conn.Close()

	addr := conn.Addr()
	r.perIP[addr]--
	if r.perIP[addr] <= 0 {
		delete(r.perIP, addr)
	}

	slog.Info("client disconnected",
		"clientId", conn.ID(),
		"participants", len(s.claimed),
		"updates", s.updates,
		"duration", time.Since(s.connectedAt).Round(time.Millisecond),
		"clients", len(r.sessions),
	)

	if !m.opts.EvictOnDisconnect {
		return false
	}

	evicted := false
	for id := range s.claimed {
		if r.claimedBy(id, conn) || !m.registry.Remove(id) {
			continue
		}
		slog.Info("participant evicted", "participant", id)
		evicted = true
	}
	return evicted
}

func (m *Manager) handleUpdate(r *room, u update) {
	s, ok := r.sessions[u.conn]
	if !ok {
		return
	}

	if m.opts.BindIdentity && s.participant != "" && s.participant != u.msg.ID {
		slog.Warn("identity mismatch", "clientId", u.conn.ID(), "participant", s.participant, "claimed", u.msg.ID)
		m.sendError(u.conn, protocol.CodeIdentityMismatch, "connection is bound to a different participant")
		return
	}

	if !s.limiter.Allow() {
		m.sendError(u.conn, protocol.CodeRateLimited, "rate limit exceeded")
		return
	}

	s.claim(u.msg.ID)
	s.updates++
	slog.Debug("position updated", "participant", u.msg.ID, "x", u.msg.Position.X, "y", u.msg.Position.Y, "clientId", u.conn.ID())

	m.broadcast(r, m.registry.Apply(u.msg.ID, u.msg.Position))
}

// broadcast sends snap to every open connection. Connections whose queue is
// full are disconnected; if that evicts anyone a follow-up broadcast goes out.
func (m *Manager) broadcast(r *room, snap registry.Snapshot) {
	frame, err := protocol.EncodePositions(snap)
	if err != nil {
		slog.Error("error encoding positions", "error", err)
		return
	}

	var slow []Conn
	for conn := range r.sessions {
		if !conn.Send(frame) {
			slow = append(slow, conn)
		}
	}

	m.publish(snap, frame)

	evicted := false
	for _, conn := range slow {
		slog.Warn("dropping slow client", "clientId", conn.ID())
		if m.disconnect(r, conn) {
			evicted = true
		}
	}
	if evicted {
		m.broadcast(r, m.registry.Snapshot())
	}
}

// publish hands snap to the mirror goroutine without blocking. A snapshot
// still waiting there is replaced, since only the latest state matters.
func (m *Manager) publish(snap registry.Snapshot, frame []byte) {
	if m.opts.Mirror == nil {
		return
	}
	job := mirrorJob{snap: snap, frame: frame}
	select {
	case m.mirrorq <- job:
		return
	default:
	}

	// Run is the only sender, so after draining the slot the send succeeds.
	select {
	case <-m.mirrorq:
	default:
	}
	m.mirrorq <- job
}

func (m *Manager) runMirror(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.mirrorq:
			pctx, cancel := context.WithTimeout(ctx, m.opts.MirrorTimeout)
			if err := m.opts.Mirror.Publish(pctx, job.snap, job.frame); err != nil {
				slog.Error("error updating mirror", "error", err)
			}
			cancel()
		}
	}
}

func (m *Manager) sendError(conn Conn, code, message string) {
	frame, err := protocol.EncodeError(code, message)
	if err != nil {
		slog.Error("error encoding error frame", "error", err)
		return
	}
	conn.Send(frame)
}
