package relay

import (
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"studyroom/internal/protocol"
)

// Conn is a transport-level handle for one connected client.
type Conn interface {
	ID() string
	Addr() netip.Addr
	// Send enqueues data without blocking. It returns false when the
	// outbound queue is full or the connection is already closed.
	Send(data []byte) bool
	Close() error
}

// session is the per-connection record kept by the manager. participant is
// the first id the connection claimed and is empty until its first accepted
// update; claimed holds every id it has sent.
type session struct {
	participant string
	claimed     map[string]struct{}
	limiter     *rate.Limiter
	connectedAt time.Time
	updates     int
}

func newSession(opts Options) *session {
	limit := rate.Inf
	if opts.UpdatesPerSecond > 0 {
		limit = rate.Limit(opts.UpdatesPerSecond)
	}
	return &session{
		claimed:     make(map[string]struct{}),
		limiter:     rate.NewLimiter(limit, max(opts.UpdateBurst, 1)),
		connectedAt: time.Now(),
	}
}

func (s *session) claim(id string) {
	if s.participant == "" {
		s.participant = id
	}
	s.claimed[id] = struct{}{}
}

type registration struct {
	conn Conn
	rsp  chan error
}

type update struct {
	conn Conn
	msg  protocol.UpdatePosition
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Clients      int `json:"clients"`
	Participants int `json:"participants"`
}

// room is the state owned by the manager's Run loop.
type room struct {
	sessions map[Conn]*session
	perIP    map[netip.Addr]int
}

func newRoom() *room {
	return &room{
		sessions: make(map[Conn]*session),
		perIP:    make(map[netip.Addr]int),
	}
}

// claimedBy reports whether any open connection other than skip has claimed id.
func (r *room) claimedBy(id string, skip Conn) bool {
	for conn, s := range r.sessions {
		if _, ok := s.claimed[id]; ok && conn != skip {
			return true
		}
	}
	return false
}
