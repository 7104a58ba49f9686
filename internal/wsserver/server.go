// Package wsserver accepts WebSocket (RFC 6455) connections, assigns each a
// monotonic connection id, and delivers text frames through callbacks.
package wsserver

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Callbacks is the set of hooks driven by accepted connections. All three
// MUST tolerate the server shutting down concurrently: once Shutdown has been
// called they no-op rather than racing a torn-down caller.
type Callbacks struct {
	OnConnect    func(id uint64)
	OnDisconnect func(id uint64)
	OnMessage    func(id uint64, text []byte)
}

type conn struct {
	c      *websocket.Conn
	sendMu sync.Mutex
}

// Server upgrades incoming HTTP requests to WebSocket connections and
// multiplexes them behind a small callback contract. Binary frames are
// ignored: media travels over DTLS-SRTP, not this channel.
type Server struct {
	cb            Callbacks
	logger        zerolog.Logger
	jwtSigningKey []byte

	nextID uint64 // atomic

	mu       sync.RWMutex
	conns    map[uint64]*conn
	shutdown atomic.Bool
}

// New builds a Server. jwtSigningKey, when non-empty, requires every upgrade
// request to carry a `?token=` query parameter containing a JWT signed with
// that key (HS256); an empty key leaves the endpoint open.
func New(cb Callbacks, jwtSigningKey string, logger zerolog.Logger) *Server {
	var key []byte
	if jwtSigningKey != "" {
		key = []byte(jwtSigningKey)
	}
	return &Server{
		cb:            cb,
		logger:        logger.With().Str("component", "wsserver").Logger(),
		jwtSigningKey: key,
		conns:         make(map[uint64]*conn),
	}
}

// ServeHTTP implements http.Handler, accepting the upgrade and running the
// connection's read loop until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if len(s.jwtSigningKey) > 0 {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}

	id := atomic.AddUint64(&s.nextID, 1)
	entry := &conn{c: c}

	s.mu.Lock()
	s.conns[id] = entry
	s.mu.Unlock()

	s.logger.Debug().Uint64("conn_id", id).Msg("connection accepted")
	if s.cb.OnConnect != nil && !s.shutdown.Load() {
		s.cb.OnConnect(id)
	}

	s.readLoop(r.Context(), id, entry)
}

func (s *Server) authorize(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		return false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.jwtSigningKey, nil
	})
	return err == nil && parsed.Valid
}

func (s *Server) readLoop(ctx context.Context, id uint64, c *conn) {
	defer s.drop(id)
	for {
		typ, data, err := c.c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Debug().Uint64("conn_id", id).Err(err).Msg("read error")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if s.cb.OnMessage != nil && !s.shutdown.Load() {
			s.cb.OnMessage(id, data)
		}
	}
}

func (s *Server) drop(id uint64) {
	s.mu.Lock()
	entry, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if entry.c != nil {
		_ = entry.c.Close(websocket.StatusNormalClosure, "")
	}
	if s.cb.OnDisconnect != nil && !s.shutdown.Load() {
		s.cb.OnDisconnect(id)
	}
}

// Send writes a text frame to connection id. Returns an error without
// blocking if the connection is unknown or already closed.
func (s *Server) Send(id uint64, text []byte) error {
	s.mu.RLock()
	entry, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	entry.sendMu.Lock()
	defer entry.sendMu.Unlock()
	return entry.c.Write(context.Background(), websocket.MessageText, text)
}

// Close closes connection id, triggering OnDisconnect.
func (s *Server) Close(id uint64) {
	s.drop(id)
}

// Shutdown marks the server as tearing down: callbacks become no-ops and new
// upgrade attempts are refused. Existing connections are closed.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Close(id)
	}
}
