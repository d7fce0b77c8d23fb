package ws

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/world"
)

const (
	joinTimeout  = 5 * time.Second
	leaveTimeout = 2 * time.Second
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Worlds resolves a world by name. An empty name selects the default world.
type Worlds interface {
	Get(name string) (*world.World, bool)
}

type Server struct {
	worlds    Worlds
	log       logrus.FieldLogger
	outBuffer int

	upgrader websocket.Upgrader

	connections atomic.Int64
	framesIn    atomic.Uint64
	malformed   atomic.Uint64
}

// Stats is a point-in-time view of the transport counters.
type Stats struct {
	Connections int64
	FramesIn    uint64
	Malformed   uint64
}

func NewServer(worlds Worlds, outBuffer int, logger logrus.FieldLogger) *Server {
	if outBuffer <= 0 {
		outBuffer = 512
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		worlds:    worlds,
		log:       logger,
		outBuffer: outBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		FramesIn:    s.framesIn.Load(),
		Malformed:   s.malformed.Load(),
	}
}

// Handler serves /ws?world=&name=&radius=.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w, ok := s.worlds.Get(strings.TrimSpace(q.Get("world")))
		if !ok {
			http.Error(rw, "unknown world", http.StatusNotFound)
			return
		}
		radius, _ := strconv.Atoi(q.Get("radius"))
		name := strings.TrimSpace(q.Get("name"))

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(protocol.MaxFrameBytes)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan []byte, s.outBuffer)
		resp, ok := s.join(ctx, w, world.JoinRequest{Name: name, RenderRadius: radius, Out: out})
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "join failed"), time.Now().Add(time.Second))
			return
		}
		log := s.log.WithFields(logrus.Fields{"world": w.Name(), "peer": resp.PeerID})
		s.connections.Inc()
		defer s.connections.Dec()

		if err := writeFrame(conn, resp.Init); err != nil {
			s.leave(w, resp.PeerID)
			return
		}

		go s.writeLoop(ctx, cancel, conn, out)

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			s.framesIn.Inc()
			m, err := protocol.Decode(b)
			if err != nil {
				s.malformed.Inc()
				log.WithError(err).Debug("dropped frame")
				continue
			}
			select {
			case w.Inbox() <- world.Envelope{PeerID: resp.PeerID, Msg: m}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		cancel()
		s.leave(w, resp.PeerID)
		log.Debug("connection closed")
	}
}

func (s *Server) join(ctx context.Context, w *world.World, req world.JoinRequest) (world.JoinResponse, bool) {
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	respCh := make(chan world.JoinResponse, 1)
	req.Resp = respCh
	select {
	case w.Join() <- req:
	case <-ctx.Done():
		return world.JoinResponse{}, false
	}
	select {
	case resp := <-respCh:
		if resp.Err != nil {
			s.log.WithError(resp.Err).WithField("world", w.Name()).Warn("join rejected")
			return resp, false
		}
		return resp, true
	case <-ctx.Done():
		// The world may still register the peer; make sure it is removed again.
		go func() {
			if resp := <-respCh; resp.Err == nil {
				s.leave(w, resp.PeerID)
			}
		}()
		return world.JoinResponse{}, false
	}
}

func (s *Server) leave(w *world.World, peerID string) {
	select {
	case w.Leave() <- peerID:
	case <-time.After(leaveTimeout):
		s.log.WithFields(logrus.Fields{"world": w.Name(), "peer": peerID}).Warn("leave not delivered")
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-out:
			if !ok {
				// The world dropped this peer.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(writeTimeout))
				cancel()
				_ = conn.Close()
				return
			}
			if err := writeFrame(conn, b); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				cancel()
				_ = conn.Close()
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}
