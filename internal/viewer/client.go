package viewer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voxelstream/internal/protocol"
)

type ClientOptions struct {
	URL   string // ws://host:port/ws
	World string
	Name  string

	Scheduler Options

	FramePeriod time.Duration
	PoseEvery   int // frames between pose updates
	Logger      logrus.FieldLogger
}

// Client is a headless viewer: one websocket connection, one frame loop.
type Client struct {
	opts  ClientOptions
	conn  *websocket.Conn
	sched *Scheduler
	log   logrus.FieldLogger

	ID        string
	Spawn     mgl32.Vec3
	WorldTime float64
	TickSpeed float64
	Passable  map[uint32]bool
	Peers     map[string]protocol.Peer

	position mgl32.Vec3
	frames   chan protocol.Message
	readErr  chan error
	done     chan struct{}
}

// Dial connects, joins and waits for INIT.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.FramePeriod <= 0 {
		opts.FramePeriod = 16 * time.Millisecond
	}
	if opts.PoseEvery <= 0 {
		opts.PoseEvery = 6
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if opts.World != "" {
		q.Set("world", opts.World)
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if r := max(opts.Scheduler.RenderRadius, opts.Scheduler.RequestRadius); r > 0 {
		q.Set("radius", strconv.Itoa(r))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	c := &Client{
		opts:     opts,
		conn:     conn,
		log:      opts.Logger,
		Passable: map[uint32]bool{},
		Peers:    map[string]protocol.Peer{},
		frames:   make(chan protocol.Message, 256),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
	if err := c.readInit(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.log = c.log.WithField("peer", c.ID)
	c.sched = NewScheduler(opts.Scheduler, c.write, nil, c.log)
	return c, nil
}

func (c *Client) readInit() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read INIT: %w", err)
	}
	m, err := protocol.Decode(b)
	if err != nil {
		return err
	}
	if m.Type != protocol.TypeInit {
		return fmt.Errorf("expected INIT, got %s", m.Type)
	}
	init, err := protocol.DecodeJSON[protocol.InitPayload](m)
	if err != nil {
		return err
	}
	c.ID = init.ID
	c.WorldTime = init.WorldTime
	c.TickSpeed = init.TickSpeed
	d := float32(c.opts.Scheduler.Dimension)
	if d <= 0 {
		d = 1
	}
	// Stand on top of the spawn column.
	c.Spawn = mgl32.Vec3{float32(init.SpawnPosition[0]) * d, float32(init.SpawnPosition[1]+1) * d, float32(init.SpawnPosition[2]) * d}
	c.position = c.Spawn
	for _, id := range init.PassableBlockIDs {
		c.Passable[id] = true
	}
	return nil
}

func (c *Client) Scheduler() *Scheduler { return c.sched }
func (c *Client) Position() mgl32.Vec3  { return c.position }

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) write(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// Chat sends a chat line. Call it from the path callback so writes stay on the frame loop.
func (c *Client) Chat(body string) error {
	return c.write(protocol.NewChat(protocol.ChatPlayer, "", body))
}

// Run drives the frame loop until ctx is done or the connection fails. path returns the
// viewer position for each frame; nil keeps the spawn point.
func (c *Client) Run(ctx context.Context, path func(frame int) mgl32.Vec3) error {
	defer close(c.done)
	go c.readLoop()
	ticker := time.NewTicker(c.opts.FramePeriod)
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case err := <-c.readErr:
			return err
		case <-ticker.C:
		}
		c.drainFrames()
		if path != nil {
			c.position = path(frame)
		}
		if frame%c.opts.PoseEvery == 0 {
			if err := c.write(protocol.NewPeers(protocol.Peer{
				ID:       c.ID,
				Name:     c.opts.Name,
				Position: c.position,
				Rotation: mgl32.QuatIdent(),
			})); err != nil {
				return fmt.Errorf("send pose: %w", err)
			}
		}
		if _, err := c.sched.Update(c.position); err != nil {
			return err
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
				err = nil
			}
			c.readErr <- err
			return
		}
		m, err := protocol.Decode(b)
		if err != nil {
			c.log.WithError(err).Debug("dropped frame")
			continue
		}
		select {
		case c.frames <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Client) drainFrames() {
	for {
		select {
		case m := <-c.frames:
			c.dispatch(m)
		default:
			return
		}
	}
}

func (c *Client) dispatch(m protocol.Message) {
	switch m.Type {
	case protocol.TypeLoad:
		c.sched.OnLoad(m.Chunks)
	case protocol.TypeUpdate:
		c.sched.OnVoxelDelta(m.Updates)
		c.sched.OnUpdate(m.Chunks)
	case protocol.TypeConfig:
		cfg, err := protocol.DecodeJSON[protocol.ConfigPayload](m)
		if err != nil {
			return
		}
		if cfg.WorldTime != nil {
			c.WorldTime = *cfg.WorldTime
		}
		if cfg.TickSpeed != nil {
			c.TickSpeed = *cfg.TickSpeed
		}
	case protocol.TypePeer:
		for _, p := range m.Peers {
			c.Peers[p.ID] = p
		}
	case protocol.TypeJoin:
		c.log.WithField("other", m.Text).Debug("peer joined")
	case protocol.TypeLeave:
		delete(c.Peers, m.Text)
	case protocol.TypeMessage:
		if m.Chat != nil {
			c.log.WithFields(logrus.Fields{"from": m.Chat.Sender, "kind": m.Chat.Kind}).Info(m.Chat.Body)
		}
	}
}
