package world

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/voxel"
)

func (w *World) handleJoin(req JoinRequest) {
	radius := req.RenderRadius
	if radius <= 0 || radius > w.cfg.RenderRadius {
		radius = w.cfg.RenderRadius
	}
	limit := rate.Limit(w.cfg.UpdatesPerSecond)
	if w.cfg.UpdatesPerSecond < 0 {
		limit = rate.Inf
	}
	p := newPeer(req.Name, radius, req.Out, rate.NewLimiter(limit, w.cfg.UpdateBurst), w.cfg.MaxBacklog)

	init, err := w.initFrame(p.ID)
	if err != nil {
		w.log.WithError(err).Error("build init")
		req.Resp <- JoinResponse{Err: err}
		return
	}
	w.peers[p.ID] = p
	w.peerOrder = append(w.peerOrder, p.ID)
	w.peerCount.Store(int64(len(w.peers)))
	w.log.WithFields(logrus.Fields{"peer": p.ID, "name": p.Name, "radius": radius}).Info("peer connected")
	req.Resp <- JoinResponse{PeerID: p.ID, Init: init}
}

func (w *World) initFrame(id string) ([]byte, error) {
	// Spawn sits on the origin column. Until that chunk is loaded the viewer gets y=0 and
	// the chunk is handed to the store's workers.
	spawnY := 0
	if ch, ok := w.store.Get(voxel.Coords2{}); !ok {
		w.store.Request(voxel.Coords2{})
	} else if h, err := ch.MaxHeight(0, 0); err == nil {
		spawnY = h
	}
	m, err := protocol.NewInit(protocol.InitPayload{
		ID:               id,
		WorldTime:        w.worldTime.Load(),
		TickSpeed:        w.tickSpeed.Load(),
		SpawnPosition:    [3]int32{0, int32(spawnY), 0},
		PassableBlockIDs: w.blocks.PassableIDs(),
	})
	if err != nil {
		return nil, err
	}
	return protocol.Encode(m)
}

func (w *World) handleLeave(id string) {
	p, ok := w.peers[id]
	if !ok {
		return
	}
	w.removePeer(p, fmt.Sprintf("%s left the game", displayName(p)))
}

// removePeer forgets p, closes its outbound channel and tells everyone else. The world
// is the only sender on that channel.
func (w *World) removePeer(p *Peer, notice string) {
	delete(w.peers, p.ID)
	for i, pid := range w.peerOrder {
		if pid == p.ID {
			w.peerOrder = append(w.peerOrder[:i], w.peerOrder[i+1:]...)
			break
		}
	}
	if p.out != nil {
		close(p.out)
	}
	w.peerCount.Store(int64(len(w.peers)))
	w.log.WithField("peer", p.ID).Info("peer disconnected")
	w.broadcast(protocol.NewLeave(p.ID, notice), "")
}

func displayName(p *Peer) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

func (w *World) handleEnvelope(env Envelope) {
	p, ok := w.peers[env.PeerID]
	if !ok {
		return
	}
	m := env.Msg
	var err error
	switch m.Type {
	case protocol.TypePeer:
		err = w.onPose(p, m)
	case protocol.TypeRequest:
		err = w.onRequest(p, m)
	case protocol.TypeUpdate:
		err = w.onUpdate(p, m)
	case protocol.TypeConfig:
		err = w.onConfig(m)
	case protocol.TypeMessage:
		w.onChat(p, m)
	default:
		err = fmt.Errorf("unexpected %s from peer", m.Type)
	}
	if err != nil {
		w.log.WithField("peer", p.ID).WithError(err).Debug("message ignored")
	}
}

// onPose records the peer's pose. The first pose announces the peer to everyone else.
func (w *World) onPose(p *Peer, m protocol.Message) error {
	if len(m.Peers) == 0 {
		return fmt.Errorf("pose without peer record")
	}
	rec := m.Peers[0]
	if !finite(rec.Position[:]...) || !finite(rec.Rotation.W, rec.Rotation.V[0], rec.Rotation.V[1], rec.Rotation.V[2]) {
		return fmt.Errorf("non-finite pose")
	}
	if !p.posed {
		p.posed = true
		if rec.Name != "" {
			p.Name = rec.Name
		}
		w.broadcast(protocol.NewJoin(p.ID), p.ID)
		w.broadcast(protocol.NewChat(protocol.ChatInfo, "", fmt.Sprintf("%s joined the game", displayName(p))), "")
	}
	p.Position = rec.Position
	p.Rotation = rec.Rotation
	p.poseChanged = true
	w.trackPeerChunk(p)
	return nil
}

func finite(vs ...float32) bool {
	for _, v := range vs {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func (w *World) onRequest(p *Peer, m protocol.Message) error {
	req, err := protocol.DecodeJSON[protocol.RequestPayload](m)
	if err != nil {
		return err
	}
	c := voxel.Coords2{X: int(req.X), Z: int(req.Z)}
	var queued bool
	if p.tracked {
		queued = p.EnqueueNear(c, p.Chunk)
	} else {
		queued = p.Enqueue(c)
	}
	if !queued {
		return fmt.Errorf("request %s not queued", c)
	}
	return nil
}

func (w *World) onUpdate(p *Peer, m protocol.Message) error {
	if len(m.Updates) == 0 {
		// Chunk payloads only travel from the authority.
		return fmt.Errorf("update without voxel deltas")
	}
	if !p.limiter.AllowN(time.Now(), len(m.Updates)) {
		return ErrRateLimited
	}
	_, err := w.ApplyUpdates(p.ID, m.Updates)
	return err
}

// onConfig sets world time and tick speed, then tells every peer, the sender included.
func (w *World) onConfig(m protocol.Message) error {
	cfg, err := protocol.DecodeJSON[protocol.ConfigPayload](m)
	if err != nil {
		return err
	}
	if cfg.TickSpeed != nil && *cfg.TickSpeed < 0 {
		return fmt.Errorf("negative tick speed %v", *cfg.TickSpeed)
	}
	if cfg.WorldTime != nil {
		w.worldTime.Store(wrapTime(*cfg.WorldTime))
	}
	if cfg.TickSpeed != nil {
		w.tickSpeed.Store(*cfg.TickSpeed)
	}
	t, s := w.worldTime.Load(), w.tickSpeed.Load()
	out, err := protocol.NewConfig(protocol.ConfigPayload{WorldTime: &t, TickSpeed: &s})
	if err != nil {
		return err
	}
	w.broadcast(out, "")
	return nil
}

// onChat rebroadcasts player chat under the sender's name. The client-supplied kind and
// sender are ignored.
func (w *World) onChat(p *Peer, m protocol.Message) {
	if m.Chat == nil || m.Chat.Body == "" {
		return
	}
	w.broadcast(protocol.NewChat(protocol.ChatPlayer, displayName(p), m.Chat.Body), "")
}
