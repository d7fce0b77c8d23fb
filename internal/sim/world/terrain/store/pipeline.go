package store

import (
	"voxelstream/internal/sim/voxel"
)

func (s *ChunkStore) worker() {
	defer s.wg.Done()
	for c := range s.jobs {
		ch, err := s.load(c)
		select {
		case s.results <- result{coords: c, chunk: ch, err: err}:
		case <-s.done:
			return
		}
	}
}

// Request queues c for asynchronous load-or-generate. It never blocks: it returns false
// when c is already loaded or pending, or when the job queue is full.
func (s *ChunkStore) Request(c voxel.Coords2) bool {
	k := c.Key()
	if _, ok := s.chunks.Get(string(k)); ok {
		return false
	}
	if _, ok := s.pending[k]; ok {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.jobs <- c:
		s.pending[k] = struct{}{}
		return true
	default:
		return false
	}
}

// Pending reports whether c has been requested and not yet drained.
func (s *ChunkStore) Pending(c voxel.Coords2) bool {
	_, ok := s.pending[c.Key()]
	return ok
}

// Drain installs at most max finished chunks. Failed jobs are logged and forgotten, so
// the coordinate can be requested again.
func (s *ChunkStore) Drain(max int) int {
	n := 0
	for n < max {
		var r result
		select {
		case r = <-s.results:
		default:
			return n
		}
		k := r.coords.Key()
		delete(s.pending, k)
		if r.err != nil {
			s.log.WithField("chunk", k).WithError(r.err).Warn("chunk load failed, will retry")
			continue
		}
		if _, ok := s.chunks.Get(string(k)); ok {
			// Loaded synchronously while the job was in flight.
			continue
		}
		s.insert(r.chunk)
		n++
	}
	return n
}

// Decorate finalizes lighting for at most max chunks, oldest first.
func (s *ChunkStore) Decorate(max int) int {
	n := 0
	for n < max && len(s.decorateQ) > 0 {
		k := s.decorateQ[0]
		s.decorateQ = s.decorateQ[1:]
		ch, ok := s.GetByKey(k)
		if !ok || !ch.NeedsDecoration {
			continue
		}
		if s.lighter != nil {
			s.lighter.Decorate(ch)
		} else {
			ch.NeedsDecoration = false
			ch.NeedsPropagation = false
		}
		n++
	}
	return n
}

func (s *ChunkStore) save(ch *voxel.Chunk) error {
	if s.storage == nil {
		ch.NeedsSaving = false
		return nil
	}
	if err := s.storage.Save(ch); err != nil {
		return err
	}
	ch.NeedsSaving = false
	if s.onSave != nil {
		s.onSave(ch)
	}
	return nil
}

// SaveDirty saves at most max chunks that need it. A failed save is logged and the chunk
// keeps its flag for the next round.
func (s *ChunkStore) SaveDirty(max int) (saved int, err error) {
	for _, k := range s.chunks.Keys() {
		if saved >= max {
			break
		}
		v, _ := s.chunks.Get(k)
		ch := v.(*voxel.Chunk)
		if !ch.NeedsSaving {
			continue
		}
		if e := s.save(ch); e != nil {
			s.log.WithField("chunk", k).WithError(e).Warn("chunk save failed")
			if err == nil {
				err = e
			}
			continue
		}
		saved++
	}
	return saved, err
}

// EvictIfOverCapacity removes the oldest chunks until at most max remain, saving each
// first when needed. A failed save stops eviction and keeps the chunk.
func (s *ChunkStore) EvictIfOverCapacity(max int) (evicted int, err error) {
	for {
		keys := s.chunks.Keys()
		if len(keys) <= max {
			return evicted, nil
		}
		k := keys[0]
		v, _ := s.chunks.Get(k)
		ch := v.(*voxel.Chunk)
		if ch.NeedsSaving {
			if err := s.save(ch); err != nil {
				s.log.WithField("chunk", k).WithError(err).Warn("evict: save failed, keeping chunk")
				return evicted, err
			}
		}
		s.chunks.Delete(k)
		ch.Dispose()
		evicted++
	}
}

// SaveAll flushes every chunk that needs saving. Used on shutdown.
func (s *ChunkStore) SaveAll() error {
	_, err := s.SaveDirty(s.Len())
	return err
}
