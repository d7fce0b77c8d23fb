package multiworld

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"voxelstream/internal/persistence/chunkio"
	"voxelstream/internal/persistence/indexdb"
	persistlog "voxelstream/internal/persistence/log"
	"voxelstream/internal/persistence/snapshot"
	"voxelstream/internal/sim/catalogs"
	"voxelstream/internal/sim/tuning"
	"voxelstream/internal/sim/world"
	"voxelstream/internal/sim/world/terrain/gen"
	"voxelstream/internal/sim/world/terrain/light"
	"voxelstream/internal/sim/world/terrain/store"
)

type Options struct {
	DataDir string
	Blocks  *catalogs.Blocks
	Tuning  tuning.Tuning
	// DisableIndex skips the per-world sqlite index.
	DisableIndex bool
	Logger       logrus.FieldLogger
}

// Runtime is one built world together with the resources it owns.
type Runtime struct {
	Spec  WorldSpec
	World *world.World
	Index *indexdb.SQLiteIndex // nil when disabled
	Audit *persistlog.AuditLog

	store     *store.ChunkStore
	closers   []io.Closer
	statePath string // empty for unsaved worlds
	layout    snapshot.Layout
}

type Manager struct {
	mu sync.RWMutex

	runtimes     map[string]*Runtime
	defaultWorld string
	tune         tuning.Tuning
	log          logrus.FieldLogger
	closeOnce    sync.Once
}

// multiAuditLogger fans an audit entry out to every sink. The first error wins.
type multiAuditLogger []world.AuditLogger

func (m multiAuditLogger) WriteAudit(e world.AuditEntry) error {
	var first error
	for _, l := range m {
		if err := l.WriteAudit(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build constructs and preloads every world in cfg. Nothing runs until Run.
func Build(cfg Config, opts Options) (*Manager, error) {
	if opts.Blocks == nil {
		opts.Blocks = catalogs.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	m := &Manager{
		runtimes:     map[string]*Runtime{},
		defaultWorld: cfg.DefaultWorld,
		tune:         opts.Tuning,
		log:          opts.Logger,
	}
	for _, spec := range cfg.Worlds {
		rt, err := buildRuntime(spec, opts)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("world %s: %w", spec.Name, err)
		}
		m.runtimes[spec.Name] = rt
	}
	return m, nil
}

func buildRuntime(spec WorldSpec, opts Options) (_ *Runtime, err error) {
	log := opts.Logger.WithField("world", spec.Name)
	worldDir := filepath.Join(opts.DataDir, spec.Name)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		return nil, err
	}
	rt := &Runtime{Spec: spec, layout: spec.layout(opts.Blocks)}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	wcfg := spec.WorldConfig()
	opts.Tuning.Apply(&wcfg)
	wcfg.Normalize()
	if err := wcfg.Validate(); err != nil {
		return nil, err
	}
	params := wcfg.Params()

	if spec.Save {
		rt.statePath = filepath.Join(worldDir, snapshot.FileName)
		st, err := snapshot.ReadState(rt.statePath)
		switch {
		case err == nil:
			if err := st.Check(rt.layout); err != nil {
				return nil, err
			}
			wcfg.Time = st.Time
			log.WithFields(logrus.Fields{"time": st.Time, "saved_at": st.Header.SavedAt}).Info("clock restored")
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read state: %w", err)
		}
	}

	var storage store.Storage
	if spec.Save {
		root := spec.ChunkRoot
		if root == "" {
			root = filepath.Join(worldDir, "chunks")
		}
		switch spec.Storage {
		case StorageLevelDB:
			db, err := chunkio.OpenLevelDB(root, params)
			if err != nil {
				return nil, err
			}
			rt.closers = append(rt.closers, db)
			storage = db
		default:
			fs, err := chunkio.NewFileStorage(root, params)
			if err != nil {
				return nil, err
			}
			storage = fs
		}
	}

	audit := multiAuditLogger{}
	var observer store.SaveObserver
	if !opts.DisableIndex {
		idx, err := indexdb.OpenSQLite(filepath.Join(worldDir, "index.db"))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, idx)
		if err := idx.UpsertBlocks(opts.Blocks); err != nil {
			return nil, err
		}
		rt.Index = idx
		observer = idx.RecordChunkSave
		audit = append(audit, idx)
	}
	rt.Audit = persistlog.NewAuditLog(worldDir)
	rt.closers = append(rt.closers, rt.Audit)
	audit = append(audit, rt.Audit)

	g, err := gen.New(spec.GenConfig(), opts.Blocks)
	if err != nil {
		return nil, err
	}
	lighter := light.New(opts.Blocks)
	rt.store = store.NewChunkStore(store.Options{
		Params:    params,
		Generator: g,
		Storage:   storage,
		Lighter:   lighter,
		Observer:  observer,
		Logger:    log,
		Workers:   opts.Tuning.Workers,
		QueueSize: opts.Tuning.QueueSize,
	})

	n, err := rt.store.Preload(spec.Preload)
	if err != nil {
		return nil, fmt.Errorf("preload: %w", err)
	}
	w, err := world.New(wcfg, world.Deps{
		Blocks:  opts.Blocks,
		Store:   rt.store,
		Lighter: lighter,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	w.SetAuditLogger(audit)
	rt.World = w
	log.WithFields(logrus.Fields{
		"preloaded": n,
		"storage":   storageLabel(spec),
		"gen":       spec.Generation,
	}).Info("world built")
	return rt, nil
}

func storageLabel(spec WorldSpec) string {
	if !spec.Save {
		return "none"
	}
	return spec.Storage
}

func (spec WorldSpec) layout(blocks *catalogs.Blocks) snapshot.Layout {
	return snapshot.Layout{
		ChunkSize:     spec.ChunkSize,
		MaxHeight:     spec.MaxHeight,
		Dimension:     spec.Dimension,
		Generation:    spec.Generation,
		Seed:          spec.Seed,
		PaletteDigest: blocks.PaletteDigest,
	}
}

// saveState records the clock and layout next to the saved chunks.
func (rt *Runtime) saveState() error {
	if rt.statePath == "" || rt.World == nil {
		return nil
	}
	info := rt.World.Info()
	return snapshot.WriteState(rt.statePath, snapshot.StateV1{
		Header:         snapshot.Header{World: rt.Spec.Name},
		Layout:         rt.layout,
		Time:           info.Time,
		TickSpeed:      info.TickSpeed,
		UpdatesApplied: info.UpdatesApplied,
	})
}

func (rt *Runtime) close() error {
	if rt.store != nil {
		rt.store.Close()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Run drives every world until ctx is done, then releases their resources. A world that
// fails stops the others.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rts := m.runtimeList()
	errCh := make(chan error, len(rts))
	var wg sync.WaitGroup
	for _, rt := range rts {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			err := rt.World.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.log.WithError(err).WithField("world", rt.Spec.Name).Error("world exited")
				errCh <- fmt.Errorf("world %s: %w", rt.Spec.Name, err)
				cancel()
			}
		}(rt)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	for _, rt := range rts {
		if err := rt.saveState(); err != nil {
			m.log.WithError(err).WithField("world", rt.Spec.Name).Error("state not saved")
			errs = append(errs, fmt.Errorf("world %s: save state: %w", rt.Spec.Name, err))
		}
	}
	if err := m.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases every world's storage, index and audit log. Worlds must not be running.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		var errs []error
		for _, rt := range m.runtimes {
			if e := rt.close(); e != nil {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

func (m *Manager) runtimeList() []*Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Runtime, 0, len(m.runtimes))
	for _, name := range m.namesLocked() {
		out = append(out, m.runtimes[name])
	}
	return out
}

func (m *Manager) namesLocked() []string {
	names := make([]string, 0, len(m.runtimes))
	for name := range m.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namesLocked()
}

func (m *Manager) Tuning() tuning.Tuning { return m.tune }

func (m *Manager) Runtime(name string) (*Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[name]
	return rt, ok
}

// Get resolves a world by name. An empty name selects the default world.
func (m *Manager) Get(name string) (*world.World, bool) {
	if name == "" {
		name = m.defaultWorld
	}
	rt, ok := m.Runtime(name)
	if !ok {
		return nil, false
	}
	return rt.World, true
}

func (m *Manager) Default() *world.World {
	w, _ := m.Get("")
	return w
}

func (m *Manager) List() []world.Info {
	rts := m.runtimeList()
	out := make([]world.Info, 0, len(rts))
	for _, rt := range rts {
		out = append(out, rt.World.Info())
	}
	return out
}
