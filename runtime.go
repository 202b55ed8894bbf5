package ensemble

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Router is the part of EntityRouter the runtime depends on.
type Router interface {
	RedirectOrLocal(ctx context.Context, inv InvokeEntityFunc) (bool, error)
	ReleaseEntityMapping(ctx context.Context, appID, entityType, entityID string) error
}

// SyncScheduler is a Scheduler that can also run a callback and wait for it.
type SyncScheduler interface {
	Scheduler
	Sync(fn func()) error
}

// RuntimeConfig tunes one app runtime.
type RuntimeConfig struct {
	EntityTTL             time.Duration
	EntityMaxEntries      int
	EntityCleanupInterval time.Duration
	PersistInterval       time.Duration
	PersistConcurrency    int
	TickInterval          time.Duration
	SlowInvocation        time.Duration
	IOTimeout             time.Duration
}

// RuntimeDeps are the collaborators shared by every runtime on a worker.
type RuntimeDeps struct {
	Store     Store
	Router    Router
	Responder Responder
	Scheduler SyncScheduler
	Metrics   *Metrics
	Logger    zerolog.Logger
}

type entityContainer struct {
	state   State
	version int
	dirty   bool
}

type typeContainer struct {
	typ      *EntityType
	entities *Cache[*entityContainer]
	sweeper  *CacheSweeper
}

type pendingCall struct {
	inv   InvokeEntityFunc
	fctx  *FuncContext
	body  FuncBody
	start time.Time
}

// EntityRuntime hosts the entities of one app on one worker. Function
// bodies, cache mutations, sweeps, ticks and eviction hooks all run on the
// worker's scheduler, one at a time. Store reads and routing happen on other
// goroutines and hand their results back through the scheduler.
type EntityRuntime struct {
	appID     string
	app       *App
	types     map[string]*typeContainer
	cfg       RuntimeConfig
	store     Store
	router    Router
	responder Responder
	sched     SyncScheduler
	metrics   *Metrics
	log       zerolog.Logger
	lib       *Lib

	// loading is only touched on the scheduler.
	loading map[string][]pendingCall

	// lanes holds one entry per key with a store write in flight.
	lanesMu    sync.Mutex
	lanes      map[string]*writeLane
	writeSlots *semaphore.Weighted
	releases   sync.WaitGroup

	persistTask *IntervalTask
	tickTask    *IntervalTask
	closed      atomic.Bool
}

func NewEntityRuntime(app *App, cfg RuntimeConfig, deps RuntimeDeps) (*EntityRuntime, error) {
	r := &EntityRuntime{
		appID:     app.ID,
		app:       app,
		types:     make(map[string]*typeContainer, len(app.Types)+1),
		cfg:       cfg,
		store:     deps.Store,
		router:    deps.Router,
		responder: deps.Responder,
		sched:     deps.Scheduler,
		metrics:   deps.Metrics,
		log:       deps.Logger.With().Str("app", app.ID).Logger(),
		loading:   make(map[string][]pendingCall),
		lanes:     make(map[string]*writeLane),
	}
	if cfg.PersistConcurrency > 0 {
		r.writeSlots = semaphore.NewWeighted(int64(cfg.PersistConcurrency))
	}
	r.lib = &Lib{rt: r}

	types := maps.Clone(app.Types)
	if _, ok := types[ListsEntityType]; !ok {
		types[ListsEntityType] = newListsType()
	}

	for name, t := range types {
		tc := &typeContainer{typ: t}
		cache, err := NewCache[*entityContainer](cfg.EntityTTL, cfg.EntityMaxEntries, r.evictionHook(tc))
		if err != nil {
			return nil, fmt.Errorf("entity cache for %s.%s: %w", app.ID, name, err)
		}
		tc.entities = cache
		tc.sweeper = NewCacheSweeper(cache, r.sched, cfg.EntityCleanupInterval)
		r.types[name] = tc
	}
	return r, nil
}

// Start begins the cache sweeps, the persistence sweep and, if any type
// declares one, the tick pass.
func (r *EntityRuntime) Start() {
	hasTick := false
	for _, tc := range r.types {
		tc.sweeper.Start()
		if tc.typ.Tick != nil {
			hasTick = true
		}
	}
	r.persistTask = r.sched.ScheduleInterval(r.persistDirty, r.cfg.PersistInterval)
	if hasTick {
		r.tickTask = r.sched.ScheduleInterval(r.tick, r.cfg.TickInterval)
	}
	r.log.Info().Int("entity_types", len(r.types)).Msg("app runtime started")
}

func (r *EntityRuntime) AppID() string {
	return r.appID
}

func (r *EntityRuntime) App() *App {
	return r.app
}

// Invoke validates entityID and then routes the call, asynchronously, to
// the worker owning the entity. The body never runs inside Invoke.
func (r *EntityRuntime) Invoke(entityType, fn, entityID string, payload Payload, fctx *FuncContext) error {
	if !IsEntityIDValid(entityID) {
		return fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	if r.closed.Load() {
		return ErrRuntimeClosed
	}

	var fc FuncContext
	if fctx != nil {
		fc = *fctx
	}
	if fc.responder == nil {
		fc.responder = r.responder
	}

	inv := InvokeEntityFunc{
		AppID:          r.appID,
		RequestID:      fc.RequestID,
		OriginClientID: fc.OriginClientID,
		OriginUserID:   fc.OriginUserID,
		Func:           fn,
		EntityType:     entityType,
		EntityID:       entityID,
		Payload:        payload,
	}
	go r.route(inv, &fc, time.Now())
	return nil
}

func (r *EntityRuntime) route(inv InvokeEntityFunc, fctx *FuncContext, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.IOTimeout)
	defer cancel()

	redirected, err := r.router.RedirectOrLocal(ctx, inv)
	if err != nil {
		r.failInvocation(inv, fctx, fmt.Errorf("route: %w", err))
		return
	}
	if redirected {
		return
	}
	r.sched.Execute(func() {
		r.execFunc(pendingCall{inv: inv, fctx: fctx, start: start})
	})
}

// execFunc runs on the scheduler.
func (r *EntityRuntime) execFunc(p pendingCall) {
	if r.closed.Load() {
		r.log.Warn().Str("entity_type", p.inv.EntityType).Str("entity_id", p.inv.EntityID).
			Msg("runtime shut down, invocation dropped")
		return
	}

	tc, ok := r.types[p.inv.EntityType]
	if !ok {
		r.log.Warn().Str("entity_type", p.inv.EntityType).Msg("entity type not found")
		return
	}
	f, ok := tc.typ.Funcs[p.inv.Func]
	if !ok {
		r.log.Warn().Str("entity_type", p.inv.EntityType).Str("func", p.inv.Func).Msg("entity function not found")
		return
	}
	p.body = f.Body

	if c, ok := tc.entities.Get(p.inv.EntityID); ok {
		r.run(tc, p, c, 0)
		return
	}

	key := p.inv.Key()
	if waiting, ok := r.loading[key]; ok {
		r.loading[key] = append(waiting, p)
		return
	}
	r.loading[key] = []pendingCall{p}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.IOTimeout)
		defer cancel()

		// A write issued before this load, such as an eviction flush, must
		// land before the record is read back.
		if err := r.awaitWrites(ctx, key); err != nil {
			r.sched.Execute(func() {
				r.completeLoad(tc, key, p.inv.EntityID, nil, fmt.Errorf("await pending write: %w", err), 0)
			})
			return
		}

		readStart := time.Now()
		data, found, err := r.store.Get(ctx, key)
		readTime := time.Since(readStart)
		if !found {
			data = nil
		}
		r.sched.Execute(func() {
			r.completeLoad(tc, key, p.inv.EntityID, data, err, readTime)
		})
	}()
}

// completeLoad runs on the scheduler once a store read finished.
func (r *EntityRuntime) completeLoad(tc *typeContainer, key, entityID string, data []byte, loadErr error, readTime time.Duration) {
	waiting := r.loading[key]
	delete(r.loading, key)

	if r.closed.Load() {
		return
	}
	if loadErr != nil {
		for _, p := range waiting {
			r.failInvocation(p.inv, p.fctx, fmt.Errorf("load %s: %w", key, loadErr))
		}
		return
	}

	if _, ok := tc.entities.Get(entityID); !ok {
		c, err := r.materialize(tc, entityID, data)
		if err != nil {
			for _, p := range waiting {
				r.failInvocation(p.inv, p.fctx, err)
			}
			return
		}
		tc.entities.Put(entityID, c)
		r.metrics.entityLoaded(data != nil)
	} else {
		r.log.Debug().Str("key", key).Msg("entity loaded meanwhile, discarding read")
	}

	for _, p := range waiting {
		c, ok := tc.entities.Get(entityID)
		if !ok {
			// An earlier waiter deleted the entity.
			c = &entityContainer{version: tc.typ.SchemaVersion()}
			tc.entities.Put(entityID, c)
		}
		r.run(tc, p, c, readTime)
	}
}

func (r *EntityRuntime) materialize(tc *typeContainer, entityID string, data []byte) (*entityContainer, error) {
	if data == nil {
		return &entityContainer{version: tc.typ.SchemaVersion()}, nil
	}

	state, version, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	state, version, err = migrateState(tc.typ, entityID, state, version, r.log)
	if err != nil {
		return nil, err
	}
	if tc.typ.Deserialize != nil {
		state, err = callHook(func() (State, error) { return tc.typ.Deserialize(entityID, state) })
		if err != nil {
			return nil, fmt.Errorf("deserialize %s(%s): %w", tc.typ.Name, entityID, err)
		}
	}
	return &entityContainer{state: state, version: version}, nil
}

func (r *EntityRuntime) run(tc *typeContainer, p pendingCall, c *entityContainer, readTime time.Duration) {
	before := snapshotIndex(tc.typ, c.state)

	call := &FuncCall{
		AppID:      r.appID,
		EntityType: p.inv.EntityType,
		EntityID:   p.inv.EntityID,
		Func:       p.inv.Func,
		State:      c.state,
		Payload:    p.inv.Payload,
		Lib:        r.lib,
		Ctx:        p.fctx,
	}
	res, err := callBody(p.body, call)
	if err != nil {
		r.failInvocation(p.inv, p.fctx, err)
	} else {
		r.apply(tc, p.inv.EntityID, c, res, before)
	}

	elapsed := time.Since(p.start)
	r.metrics.invocationDone(elapsed, err == nil)
	if elapsed > r.cfg.SlowInvocation {
		r.metrics.slowInvocation()
		r.log.Warn().Str("entity_type", p.inv.EntityType).Str("func", p.inv.Func).
			Str("entity_id", p.inv.EntityID).Dur("elapsed", elapsed).Dur("store_read", readTime).
			Msg("slow entity function")
	}
}

func (r *EntityRuntime) apply(tc *typeContainer, entityID string, c *entityContainer, res Result, before indexSnapshot) {
	switch res.kind {
	case resultReplace:
		c.state = res.state
		if c.state == nil {
			c.state = State{}
		}
		c.dirty = true
		if tc.typ.Index == IndexSimple {
			r.indexEntity(tc.typ.Name, entityID, before, c.state)
		}

	case resultDelete:
		if cur, ok := tc.entities.Peek(entityID); ok && cur == c {
			tc.entities.Remove(entityID)
		}
		key := FullKey(r.appID, tc.typ.Name, entityID)
		typeName := tc.typ.Name
		r.enqueueWrite(key, nil, func(err error) {
			if errors.Is(err, errWriteSuperseded) {
				return
			}
			if err != nil {
				r.log.Error().Err(err).Str("key", key).Msg("store remove failed")
			}
			r.releaseMapping(typeName, entityID)
		})
		if before != nil {
			r.deleteIndexes(tc.typ.Name, entityID, before)
		}
		r.metrics.entityDeleted()
	}
}

// failInvocation logs err and, when the invocation serves a request,
// answers it with an internal error.
func (r *EntityRuntime) failInvocation(inv InvokeEntityFunc, fctx *FuncContext, err error) {
	fe := &FuncError{EntityType: inv.EntityType, Func: inv.Func, EntityID: inv.EntityID, Err: err}
	r.log.Error().Err(fe).Str("request_id", inv.RequestID).Msg("entity function failed")

	if inv.RequestID == "" {
		return
	}
	responder := r.responder
	if fctx != nil && fctx.responder != nil {
		responder = fctx.responder
	}
	if responder == nil {
		return
	}
	responder.Send(inv.RequestID, Payload{
		"status":     "internalError",
		"entityType": inv.EntityType,
		"func":       inv.Func,
		"msg":        err.Error(),
	}, &TransportMeta{Status: 500})
}

type pendingWrite struct {
	tc   *typeContainer
	id   string
	key  string
	c    *entityContainer
	data []byte
}

// collectDirty serializes every dirty entity and clears its flag. It runs
// on the scheduler.
func (r *EntityRuntime) collectDirty() []pendingWrite {
	var batch []pendingWrite
	for _, tc := range r.types {
		tc.entities.ForEach(func(id string, c *entityContainer) {
			if !c.dirty {
				return
			}
			data, err := r.encode(tc, id, c)
			if err != nil {
				r.log.Error().Err(err).Str("entity_type", tc.typ.Name).Str("entity_id", id).
					Msg("serialize failed, entity stays dirty")
				return
			}
			c.dirty = false
			batch = append(batch, pendingWrite{
				tc:   tc,
				id:   id,
				key:  FullKey(r.appID, tc.typ.Name, id),
				c:    c,
				data: data,
			})
		})
	}
	return batch
}

func (r *EntityRuntime) encode(tc *typeContainer, entityID string, c *entityContainer) ([]byte, error) {
	state := c.state
	if tc.typ.Serialize != nil {
		var err error
		state, err = callHook(func() (State, error) { return tc.typ.Serialize(entityID, c.state) })
		if err != nil {
			return nil, fmt.Errorf("serialize %s(%s): %w", tc.typ.Name, entityID, err)
		}
	}
	return encodeRecord(state, c.version)
}

var errWriteSuperseded = errors.New("write superseded by a newer one")

// writeLane orders the store operations of one key. One operation is in
// flight at a time; a newer one queued behind it replaces any older queued
// one, whose callback then sees errWriteSuperseded.
type writeLane struct {
	next    *laneOp
	drained chan struct{}
}

// laneOp is a Put, or a Remove when data is nil.
type laneOp struct {
	data []byte
	done func(error)
}

// enqueueWrite issues a store Put (or Remove, for nil data) for key behind
// any operation already pending on it. It never blocks; done runs on the
// writing goroutine.
func (r *EntityRuntime) enqueueWrite(key string, data []byte, done func(error)) {
	op := &laneOp{data: data, done: done}

	r.lanesMu.Lock()
	if lane, ok := r.lanes[key]; ok {
		prev := lane.next
		lane.next = op
		r.lanesMu.Unlock()
		if prev != nil {
			prev.done(errWriteSuperseded)
		}
		return
	}
	lane := &writeLane{drained: make(chan struct{})}
	r.lanes[key] = lane
	r.lanesMu.Unlock()

	go r.drainLane(key, lane, op)
}

func (r *EntityRuntime) drainLane(key string, lane *writeLane, op *laneOp) {
	for op != nil {
		op.done(r.storeOp(key, op.data))

		r.lanesMu.Lock()
		op, lane.next = lane.next, nil
		if op == nil {
			delete(r.lanes, key)
			close(lane.drained)
		}
		r.lanesMu.Unlock()
	}
}

func (r *EntityRuntime) storeOp(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.IOTimeout)
	defer cancel()

	if r.writeSlots != nil {
		if err := r.writeSlots.Acquire(ctx, 1); err != nil {
			return err
		}
		defer r.writeSlots.Release(1)
	}
	if data == nil {
		return r.store.Remove(ctx, key)
	}
	err := r.store.Put(ctx, key, data)
	r.metrics.entityWritten(err == nil)
	return err
}

// awaitWrites blocks until no store operation is pending for key.
func (r *EntityRuntime) awaitWrites(ctx context.Context, key string) error {
	r.lanesMu.Lock()
	lane, ok := r.lanes[key]
	r.lanesMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-lane.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitAllWrites blocks until every store operation pending when it was
// called has finished.
func (r *EntityRuntime) awaitAllWrites(ctx context.Context) error {
	r.lanesMu.Lock()
	drained := make([]chan struct{}, 0, len(r.lanes))
	for _, lane := range r.lanes {
		drained = append(drained, lane.drained)
	}
	r.lanesMu.Unlock()

	for _, ch := range drained {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// writeBatch writes entities and waits for the results. A failed write
// re-marks its entity dirty so the next sweep retries it; other writes are
// unaffected.
func (r *EntityRuntime) writeBatch(ctx context.Context, batch []pendingWrite) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	wg.Add(len(batch))
	for _, w := range batch {
		r.enqueueWrite(w.key, w.data, func(err error) {
			defer wg.Done()
			if err == nil || errors.Is(err, errWriteSuperseded) {
				return
			}
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("write %s: %w", w.key, err))
			mu.Unlock()
			r.sched.Execute(func() { r.remarkDirty(w) })
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return multierr.Append(ctx.Err(), errs)
	}
	return errs
}

func (r *EntityRuntime) remarkDirty(w pendingWrite) {
	if cur, ok := w.tc.entities.Peek(w.id); ok && cur == w.c {
		w.c.dirty = true
		return
	}
	r.log.Error().Str("key", w.key).Msg("write failed for an entity that is no longer resident")
}

// persistDirty is the periodic persistence sweep.
func (r *EntityRuntime) persistDirty() {
	batch := r.collectDirty()
	if len(batch) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.IOTimeout)
		defer cancel()

		start := time.Now()
		if err := r.writeBatch(ctx, batch); err != nil {
			r.log.Error().Err(err).Int("failed", len(multierr.Errors(err))).Int("batch", len(batch)).
				Msg("persisting entities failed")
			return
		}
		r.log.Debug().Int("entities", len(batch)).Dur("elapsed", time.Since(start)).Msg("entities persisted")
	}()
}

func (r *EntityRuntime) releaseMapping(entityType, entityID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.IOTimeout)
	defer cancel()
	if err := r.router.ReleaseEntityMapping(ctx, r.appID, entityType, entityID); err != nil {
		r.log.Error().Err(err).Str("key", FullKey(r.appID, entityType, entityID)).Msg("release ownership failed")
	}
}

// releaseAfterWrites releases ownership of a clean evicted entity, waiting
// in the background when a write for it is still pending.
func (r *EntityRuntime) releaseAfterWrites(key, entityType, entityID string) {
	r.lanesMu.Lock()
	_, pending := r.lanes[key]
	r.lanesMu.Unlock()
	if !pending {
		r.releaseMapping(entityType, entityID)
		return
	}

	r.releases.Add(1)
	go func() {
		defer r.releases.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.IOTimeout)
		defer cancel()
		if err := r.awaitWrites(ctx, key); err != nil {
			r.log.Error().Err(err).Str("key", key).Msg("pending write did not finish before release")
		}
		r.releaseMapping(entityType, entityID)
	}()
}

// evictionHook queues a flush of a dirty entity and releases its ownership
// once the flush and every write before it have landed. A clean entity is
// released once pending writes for it are done. It runs wherever the cache
// evicts, which is always the scheduler.
func (r *EntityRuntime) evictionHook(tc *typeContainer) EvictionListener[*entityContainer] {
	return func(id string, c *entityContainer) {
		key := FullKey(r.appID, tc.typ.Name, id)
		typeName := tc.typ.Name
		r.metrics.entityEvicted()

		if !c.dirty {
			r.releaseAfterWrites(key, typeName, id)
			return
		}

		data, err := r.encode(tc, id, c)
		if err != nil {
			r.log.Error().Err(err).Str("key", key).Msg("serialize on eviction failed, update lost")
			r.releaseAfterWrites(key, typeName, id)
			return
		}
		c.dirty = false
		r.enqueueWrite(key, data, func(err error) {
			switch {
			case errors.Is(err, errWriteSuperseded):
				// Reloaded and written again; the new owner keeps the mapping.
				return
			case err != nil:
				r.log.Error().Err(err).Str("key", key).Msg("write on eviction failed, update lost")
			}
			r.releaseMapping(typeName, id)
		})
	}
}

// tick runs every resident entity's Tick function. Ticks do not touch
// entities, so they never keep an entity from expiring.
func (r *EntityRuntime) tick() {
	for _, tc := range r.types {
		if tc.typ.Tick == nil {
			continue
		}
		tc.entities.ForEach(func(id string, c *entityContainer) {
			if c.state == nil {
				return
			}
			if cur, ok := tc.entities.Peek(id); !ok || cur != c {
				return
			}
			before := snapshotIndex(tc.typ, c.state)
			res, err := callBody(tc.typ.Tick, &FuncCall{
				AppID:      r.appID,
				EntityType: tc.typ.Name,
				EntityID:   id,
				Func:       "tick",
				State:      c.state,
				Lib:        r.lib,
				Ctx:        &FuncContext{responder: r.responder},
			})
			if err != nil {
				r.log.Error().Err(err).Str("entity_type", tc.typ.Name).Str("entity_id", id).Msg("tick failed")
				return
			}
			r.apply(tc, id, c, res, before)
		})
	}
}

// ResidentEntity describes one entity held in memory.
type ResidentEntity struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version int    `json:"version"`
	Dirty   bool   `json:"dirty"`
	Exists  bool   `json:"exists"`
}

// Resident lists the entities currently in memory.
func (r *EntityRuntime) Resident() ([]ResidentEntity, error) {
	var out []ResidentEntity
	err := r.sched.Sync(func() {
		for name, tc := range r.types {
			tc.entities.ForEach(func(id string, c *entityContainer) {
				out = append(out, ResidentEntity{
					Type:    name,
					ID:      id,
					Version: c.version,
					Dirty:   c.dirty,
					Exists:  c.state != nil,
				})
			})
		}
	})
	return out, err
}

// ResidentCount returns the number of entities in memory per type.
func (r *EntityRuntime) ResidentCount() map[string]int {
	out := make(map[string]int, len(r.types))
	for name, tc := range r.types {
		out[name] = tc.entities.Len()
	}
	return out
}

// Peek returns a copy of a resident entity's state and its schema version.
func (r *EntityRuntime) Peek(entityType, entityID string) (State, int, bool) {
	tc, ok := r.types[entityType]
	if !ok {
		return nil, 0, false
	}
	var (
		state   State
		version int
		found   bool
	)
	err := r.sched.Sync(func() {
		c, ok := tc.entities.Peek(entityID)
		if !ok || c.state == nil {
			return
		}
		state, version, found = maps.Clone(c.state), c.version, true
	})
	if err != nil {
		return nil, 0, false
	}
	return state, version, found
}

// Flush runs a persistence sweep now and waits for its writes and for
// every write already in flight.
func (r *EntityRuntime) Flush(ctx context.Context) error {
	var batch []pendingWrite
	if err := r.sched.Sync(func() { batch = r.collectDirty() }); err != nil {
		return err
	}
	errs := r.writeBatch(ctx, batch)
	return multierr.Append(errs, r.awaitAllWrites(ctx))
}

// Shutdown stops periodic work, writes every dirty entity, releases the
// ownership of every resident entity and empties the caches.
func (r *EntityRuntime) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.sched.StopInterval(r.persistTask)
	r.sched.StopInterval(r.tickTask)

	var (
		batch    []pendingWrite
		resident []EntityKey
	)
	err := r.sched.Sync(func() {
		batch = r.collectDirty()
		for name, tc := range r.types {
			tc.sweeper.Shutdown()
			tc.entities.ForEach(func(id string, _ *entityContainer) {
				resident = append(resident, EntityKey{AppID: r.appID, Type: name, ID: id})
			})
		}
	})
	if err != nil {
		return err
	}

	errs := r.writeBatch(ctx, batch)
	errs = multierr.Append(errs, r.awaitAllWrites(ctx))
	r.releases.Wait()

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(16)
	for _, k := range resident {
		g.Go(func() error {
			if err := r.router.ReleaseEntityMapping(ctx, k.AppID, k.Type, k.ID); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if err := r.sched.Sync(func() {
		for _, tc := range r.types {
			tc.entities.Clear()
		}
	}); err != nil {
		errs = multierr.Append(errs, err)
	}

	r.log.Info().Int("written", len(batch)).Int("released", len(resident)).Msg("app runtime shut down")
	return errs
}

func callBody(body FuncBody, call *FuncCall) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError{value: rec}
		}
	}()
	return body(call)
}

func callHook(fn func() (State, error)) (s State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError{value: rec}
		}
	}()
	return fn()
}
