package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	pgMapClaimAttempts  = 3
	pgListenRetryDelay  = time.Second
	pgListenMaxRetryGap = 30 * time.Second
)

// PGMaps provides distributed maps stored in the cluster_map table. Every
// mutation fires a trigger that publishes the change over LISTEN/NOTIFY, and
// one listener connection per process fans the events out to subscribers.
type PGMaps struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	mu   sync.Mutex
	maps map[string]*PGMap

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPGMaps starts the change listener. The schema must already exist.
func NewPGMaps(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) *PGMaps {
	lctx, cancel := context.WithCancel(ctx)
	p := &PGMaps{
		pool:   pool,
		log:    log.With().Str("component", "pgmap").Logger(),
		maps:   make(map[string]*PGMap),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.listen(lctx)
	return p
}

func (p *PGMaps) Map(name string) DistributedMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.maps[name]
	if !ok {
		m = &PGMap{name: name, pool: p.pool, listeners: make(map[int]MapListener)}
		p.maps[name] = m
	}
	return m
}

// Close stops the change listener.
func (p *PGMaps) Close() {
	p.cancel()
	<-p.done
}

type pgMapNotification struct {
	Map   string       `json:"map"`
	Kind  MapEventKind `json:"kind"`
	Key   string       `json:"key"`
	Value string       `json:"value"`
}

func (p *PGMaps) listen(ctx context.Context) {
	defer close(p.done)

	delay := pgListenRetryDelay
	for {
		err := p.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		p.log.Warn().Err(err).Dur("retry_in", delay).Msg("map change listener disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, pgListenMaxRetryGap)
	}
}

func (p *PGMaps) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+mapChangeChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	// Changes made while no listener was connected were never delivered.
	p.resetSubscribers()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var msg pgMapNotification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			p.log.Error().Err(err).Str("payload", n.Payload).Msg("bad map change notification")
			continue
		}
		p.mu.Lock()
		m := p.maps[msg.Map]
		p.mu.Unlock()
		if m != nil {
			m.dispatch(MapEvent{Kind: msg.Kind, Key: msg.Key, Value: msg.Value})
		}
	}
}

func (p *PGMaps) resetSubscribers() {
	p.mu.Lock()
	maps := make([]*PGMap, 0, len(p.maps))
	for _, m := range p.maps {
		maps = append(maps, m)
	}
	p.mu.Unlock()

	for _, m := range maps {
		m.dispatch(MapEvent{Kind: MapEntryReset})
	}
}

// PGMap is one named map inside cluster_map.
type PGMap struct {
	name string
	pool *pgxpool.Pool

	mu        sync.Mutex
	listeners map[int]MapListener
	nextID    int
}

func (m *PGMap) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := m.pool.QueryRow(ctx,
		`SELECT value FROM cluster_map WHERE map_name = $1 AND map_key = $2`, m.name, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("map %s get: %w", m.name, err)
	}
	return v, true, nil
}

func (m *PGMap) Put(ctx context.Context, key, value string) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO cluster_map (map_name, map_key, value) VALUES ($1, $2, $3)
		ON CONFLICT (map_name, map_key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, m.name, key, value)
	if err != nil {
		return fmt.Errorf("map %s put: %w", m.name, err)
	}
	return nil
}

// PutIfAbsent inserts with ON CONFLICT DO NOTHING. When the insert loses, the
// winner is read back; if the winner vanished in between, the claim is
// retried.
func (m *PGMap) PutIfAbsent(ctx context.Context, key, value string) (string, bool, error) {
	for attempt := 0; attempt < pgMapClaimAttempts; attempt++ {
		tag, err := m.pool.Exec(ctx, `
			INSERT INTO cluster_map (map_name, map_key, value) VALUES ($1, $2, $3)
			ON CONFLICT (map_name, map_key) DO NOTHING
		`, m.name, key, value)
		if err != nil {
			return "", false, fmt.Errorf("map %s claim: %w", m.name, err)
		}
		if tag.RowsAffected() == 1 {
			return "", false, nil
		}

		existing, found, err := m.Get(ctx, key)
		if err != nil {
			return "", false, err
		}
		if found {
			return existing, true, nil
		}
	}
	return "", false, fmt.Errorf("map %s claim %s: lost %d races", m.name, key, pgMapClaimAttempts)
}

func (m *PGMap) Remove(ctx context.Context, key string) error {
	_, err := m.pool.Exec(ctx,
		`DELETE FROM cluster_map WHERE map_name = $1 AND map_key = $2`, m.name, key)
	if err != nil {
		return fmt.Errorf("map %s remove: %w", m.name, err)
	}
	return nil
}

func (m *PGMap) CompareAndRemove(ctx context.Context, key, expected string) (bool, error) {
	tag, err := m.pool.Exec(ctx,
		`DELETE FROM cluster_map WHERE map_name = $1 AND map_key = $2 AND value = $3`, m.name, key, expected)
	if err != nil {
		return false, fmt.Errorf("map %s compare-and-remove: %w", m.name, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (m *PGMap) Size(ctx context.Context) (int, error) {
	var n int
	err := m.pool.QueryRow(ctx, `SELECT count(*) FROM cluster_map WHERE map_name = $1`, m.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("map %s size: %w", m.name, err)
	}
	return n, nil
}

func (m *PGMap) Subscribe(listener MapListener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *PGMap) dispatch(ev MapEvent) {
	m.mu.Lock()
	listeners := make([]MapListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()
	notify(listeners, ev)
}
