package ensemble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// AppSource materializes app descriptors by id.
type AppSource interface {
	LoadApp(ctx context.Context, appID string) (*App, error)
}

// StaticApps is an AppSource over a fixed set of apps.
type StaticApps map[string]*App

func (s StaticApps) LoadApp(_ context.Context, appID string) (*App, error) {
	app, ok := s[appID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, appID)
	}
	return app, nil
}

// AppManager owns the per-app runtimes of one worker and the maintenance
// switch shared through the cluster.
type AppManager struct {
	source      AppSource
	maintenance *NearCache
	cluster     ClusterTransport
	build       func(app *App) (*EntityRuntime, error)
	log         zerolog.Logger

	mu       sync.Mutex
	runtimes map[string]*EntityRuntime
	loads    singleflight.Group
}

func NewAppManager(source AppSource, maintenance *NearCache, cluster ClusterTransport, build func(*App) (*EntityRuntime, error), log zerolog.Logger) *AppManager {
	return &AppManager{
		source:      source,
		maintenance: maintenance,
		cluster:     cluster,
		build:       build,
		log:         log.With().Str("component", "apps").Logger(),
		runtimes:    make(map[string]*EntityRuntime),
	}
}

// Runtime returns the running runtime for appID, loading and starting it on
// first use. Apps in maintenance are refused.
func (m *AppManager) Runtime(ctx context.Context, appID string) (*EntityRuntime, error) {
	inMaintenance, err := m.IsInMaintenance(ctx, appID)
	if err != nil {
		return nil, err
	}
	if inMaintenance {
		return nil, fmt.Errorf("%w: %s", ErrAppInMaintenance, appID)
	}

	if rt := m.loaded(appID); rt != nil {
		return rt, nil
	}

	v, err, _ := m.loads.Do(appID, func() (any, error) {
		if rt := m.loaded(appID); rt != nil {
			return rt, nil
		}
		app, err := m.source.LoadApp(ctx, appID)
		if err != nil {
			return nil, err
		}
		rt, err := m.build(app)
		if err != nil {
			return nil, fmt.Errorf("build runtime for %s: %w", appID, err)
		}
		rt.Start()

		m.mu.Lock()
		m.runtimes[appID] = rt
		m.mu.Unlock()
		return rt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*EntityRuntime), nil
}

// Loaded returns the runtime for appID if it is running on this worker.
func (m *AppManager) Loaded(appID string) (*EntityRuntime, bool) {
	rt := m.loaded(appID)
	return rt, rt != nil
}

func (m *AppManager) loaded(appID string) *EntityRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runtimes[appID]
}

// AppIDs lists the apps running on this worker.
func (m *AppManager) AppIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ShutdownApp tears down this worker's runtime for appID. With broadcast
// set, every other worker in the cluster is told to do the same.
func (m *AppManager) ShutdownApp(ctx context.Context, appID string, broadcast bool) error {
	if broadcast {
		m.cluster.Broadcast(CmdShutdownApp, ShutdownApp{ID: appID})
	}

	m.mu.Lock()
	rt, ok := m.runtimes[appID]
	delete(m.runtimes, appID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := rt.Shutdown(ctx); err != nil {
		return fmt.Errorf("shut down app %s: %w", appID, err)
	}
	return nil
}

// ShutdownAll tears down every runtime on this worker.
func (m *AppManager) ShutdownAll(ctx context.Context) error {
	var errs error
	for _, id := range m.AppIDs() {
		errs = multierr.Append(errs, m.ShutdownApp(ctx, id, false))
	}
	return errs
}

// EnableMaintenance stops the cluster from serving appID.
func (m *AppManager) EnableMaintenance(ctx context.Context, appID string) error {
	m.log.Info().Str("app", appID).Msg("maintenance enabled")
	return m.maintenance.Put(ctx, appID, time.Now().UTC().Format(time.RFC3339))
}

func (m *AppManager) DisableMaintenance(ctx context.Context, appID string) error {
	m.log.Info().Str("app", appID).Msg("maintenance disabled")
	return m.maintenance.Remove(ctx, appID)
}

func (m *AppManager) IsInMaintenance(ctx context.Context, appID string) (bool, error) {
	return m.maintenance.Has(ctx, appID)
}
