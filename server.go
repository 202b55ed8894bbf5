package ensemble

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Server is a node wired to its configured store, cluster map, TCP link and
// admin endpoint.
type Server struct {
	Node *Node

	link   *TCPLink
	admin  *AdminServer
	store  Store
	pgMaps *PGMaps
	pools  []*pgxpool.Pool
	log    zerolog.Logger
}

// StartServer builds and starts everything cfg describes.
func StartServer(ctx context.Context, cfg Config, apps AppSource, log zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: log.With().Str("node", cfg.NodeID).Logger()}
	if err := s.start(ctx, cfg, apps, log); err != nil {
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			s.log.Warn().Err(stopErr).Msg("cleanup after failed start")
		}
		return nil, err
	}
	s.log.Info().Str("listen", s.link.Addr()).Int("peers", len(cfg.Peers)).
		Str("store", cfg.Store.Kind).Str("cluster_map", cfg.ClusterMap.Kind).Msg("server started")
	return s, nil
}

// start opens each part in turn, leaving whatever it opened on s so that
// Stop can release it on failure.
func (s *Server) start(ctx context.Context, cfg Config, apps AppSource, log zerolog.Logger) (err error) {
	pools := make(map[string]*pgxpool.Pool)
	pool := func(dsn string) (*pgxpool.Pool, error) {
		if p, ok := pools[dsn]; ok {
			return p, nil
		}
		p, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := MigrateSchema(ctx, p); err != nil {
			p.Close()
			return nil, err
		}
		pools[dsn] = p
		s.pools = append(s.pools, p)
		return p, nil
	}

	switch cfg.Store.Kind {
	case "memory":
		s.store = NewMemoryStore()
	case "sqlite":
		st, err := OpenSQLiteStore(ctx, cfg.Store.Path)
		if err != nil {
			return err
		}
		s.store = st
	case "postgres":
		p, err := pool(cfg.Store.DSN)
		if err != nil {
			return err
		}
		s.store = NewPGStore(p)
	}

	var maps MapProvider
	switch cfg.ClusterMap.Kind {
	case "memory":
		if len(cfg.Peers) > 0 {
			s.log.Warn().Msg("in-memory cluster map with peers configured: ownership is not shared between nodes")
		}
		maps = NewMemoryMaps()
	case "postgres":
		p, err := pool(cfg.ClusterMap.DSN)
		if err != nil {
			return err
		}
		s.pgMaps = NewPGMaps(ctx, p, log)
		maps = s.pgMaps
	}

	if s.link, err = NewTCPLink(cfg.NodeID, cfg.ListenAddr, cfg.Peers, log); err != nil {
		return err
	}

	if s.Node, err = NewNode(cfg, NodeDeps{
		Store:   s.store,
		Maps:    maps,
		Apps:    apps,
		Members: s.link,
		Link:    s.link,
		Metrics: NewMetrics(),
		Logger:  log,
	}); err != nil {
		return err
	}
	s.link.Start(s.Node.HandleRemote)

	if cfg.AdminAddr != "" {
		if s.admin, err = NewAdminServer(s.Node, cfg.AdminAddr, log); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		s.admin.Start()
	}

	return nil
}

// Stop shuts the node down, persisting dirty entities, then closes every
// connection.
func (s *Server) Stop(ctx context.Context) error {
	var errs error
	if s.admin != nil {
		s.admin.Stop()
	}
	if s.Node != nil {
		errs = multierr.Append(errs, s.Node.Stop(ctx))
	}
	if s.link != nil {
		s.link.Stop()
	}
	if s.pgMaps != nil {
		s.pgMaps.Close()
	}
	if s.store != nil {
		errs = multierr.Append(errs, s.store.Shutdown())
	}
	for _, p := range s.pools {
		p.Close()
	}
	return errs
}
