// ensembled runs one ensemble node from a TOML config file, serving the
// built-in demo apps.
//
// Run:
//
//	go run ./cmd/ensembled --config node.toml
//
// With no --config the node starts standalone with an in-memory store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironfang-ltd/go-ensemble"
	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to a TOML config file")
		nodeID     = pflag.String("node-id", "", "override node_id")
		adminAddr  = pflag.String("admin", "", "override admin_addr")
		logLevel   = pflag.String("log-level", "", "override log_level")
		stopWait   = pflag.Duration("shutdown-timeout", 30*time.Second, "time allowed to persist entities on exit")
	)
	pflag.Parse()

	var opts []ensemble.Option
	if *nodeID != "" {
		opts = append(opts, ensemble.WithNodeID(*nodeID))
	}
	if *adminAddr != "" {
		opts = append(opts, ensemble.WithAdminAddr(*adminAddr))
	}
	if *logLevel != "" {
		opts = append(opts, ensemble.WithLogLevel(*logLevel))
	}

	var (
		cfg ensemble.Config
		err error
	)
	if *configPath != "" {
		cfg, err = ensemble.LoadConfig(*configPath, opts...)
	} else {
		cfg = ensemble.NewConfig(opts...)
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := ensemble.InitLogger(cfg.LogLevel, cfg.LogFormat)

	apps, err := demoApps()
	if err != nil {
		log.Fatal().Err(err).Msg("build apps")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := ensemble.StartServer(ctx, cfg, apps, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start server")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *stopWait)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		os.Exit(1)
	}
}
