package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironfang-ltd/go-ensemble"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type profile struct {
	name        string
	entities    int
	clients     int
	workers     int
	entityTTL   time.Duration
	memLimitGiB int64
}

var profiles = map[string]profile{
	"small": {
		name:        "small",
		entities:    1_000,
		clients:     10,
		workers:     2,
		entityTTL:   2 * time.Second,
		memLimitGiB: 2,
	},
	"medium": {
		name:        "medium",
		entities:    10_000,
		clients:     20,
		workers:     4,
		entityTTL:   5 * time.Second,
		memLimitGiB: 2,
	},
	"large": {
		name:        "large",
		entities:    100_000,
		clients:     50,
		workers:     8,
		entityTTL:   10 * time.Second,
		memLimitGiB: 4,
	},
	"massive": {
		name:        "massive",
		entities:    1_000_000,
		clients:     100,
		workers:     16,
		entityTTL:   30 * time.Second,
		memLimitGiB: 8,
	},
}

// loadApp has one entity type that counts the calls it receives.
func loadApp() (*ensemble.App, error) {
	count := func(call *ensemble.FuncCall) (ensemble.Result, error) {
		n, _ := call.State["n"].(float64)
		call.Ctx.SendResponse(ensemble.Payload{"n": n + 1}, nil)
		return ensemble.ReplaceState(ensemble.State{"n": n + 1}), nil
	}
	return ensemble.NewApp("load", &ensemble.EntityType{
		Name: "worker",
		Funcs: map[string]ensemble.Func{
			"ping": {Visibility: ensemble.Public, Body: count},
			"echo": {Visibility: ensemble.Public, Body: count},
		},
	})
}

type nodeEntry struct {
	node *ensemble.Node
	name string
}

func nodeConfig(p profile, index int) ensemble.Config {
	return ensemble.NewConfig(
		ensemble.WithNodeID("node-"+strconv.Itoa(index+1)),
		ensemble.WithWorkers(p.workers),
		ensemble.WithEntityCache(p.entityTTL, 10*p.entities, 500*time.Millisecond),
		ensemble.WithRequestTable(3*time.Second, 1_000_000, time.Second),
		ensemble.WithPersistInterval(time.Second),
	)
}

func main() {
	profileName := pflag.String("profile", "small", "preset profile: small, medium, large, massive")
	nodeCount := pflag.Int("nodes", 3, "number of in-process nodes (1=standalone)")
	entitiesFlag := pflag.Int("entities", 0, "entity pool size (overrides profile)")
	clientsFlag := pflag.Int("clients", 0, "client goroutines per node (overrides profile)")
	duration := pflag.Duration("duration", 30*time.Second, "test duration")
	memlimit := pflag.Int64("memlimit", -1, "GOMEMLIMIT in GiB (0=disabled, -1=from profile)")
	sendpct := pflag.Int("sendpct", 70, "percentage of Send vs Call (0-100)")
	dsn := pflag.String("dsn", "", "Postgres connection string for store and ownership map (empty = in-memory)")
	pflag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large, massive)\n", *profileName)
		os.Exit(1)
	}

	if *entitiesFlag > 0 {
		p.entities = *entitiesFlag
	}
	if *clientsFlag > 0 {
		p.clients = *clientsFlag
	}
	if *memlimit >= 0 {
		p.memLimitGiB = *memlimit
	}
	if *sendpct < 0 || *sendpct > 100 {
		fmt.Fprintf(os.Stderr, "sendpct must be 0-100\n")
		os.Exit(1)
	}

	gcInfo := "GOGC=default"
	if p.memLimitGiB > 0 {
		debug.SetMemoryLimit(p.memLimitGiB * 1024 * 1024 * 1024)
		debug.SetGCPercent(-1)
		gcInfo = fmt.Sprintf("GOGC=off  GOMEMLIMIT=%dGiB", p.memLimitGiB)
	}

	modeLabel := "memory"
	if *dsn != "" {
		modeLabel = "postgres"
	}

	fmt.Printf("go-ensemble load test\n")
	fmt.Printf("  profile:  %s\n", p.name)
	fmt.Printf("  nodes:    %d (%s)\n", *nodeCount, modeLabel)
	fmt.Printf("  entities: %d\n", p.entities)
	fmt.Printf("  workers:  %d per node\n", p.workers)
	fmt.Printf("  clients:  %d per node (x%d = %d total)\n", p.clients, *nodeCount, p.clients*(*nodeCount))
	fmt.Printf("  mix:      %d%% send / %d%% call\n", *sendpct, 100-*sendpct)
	fmt.Printf("  duration: %s\n", *duration)
	fmt.Printf("  GC:       %s\n", gcInfo)
	fmt.Println()

	log := ensemble.InitLogger("warn", "console")

	app, err := loadApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "app: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	nodes, cleanup, err := setupCluster(ctx, p, *nodeCount, *dsn, ensemble.StaticApps{app.ID: app}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("nodes started\n\n")

	stop := make(chan struct{})
	start := time.Now()
	cpuStart := processCPUUsage()

	var wg sync.WaitGroup
	var totalSends, totalCalls, totalCallErrors atomic.Int64

	sendThreshold := float64(*sendpct) / 100.0

	for _, ne := range nodes {
		for range p.clients {
			wg.Add(1)
			go func(n *ensemble.Node) {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}

					req := ensemble.Request{
						AppID:      "load",
						EntityType: "worker",
						EntityID:   "e-" + strconv.Itoa(rand.IntN(p.entities)),
					}

					if rand.Float64() < sendThreshold {
						req.Func = "ping"
						if err := n.Send(ctx, req); err != nil {
							if errors.Is(err, ensemble.ErrRuntimeClosed) {
								return
							}
							continue
						}
						totalSends.Add(1)
					} else {
						req.Func = "echo"
						callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
						resp, err := n.Call(callCtx, req)
						cancel()
						if err != nil || resp.Failed() {
							totalCallErrors.Add(1)
						}
						totalCalls.Add(1)
					}
				}
			}(ne.node)
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			printProgress(nodes, time.Since(start).Truncate(time.Second))
		}
	}()

	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	ticker.Stop()

	fmt.Printf("\n--- stopping nodes ---\n")
	stopCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	var stopWg sync.WaitGroup
	for _, ne := range nodes {
		stopWg.Add(1)
		go func(n *ensemble.Node) {
			defer stopWg.Done()
			if err := n.Stop(stopCtx); err != nil {
				fmt.Fprintf(os.Stderr, "stop %s: %v\n", n.ID(), err)
			}
		}(ne.node)
	}
	stopWg.Wait()

	if cleanup != nil {
		cleanup()
	}

	elapsed := time.Since(start)
	cpu := processCPUUsage().Sub(cpuStart)
	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:       %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  CPU time:       %s (user %s, sys %s)\n", cpu.Total().Truncate(time.Millisecond),
		cpu.User.Truncate(time.Millisecond), cpu.System.Truncate(time.Millisecond))
	fmt.Printf("  CPU per op:     %s\n", perOp(cpu.Total(), totalSends.Load()+totalCalls.Load()))
	fmt.Printf("  Total sends:    %d\n", totalSends.Load())
	fmt.Printf("  Total calls:    %d\n", totalCalls.Load())
	fmt.Printf("  Call errors:    %d\n", totalCallErrors.Load())
	totalOps := totalSends.Load() + totalCalls.Load()
	fmt.Printf("  Aggregate RPS:  %.0f\n\n", float64(totalOps)/elapsed.Seconds())

	printProgress(nodes, elapsed.Truncate(time.Second))

	os.Exit(0)
}

// setupCluster creates n nodes joined by a local bus. With a dsn the entity
// store and the cluster maps live in Postgres; otherwise they are in memory.
func setupCluster(ctx context.Context, p profile, n int, dsn string, apps ensemble.AppSource, log zerolog.Logger) ([]*nodeEntry, func(), error) {
	var (
		store   ensemble.Store
		maps    ensemble.MapProvider
		cleanup func()
	)
	if dsn == "" {
		store = ensemble.NewMemoryStore()
		maps = ensemble.NewMemoryMaps()
	} else {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := ensemble.MigrateSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		pgMaps := ensemble.NewPGMaps(ctx, pool, log)
		store = ensemble.NewPGStore(pool)
		maps = pgMaps
		cleanup = func() {
			pgMaps.Close()
			pool.Close()
		}
	}

	bus := ensemble.NewLocalBus()
	nodes := make([]*nodeEntry, n)
	for i := range n {
		cfg := nodeConfig(p, i)
		node, err := ensemble.NewNode(cfg, ensemble.NodeDeps{
			Store:   store,
			Maps:    maps,
			Apps:    apps,
			Members: bus,
			Link:    bus,
			Logger:  log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: %w", cfg.NodeID, err)
		}
		bus.Join(node)
		nodes[i] = &nodeEntry{node: node, name: cfg.NodeID}
	}
	return nodes, cleanup, nil
}

func printProgress(nodes []*nodeEntry, elapsed time.Duration) {
	secs := elapsed.Seconds()
	fmt.Printf("[%s]\n", elapsed)
	fmt.Printf("  %-8s %10s %10s %10s %10s %10s %10s %10s\n",
		"NODE", "INVOKED", "FAILED", "REDIRECT", "LOADS", "WRITES", "EVICTED", "RPS")
	for _, ne := range nodes {
		s := ne.node.Metrics().Snapshot()
		ok := s["ensemble_entity_invocations_total{result=ok}"]
		failed := s["ensemble_entity_invocations_total{result=error}"]
		loads := s["ensemble_entity_loads_total{found=true}"] + s["ensemble_entity_loads_total{found=false}"]
		rps := float64(0)
		if secs > 0 {
			rps = (ok + failed) / secs
		}
		fmt.Printf("  %-8s %10.0f %10.0f %10.0f %10.0f %10.0f %10.0f %10.0f\n",
			ne.name,
			ok+failed,
			failed,
			s["ensemble_router_redirects_total"],
			loads,
			s["ensemble_entity_writes_total{result=ok}"],
			s["ensemble_entity_evictions_total"],
			rps,
		)
	}
	fmt.Println()
}

func perOp(d time.Duration, ops int64) time.Duration {
	if ops == 0 {
		return 0
	}
	return d / time.Duration(ops)
}
