// playground spins up 3 in-process nodes joined by a local bus, calls
// entities across them, then blocks so you can explore the admin endpoints.
//
// Run:
//
//	go run ./cmd/playground
//
// Admin endpoints (per node):
//
//	GET  /cluster/status                          node state and metrics
//	GET  /cluster/nodes                           cluster members
//	GET  /apps/play/entities                      resident entities
//	GET  /apps/play/entities/counter/c-1          one entity
//	POST /apps/play/invoke/counter/c-1/inc        call a public function
//	POST /apps/play/maintenance                   enter maintenance
//	GET  /metrics                                 prometheus metrics
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/ironfang-ltd/go-ensemble"
)

func playApp() (*ensemble.App, error) {
	counter := &ensemble.EntityType{
		Name: "counter",
		Funcs: map[string]ensemble.Func{
			"inc": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				n, _ := call.State["n"].(float64)
				n++
				call.Ctx.SendResponse(ensemble.Payload{"n": n}, nil)
				return ensemble.ReplaceState(ensemble.State{"n": n}), nil
			}},
			"get": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				call.Ctx.SendResponse(ensemble.Payload{"n": call.State["n"]}, nil)
				return ensemble.KeepState(), nil
			}},
		},
	}

	// clock counts its own ticks once started.
	clock := &ensemble.EntityType{
		Name: "clock",
		Funcs: map[string]ensemble.Func{
			"start": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				call.Ctx.SendResponse(ensemble.Payload{"started": call.EntityID}, nil)
				return ensemble.ReplaceState(ensemble.State{"ticks": 0.0}), nil
			}},
		},
		Tick: func(call *ensemble.FuncCall) (ensemble.Result, error) {
			ticks, _ := call.State["ticks"].(float64)
			if int(ticks+1)%25 == 0 {
				call.Lib.Logger().Info().Str("clock", call.EntityID).Float64("ticks", ticks+1).Msg("tick")
			}
			return ensemble.ReplaceState(ensemble.State{"ticks": ticks + 1}), nil
		},
	}
	return ensemble.NewApp("play", counter, clock)
}

func main() {
	const numNodes = 3

	log := ensemble.InitLogger("info", "console")

	app, err := playApp()
	if err != nil {
		log.Fatal().Err(err).Msg("build app")
	}
	apps := ensemble.StaticApps{app.ID: app}

	var (
		bus   = ensemble.NewLocalBus()
		maps  = ensemble.NewMemoryMaps()
		store = ensemble.NewMemoryStore()
	)

	type node struct {
		node  *ensemble.Node
		admin *ensemble.AdminServer
	}
	nodes := make([]node, numNodes)

	for i := range nodes {
		cfg := ensemble.NewConfig(
			ensemble.WithNodeID(fmt.Sprintf("node-%d", i+1)),
			ensemble.WithWorkers(2),
			ensemble.WithEntityCache(2*time.Minute, 10_000, 10*time.Second),
		)
		n, err := ensemble.NewNode(cfg, ensemble.NodeDeps{
			Store:   store,
			Maps:    maps,
			Apps:    apps,
			Members: bus,
			Link:    bus,
			Logger:  log,
		})
		if err != nil {
			log.Fatal().Err(err).Str("node", cfg.NodeID).Msg("start node")
		}
		bus.Join(n)

		admin, err := ensemble.NewAdminServer(n, fmt.Sprintf("127.0.0.1:%d", 9090+i), log)
		if err != nil {
			log.Fatal().Err(err).Msg("admin server")
		}
		admin.Start()
		nodes[i] = node{node: n, admin: admin}
	}

	ctx := context.Background()

	fmt.Println("--- Starting clocks ---")
	for i, n := range nodes {
		req := ensemble.Request{AppID: "play", EntityType: "clock", Func: "start", EntityID: fmt.Sprintf("clock-%d", i+1)}
		if err := n.node.Send(ctx, req); err != nil {
			log.Error().Err(err).Msg("send")
		}
	}
	fmt.Println()

	// Every node increments the same counter; ownership decides which
	// worker actually runs the function.
	fmt.Println("--- Cross-node calls ---")
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *ensemble.Node) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			resp, err := n.Call(callCtx, ensemble.Request{AppID: "play", EntityType: "counter", Func: "inc", EntityID: "c-1"})
			if err != nil {
				fmt.Printf("  %s call error: %v\n", n.ID(), err)
				return
			}
			fmt.Printf("  %s got: %v\n", n.ID(), resp.Payload)
		}(n.node)
	}
	wg.Wait()

	fmt.Println()
	fmt.Println("--- Cluster running. Try these endpoints: ---")
	for _, n := range nodes {
		fmt.Printf("  %s:\n", n.node.ID())
		fmt.Printf("    curl http://%s/cluster/status\n", n.admin.Addr())
		fmt.Printf("    curl http://%s/apps/play/entities\n", n.admin.Addr())
		fmt.Printf("    curl -X POST http://%s/apps/play/invoke/counter/c-1/inc\n", n.admin.Addr())
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	fmt.Println("\nShutting down...")
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].admin.Stop()
		if err := nodes[i].node.Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("stop node")
		}
		bus.Leave(nodes[i].node.ID())
		fmt.Printf("%s stopped\n", nodes[i].node.ID())
	}
}
