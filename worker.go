package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Request is an external call into an entity function.
type Request struct {
	AppID      string
	EntityType string
	Func       string
	EntityID   string
	Payload    Payload
	ClientID   string
	UserID     string
}

// Response is what a function sent back for a request.
type Response struct {
	Payload Payload
	Meta    *TransportMeta
}

// Failed reports whether the response is an internal error raised by the
// runtime rather than a payload produced by the function.
func (r *Response) Failed() bool {
	status, _ := r.Payload["status"].(string)
	return status == "internalError"
}

type chanConn struct {
	ch chan *Response
}

func (c *chanConn) Deliver(payload Payload, meta *TransportMeta) {
	select {
	case c.ch <- &Response{Payload: payload, Meta: meta}:
	default:
	}
}

// WorkerDeps wires a worker to its node.
type WorkerDeps struct {
	NodeID    string
	WorkerID  string
	WorkerIDs []string
	Transport ClusterTransport
	Store     Store
	Maps      MapProvider
	Apps      AppSource
	Metrics   *Metrics
	Logger    zerolog.Logger
}

// Worker is one single-threaded execution context on a node. It owns an
// executor, the ownership near cache, the response correlator, the router
// and the app runtimes.
type Worker struct {
	id          string
	nodeID      string
	exec        *Executor
	transport   ClusterTransport
	ownership   *NearCache
	maintenance *NearCache
	correlator  *ResponseCorrelator
	router      *EntityRouter
	apps        *AppManager
	metrics     *Metrics
	ioTimeout   time.Duration
	log         zerolog.Logger
}

func NewWorker(cfg Config, deps WorkerDeps) (*Worker, error) {
	log := deps.Logger.With().Str("node", deps.NodeID).Str("worker", deps.WorkerID).Logger()

	ownership, err := NewNearCache(OwnershipMapName, deps.Maps.Map(OwnershipMapName), cfg.NearCacheSize, deps.Metrics)
	if err != nil {
		return nil, err
	}
	maintenance, err := NewNearCache(MaintenanceMapName, deps.Maps.Map(MaintenanceMapName), 0, deps.Metrics)
	if err != nil {
		ownership.Close()
		return nil, err
	}

	exec := NewExecutor(log)
	correlator, err := NewResponseCorrelator(cfg.correlatorConfig(), exec, deps.Transport, deps.Metrics, log)
	if err != nil {
		exec.Stop()
		ownership.Close()
		maintenance.Close()
		return nil, err
	}

	w := &Worker{
		id:          deps.WorkerID,
		nodeID:      deps.NodeID,
		exec:        exec,
		transport:   deps.Transport,
		ownership:   ownership,
		maintenance: maintenance,
		correlator:  correlator,
		metrics:     deps.Metrics,
		ioTimeout:   cfg.IOTimeout,
		log:         log,
	}
	w.router = NewEntityRouter(deps.NodeID, deps.WorkerID, deps.WorkerIDs, ownership, deps.Transport, correlator, deps.Metrics, log)

	rcfg := cfg.runtimeConfig()
	w.apps = NewAppManager(deps.Apps, maintenance, deps.Transport, func(app *App) (*EntityRuntime, error) {
		return NewEntityRuntime(app, rcfg, RuntimeDeps{
			Store:     deps.Store,
			Router:    w.router,
			Responder: correlator,
			Scheduler: exec,
			Metrics:   deps.Metrics,
			Logger:    log,
		})
	}, log)
	return w, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Apps() *AppManager {
	return w.apps
}

func (w *Worker) Correlator() *ResponseCorrelator {
	return w.correlator
}

// HandleEnvelope processes one cluster command addressed to this worker.
func (w *Worker) HandleEnvelope(env Envelope) {
	w.metrics.clusterMessage("in", env.Cmd)

	switch env.Cmd {
	case CmdInvokeEntityFunc:
		var msg InvokeEntityFunc
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			w.log.Error().Err(err).Msg("bad invoke message")
			return
		}
		w.handleInvoke(msg)

	case CmdSendResponse:
		var msg SendResponse
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			w.log.Error().Err(err).Msg("bad response message")
			return
		}
		w.correlator.Send(msg.RequestID, msg.Payload, msg.TransportMeta)

	case CmdShutdownApp:
		var msg ShutdownApp
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			w.log.Error().Err(err).Msg("bad shutdown message")
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), w.ioTimeout)
			defer cancel()
			if err := w.apps.ShutdownApp(ctx, msg.ID, false); err != nil {
				w.log.Error().Err(err).Str("app", msg.ID).Msg("app shutdown failed")
			}
		}()

	default:
		w.log.Warn().Err(fmt.Errorf("%w: %s", ErrUnknownCommand, env.Cmd)).Msg("dropping cluster message")
	}
}

func (w *Worker) handleInvoke(msg InvokeEntityFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), w.ioTimeout)
	defer cancel()

	if msg.RequestID != "" {
		w.correlator.RegisterRemoteRequest(msg.RequestID, msg.SourceWorker)
	}

	rt, err := w.apps.Runtime(ctx, msg.AppID)
	if err != nil {
		w.log.Warn().Err(err).Str("app", msg.AppID).Msg("cannot serve forwarded invocation")
		w.rejectForwarded(msg, err)
		return
	}

	fctx := &FuncContext{
		RequestID:      msg.RequestID,
		OriginClientID: msg.OriginClientID,
		OriginUserID:   msg.OriginUserID,
		responder:      w.correlator,
	}
	if err := rt.Invoke(msg.EntityType, msg.Func, msg.EntityID, msg.Payload, fctx); err != nil {
		w.log.Warn().Err(err).Str("key", msg.Key()).Msg("forwarded invocation rejected")
		w.rejectForwarded(msg, err)
	}
}

func (w *Worker) rejectForwarded(msg InvokeEntityFunc, err error) {
	if msg.RequestID == "" {
		return
	}
	w.correlator.Send(msg.RequestID, Payload{
		"status":     "internalError",
		"entityType": msg.EntityType,
		"func":       msg.Func,
		"msg":        err.Error(),
	}, &TransportMeta{Status: 500})
}

func (w *Worker) checkPublic(rt *EntityRuntime, entityType, fn string) error {
	t, ok := rt.App().Types[entityType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	if _, ok := t.Funcs[fn]; !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownFunc, entityType, fn)
	}
	if !t.IsPublic(fn) {
		return fmt.Errorf("%w: %s.%s", ErrFuncNotPublic, entityType, fn)
	}
	return nil
}

// Call invokes a public entity function on behalf of a client held by this
// worker and waits for the function's response.
func (w *Worker) Call(ctx context.Context, req Request) (*Response, error) {
	rt, err := w.apps.Runtime(ctx, req.AppID)
	if err != nil {
		return nil, err
	}
	if err := w.checkPublic(rt, req.EntityType, req.Func); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	conn := &chanConn{ch: make(chan *Response, 1)}
	w.correlator.RegisterLocalRequest(requestID, conn)

	fctx := &FuncContext{
		RequestID:      requestID,
		OriginClientID: req.ClientID,
		OriginUserID:   req.UserID,
		responder:      w.correlator,
	}
	if err := rt.Invoke(req.EntityType, req.Func, req.EntityID, req.Payload, fctx); err != nil {
		w.correlator.ForgetLocalRequest(requestID)
		return nil, err
	}

	select {
	case resp := <-conn.ch:
		return resp, nil
	case <-ctx.Done():
		w.correlator.ForgetLocalRequest(requestID)
		return nil, ctx.Err()
	}
}

// Send invokes a public entity function without waiting for a response.
func (w *Worker) Send(ctx context.Context, req Request) error {
	rt, err := w.apps.Runtime(ctx, req.AppID)
	if err != nil {
		return err
	}
	if err := w.checkPublic(rt, req.EntityType, req.Func); err != nil {
		return err
	}
	return rt.Invoke(req.EntityType, req.Func, req.EntityID, req.Payload, &FuncContext{
		OriginClientID: req.ClientID,
		OriginUserID:   req.UserID,
	})
}

// Stop shuts every app down and stops the executor.
func (w *Worker) Stop(ctx context.Context) error {
	err := w.apps.ShutdownAll(ctx)
	w.correlator.Shutdown()
	w.ownership.Close()
	w.maintenance.Close()
	w.exec.Stop()
	if err != nil {
		return fmt.Errorf("worker %s: %w", w.id, err)
	}
	return nil
}
