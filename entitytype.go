package ensemble

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Payload is the decoded argument or response body of a function call.
// Numbers decoded from the wire arrive as float64.
type Payload map[string]any

// State is the in-memory attribute map of one entity.
type State map[string]any

// Visibility controls who may call an entity function.
type Visibility int

const (
	// Private functions can only be called from other entity functions.
	Private Visibility = iota
	// Public functions can also be called by clients.
	Public
)

// IndexMode selects how an entity type's attributes are indexed.
type IndexMode int

const (
	IndexNone IndexMode = iota
	// IndexSimple keeps, per top-level primitive attribute, a list of
	// id/value pairs that is updated whenever a function changes the value.
	IndexSimple
)

// FuncCall is everything a function body gets to see.
type FuncCall struct {
	AppID      string
	EntityType string
	EntityID   string
	Func       string
	// State is nil when the entity does not exist yet.
	State   State
	Payload Payload
	Lib     *Lib
	Ctx     *FuncContext
}

// FuncBody runs one entity function. Returning an error (or panicking)
// leaves the entity unchanged and answers the request with an error.
type FuncBody func(call *FuncCall) (Result, error)

// Func is a named function of an entity type.
type Func struct {
	Visibility Visibility
	Body       FuncBody
}

// MigrationFunc upgrades stored state to the version it is registered for.
type MigrationFunc func(state State) (State, error)

// SerializeFunc converts in-memory state to the attributes that get stored.
type SerializeFunc func(entityID string, state State) (State, error)

// DeserializeFunc rebuilds in-memory state from stored attributes.
type DeserializeFunc func(entityID string, stored State) (State, error)

// EntityType describes one kind of entity in an app. It must not be
// modified after the app is handed to a runtime.
type EntityType struct {
	Name    string
	Version int
	Funcs   map[string]Func
	// Migrations is keyed by the version each step produces, 2..Version.
	Migrations  map[int]MigrationFunc
	Serialize   SerializeFunc
	Deserialize DeserializeFunc
	Index       IndexMode
	// Tick, when set, runs periodically for every resident entity.
	Tick FuncBody
}

// SchemaVersion is the current version, treating zero as one.
func (t *EntityType) SchemaVersion() int {
	if t.Version < 1 {
		return 1
	}
	return t.Version
}

// IsPublic reports whether fn exists and may be called by clients.
func (t *EntityType) IsPublic(fn string) bool {
	f, ok := t.Funcs[fn]
	return ok && f.Visibility == Public
}

// App is a deployed application: an id and its entity types.
type App struct {
	ID    string
	Types map[string]*EntityType
}

// NewApp builds an App from its types.
func NewApp(id string, types ...*EntityType) (*App, error) {
	app := &App{ID: id, Types: make(map[string]*EntityType, len(types))}
	for _, t := range types {
		if t.Name == "" {
			return nil, fmt.Errorf("app %s: entity type without a name", id)
		}
		if _, dup := app.Types[t.Name]; dup {
			return nil, fmt.Errorf("app %s: duplicate entity type %s", id, t.Name)
		}
		app.Types[t.Name] = t
	}
	return app, nil
}

// TypeNames returns the entity type names in sorted order.
func (a *App) TypeNames() []string {
	names := make([]string, 0, len(a.Types))
	for n := range a.Types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type resultKind int

const (
	resultKeep resultKind = iota
	resultReplace
	resultDelete
)

// Result is what a function body decides to do with its entity.
type Result struct {
	kind  resultKind
	state State
}

// KeepState leaves the entity as it is. It is also the zero Result.
func KeepState() Result {
	return Result{kind: resultKeep}
}

// ReplaceState installs s as the entity's new state and marks it dirty.
func ReplaceState(s State) Result {
	return Result{kind: resultReplace, state: s}
}

// DeleteEntity removes the entity from memory, the store and the ownership
// map.
func DeleteEntity() Result {
	return Result{kind: resultDelete}
}

// FuncContext carries request metadata through an invocation.
type FuncContext struct {
	RequestID      string
	OriginClientID string
	OriginUserID   string

	responder Responder
}

// SendResponse answers the request this invocation serves. It does nothing
// for invocations that have no request id.
func (c *FuncContext) SendResponse(payload Payload, meta *TransportMeta) {
	if c == nil || c.RequestID == "" || c.responder == nil {
		return
	}
	c.responder.Send(c.RequestID, payload, meta)
}

// Lib is the facade function bodies use to reach the runtime.
type Lib struct {
	rt *EntityRuntime
}

// Invoke calls another entity function, on whichever worker owns it.
// Passing the caller's FuncContext lets the callee answer the original
// request.
func (l *Lib) Invoke(entityType, fn, entityID string, payload Payload, fctx *FuncContext) error {
	return l.rt.Invoke(entityType, fn, entityID, payload, fctx)
}

func (l *Lib) AppID() string {
	return l.rt.appID
}

func (l *Lib) Logger() *zerolog.Logger {
	return &l.rt.log
}
