package ensemble

import "fmt"

var (
	ErrInvalidEntityID    = fmt.Errorf("invalid entity id")
	ErrInvalidCacheConfig = fmt.Errorf("invalid cache config")
	ErrUnknownEntityType  = fmt.Errorf("unknown entity type")
	ErrUnknownFunc        = fmt.Errorf("unknown entity function")
	ErrFuncNotPublic      = fmt.Errorf("entity function is not public")
	ErrMissingMigration   = fmt.Errorf("missing migration step")
	ErrNoNodes            = fmt.Errorf("no cluster nodes available")
	ErrAppNotFound        = fmt.Errorf("app not found")
	ErrAppInMaintenance   = fmt.Errorf("app is in maintenance")
	ErrRuntimeClosed      = fmt.Errorf("entity runtime is shut down")
	ErrExecutorStopped    = fmt.Errorf("executor stopped")
	ErrUnknownCommand     = fmt.Errorf("unknown cluster command")
	ErrUnknownWorker      = fmt.Errorf("unknown worker")
)

// FuncError wraps an error raised by an entity function body or one of the
// type's hooks while serving an invocation.
type FuncError struct {
	EntityType string
	Func       string
	EntityID   string
	Err        error
}

func (e *FuncError) Error() string {
	return fmt.Sprintf("%s.%s(%s): %v", e.EntityType, e.Func, e.EntityID, e.Err)
}

func (e *FuncError) Unwrap() error {
	return e.Err
}

// panicError is produced when a function body panics.
type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
