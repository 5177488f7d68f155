package intellimail

import (
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)
type TaskQueueFactory func(dsn string, capacity int) (TaskQueue, error)

// schemeRegistry maps lower-cased DSN schemes to factories.
type schemeRegistry[F any] struct {
	mu        sync.RWMutex
	factories map[string]F
}

func (r *schemeRegistry[F]) register(scheme string, factory F) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = map[string]F{}
	}
	r.factories[scheme] = factory
}

func (r *schemeRegistry[F]) lookup(scheme string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

var (
	stateBackendSchemes schemeRegistry[StateBackendFactory]
	taskQueueSchemes    schemeRegistry[TaskQueueFactory]
)

// RegisterStateBackendFactory makes BuildStateBackendFromDSN resolve scheme
// through factory. Registered schemes win over the built-in ones.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	if factory != nil {
		stateBackendSchemes.register(scheme, factory)
	}
}

func RegisterTaskQueueFactory(scheme string, factory TaskQueueFactory) {
	if factory != nil {
		taskQueueSchemes.register(scheme, factory)
	}
}
