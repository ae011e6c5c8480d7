package hookdb

import (
	"fmt"
	"strings"
	"sync"
)

// JobQueueFactory opens a job queue for a DSN whose scheme it was
// registered under.
type JobQueueFactory func(dsn string, capacity int) (JobQueue, error)

// AppStoreFactory opens an application store for a DSN.
type AppStoreFactory func(dsn string) (AppStore, error)

// schemeTable maps DSN schemes to constructors. Registered schemes win over
// the built-in backends, so deployments can plug in their own.
type schemeTable[F any] struct {
	mu       sync.RWMutex
	kind     string
	builders map[string]F
}

func newSchemeTable[F any](kind string) *schemeTable[F] {
	return &schemeTable[F]{kind: kind, builders: map[string]F{}}
}

func (t *schemeTable[F]) register(scheme string, build F, isNil bool) error {
	scheme = dsnScheme(scheme)
	if scheme == "" {
		return fmt.Errorf("%w: %s scheme is blank", ErrInvalidInput, t.kind)
	}
	if isNil {
		return fmt.Errorf("%w: %s factory for %s is nil", ErrInvalidInput, t.kind, scheme)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.builders[scheme] = build
	return nil
}

func (t *schemeTable[F]) lookup(scheme string) (F, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	build, ok := t.builders[dsnScheme(scheme)]
	return build, ok
}

var (
	jobQueueSchemes = newSchemeTable[JobQueueFactory]("job queue")
	appStoreSchemes = newSchemeTable[AppStoreFactory]("app store")
)

// RegisterJobQueueFactory makes BuildJobQueueFromDSN use factory for DSNs
// with the given scheme. Schemes are case-insensitive.
func RegisterJobQueueFactory(scheme string, factory JobQueueFactory) error {
	return jobQueueSchemes.register(scheme, factory, factory == nil)
}

// RegisterAppStoreFactory makes BuildAppStoreFromDSN use factory for DSNs
// with the given scheme.
func RegisterAppStoreFactory(scheme string, factory AppStoreFactory) error {
	return appStoreSchemes.register(scheme, factory, factory == nil)
}

func dsnScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
