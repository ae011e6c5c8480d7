package hookdb

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildJobQueueFromDSN picks a queue implementation by DSN scheme. A bare
// path is a JSON file queue. An empty DSN yields an in-memory queue.
func BuildJobQueueFromDSN(dsn string, capacity int) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryJobQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: job queue dsn: %v", ErrInvalidInput, err)
	}
	scheme := dsnScheme(parsed.Scheme)
	if factory, ok := jobQueueSchemes.lookup(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileJobQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryJobQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresJobQueue(dsn, capacity)
	case "redis", "rediss":
		return NewRedisJobQueue(dsn, capacity)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteJobQueue(path, capacity)
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: job queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job queue scheme: %s", scheme)
	}
}

// BuildAppStoreFromDSN opens the application database. Only Postgres and the
// in-memory store are built in.
func BuildAppStoreFromDSN(dsn string) (AppStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryAppStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: app store dsn: %v", ErrInvalidInput, err)
	}
	scheme := dsnScheme(parsed.Scheme)
	if factory, ok := appStoreSchemes.lookup(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryAppStore(), nil
	case "postgres", "postgresql":
		return NewPostgresAppStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported app store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
