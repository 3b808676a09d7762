package revlog

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildRevisionStoreFromDSN dispatches on URL scheme the same way the
// teacher's BuildStateBackendFromDSN dispatches for its state backend:
// memory:// for tests and single-node deployments, postgres:// for a real
// deployment. An empty DSN defaults to memory://.
func BuildRevisionStoreFromDSN(dsn string) (RevisionStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRevisionStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "", "memory", "mem", "inmem":
		return NewMemoryRevisionStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRevisionStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported revision store scheme: %s", parsed.Scheme)
	}
}
