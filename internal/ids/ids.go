package ids

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

const ClientPrefix = "client"

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var fallback struct {
	mu    sync.Mutex
	nanos int64
}

// NewClientID returns a fresh client handle id. Ids are never reused within
// a process.
func NewClientID() string {
	return New(ClientPrefix)
}

func New(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fallbackID(prefix)
}

func fallbackID(prefix string) string {
	fallback.mu.Lock()
	defer fallback.mu.Unlock()

	nanos := time.Now().UTC().UnixNano()
	if nanos <= fallback.nanos {
		nanos = fallback.nanos + 1
	}
	fallback.nanos = nanos
	return fmt.Sprintf("%s-%d", prefix, nanos)
}
