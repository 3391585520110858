package llm

import (
	"fmt"
	"sync"

	"github.com/nulzo/novel-gateway/internal/httpclient"
)

// Factory builds an adapter for a resolved provider configuration. Adapters are
// cheap and hold no state beyond the configuration they were built with.
type Factory func(cfg Resolved, client httpclient.HTTPClient) (Provider, error)

var (
	mu        sync.RWMutex
	factories = make(map[Family]Factory)
)

// Register makes an adapter family available. It is called from adapter init()
// functions and panics on duplicates.
func Register(family Family, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[family]; exists {
		panic(fmt.Sprintf("provider factory %s already registered", family))
	}
	factories[family] = f
}

func Get(family Family) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[family]
	if !ok {
		return nil, fmt.Errorf("provider factory not found for family: %s", family)
	}
	return f, nil
}

// New resolves the adapter for cfg and instantiates it.
func New(cfg Resolved, client httpclient.HTTPClient) (Provider, error) {
	factoryFunc, err := Get(cfg.Family)
	if err != nil {
		return nil, fmt.Errorf("factory lookup failed for %s: %w", cfg.ID, err)
	}
	return factoryFunc(cfg, client)
}
