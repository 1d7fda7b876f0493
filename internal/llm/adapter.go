package llm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/entity"
)

// Adapter translates normalized requests into one vendor's wire format and
// decodes that vendor's frames back into normalized chunks.
type Adapter interface {
	Vendor() string
	BuildRequest(ctx context.Context, req *Request) (*http.Request, error)
	DecodeChunk(raw []byte) (*Chunk, error)
	DecodeResponse(raw []byte) (*Chunk, error)
}

// Credentials are the per-vendor connection settings resolved from config.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// Factory builds an adapter bound to resolved credentials.
type Factory func(creds Credentials) Adapter

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory registers a vendor adapter. Called from init; duplicate
// registration is a programming error.
func RegisterFactory(vendor string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, exists := factories[vendor]; exists {
		panic(fmt.Sprintf("llm: duplicate adapter factory %q", vendor))
	}
	factories[vendor] = f
}

// RegisteredVendors lists known vendors, sorted.
func RegisteredVendors() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	vendors := make([]string, 0, len(factories))
	for v := range factories {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	return vendors
}

// VendorGeneric is the fallback for model ids with no recognized prefix; it
// requires an explicit base URL.
const VendorGeneric = "generic"

// VendorFor resolves a vendor from the model id prefix.
func VendorFor(modelID string) string {
	id := strings.ToLower(modelID)
	switch {
	case strings.HasPrefix(id, "glm"):
		return "glm"
	case strings.HasPrefix(id, "kimi"), strings.HasPrefix(id, "moonshot"):
		return "kimi"
	case strings.HasPrefix(id, "minimax"), strings.HasPrefix(id, "abab"):
		return "minimax"
	case strings.HasPrefix(id, "deepseek"):
		return "deepseek"
	default:
		return VendorGeneric
	}
}

// Registry resolves model ids to credentialed adapters.
type Registry struct {
	creds map[string]Credentials
}

// NewRegistry builds a registry over per-vendor credentials keyed by vendor
// name. The VendorGeneric entry doubles as the fallback for vendors with no
// dedicated key.
func NewRegistry(creds map[string]Credentials) *Registry {
	if creds == nil {
		creds = make(map[string]Credentials)
	}
	return &Registry{creds: creds}
}

// Resolve returns the adapter for a model id. Missing credentials are an
// AUTH_FAILED before any request leaves the process.
func (r *Registry) Resolve(modelID string) (Adapter, error) {
	vendor := VendorFor(modelID)

	factoryMu.RLock()
	factory, ok := factories[vendor]
	factoryMu.RUnlock()
	if !ok {
		return nil, entity.NewError(entity.CodeBadRequest,
			fmt.Sprintf("no adapter registered for vendor %q", vendor))
	}

	creds := r.creds[vendor]
	if fallback := r.creds[VendorGeneric]; creds.APIKey == "" && fallback.APIKey != "" {
		if creds.BaseURL == "" {
			creds.BaseURL = fallback.BaseURL
		}
		creds.APIKey = fallback.APIKey
	}
	if creds.APIKey == "" {
		return nil, entity.NewError(entity.CodeAuthFailed,
			fmt.Sprintf("no API key configured for vendor %q (model %q)", vendor, modelID))
	}

	adapter := factory(creds)
	if adapter == nil {
		return nil, entity.NewError(entity.CodeBadRequest,
			fmt.Sprintf("adapter for vendor %q rejected credentials", vendor))
	}
	return adapter, nil
}
