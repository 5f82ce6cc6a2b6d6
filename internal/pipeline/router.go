package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/evermind-ai/backend/internal/streaming"
)

// StreamProducer generates a streaming response. It runs on its own
// goroutine and must honor st.Context().
type StreamProducer func(c *Context, st *streaming.Stream) error

// Route maps (method, path) to either an internal handler subject on the
// bus or a streaming producer. Routes are public (no encryption/auth) or
// protected; everything not explicitly public is protected.
type Route struct {
	Method string
	Path   string

	// Subject is the bus subject for unary routes.
	Subject string
	// Producer serves streaming routes instead of a bus subject.
	Producer StreamProducer
	// Binary selects length-prefixed binary framing for the stream.
	Binary bool

	// Public routes skip encryption and auth entirely.
	Public bool
	// SkipAuth keeps encryption but waives the bearer check. Used by the
	// token endpoints, which a client with an expired access token must
	// still be able to reach.
	SkipAuth bool

	// Schema validates the decoded payload; nil means no contract.
	Schema *jsonschema.Schema

	// Timeout overrides the default unary deadline.
	Timeout time.Duration
}

// Router is the route table shared by all adapters.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

// NewRouter creates an empty route table.
func NewRouter() *Router {
	return &Router{routes: make(map[string]*Route)}
}

func routeKey(method, path string) string { return method + " " + path }

// Register adds a route. Re-registering a protected route as public is
// rejected: no route may silently downgrade.
func (r *Router) Register(route *Route) error {
	if route.Subject == "" && route.Producer == nil {
		return fmt.Errorf("route %s %s: needs a subject or a producer", route.Method, route.Path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := routeKey(route.Method, route.Path)
	if existing, ok := r.routes[key]; ok {
		if !existing.Public && route.Public {
			return fmt.Errorf("route %s %s: cannot downgrade protected route to public", route.Method, route.Path)
		}
		return fmt.Errorf("route %s %s: already registered", route.Method, route.Path)
	}
	r.routes[key] = route
	return nil
}

// Lookup resolves a route by method and path.
func (r *Router) Lookup(method, path string) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[routeKey(method, path)]
	return route, ok
}

// Routes returns a snapshot of all registered routes.
func (r *Router) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	return out
}

// CompileSchema parses an inline JSON schema document for a route contract.
// Called at startup; a bad contract is a startup error, not a runtime one.
func CompileSchema(name string, doc []byte) (*jsonschema.Schema, error) {
	var raw any
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", raw); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return schema, nil
}
