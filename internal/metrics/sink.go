package metrics

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

// IntegrationPrometheus is the integration name the Prometheus sink registers under
const IntegrationPrometheus = "prometheus"

var (
	// ErrSinkNotRegistered is returned when no sink exists for an integration name
	ErrSinkNotRegistered = errors.New("metrics sink not registered")

	// ErrSinkExists is returned when an integration name is already taken
	ErrSinkExists = errors.New("metrics sink already registered")
)

// DeploymentState is the value of the per-deployment outage gauge
type DeploymentState int

const (
	DeploymentHealthy DeploymentState = iota
	DeploymentPartialOutage
	DeploymentCompleteOutage
)

func (s DeploymentState) String() string {
	switch s {
	case DeploymentHealthy:
		return "healthy"
	case DeploymentPartialOutage:
		return "partial_outage"
	case DeploymentCompleteOutage:
		return "complete_outage"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DeploymentSink receives deployment health transitions.
// Gauge setters are last-write-wins; IncrementDeploymentCooledDown adds exactly one.
// Implementations must be safe for concurrent use.
type DeploymentSink interface {
	SetDeploymentCompleteOutage(rc types.ReportingContext) error
	SetDeploymentPartialOutage(rc types.ReportingContext) error
	SetDeploymentHealthy(rc types.ReportingContext) error
	IncrementDeploymentCooledDown(rc types.ReportingContext, exceptionStatus string) error
}

// Registry maps integration names to active sinks. It is populated at startup
// and read on every notification.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]DeploymentSink
}

// NewRegistry creates an empty sink registry
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]DeploymentSink)}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry, creating it on first use
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register adds a sink under name
func (r *Registry) Register(name string, sink DeploymentSink) error {
	if sink == nil {
		return fmt.Errorf("nil sink for integration %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks[name]; exists {
		return fmt.Errorf("%w: %s", ErrSinkExists, name)
	}
	r.sinks[name] = sink
	return nil
}

// Unregister removes the sink registered under name
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks[name]; !exists {
		return fmt.Errorf("%w: %s", ErrSinkNotRegistered, name)
	}
	delete(r.sinks, name)
	return nil
}

// Lookup returns the sink registered under name
func (r *Registry) Lookup(name string) (DeploymentSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sink, ok := r.sinks[name]
	return sink, ok
}

// Names lists registered integration names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	return names
}
