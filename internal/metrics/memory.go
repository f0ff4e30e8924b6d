package metrics

import (
	"sync"

	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

// cooldownKey identifies one cooldown counter series
type cooldownKey struct {
	types.ReportingContext
	ExceptionStatus string
}

// MemorySink keeps metrics in memory. Used when no exporter is configured and in tests.
type MemorySink struct {
	mu        sync.Mutex
	states    map[types.ReportingContext]DeploymentState
	counters  map[cooldownKey]int
	stateSets int
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{
		states:   make(map[types.ReportingContext]DeploymentState),
		counters: make(map[cooldownKey]int),
	}
}

func (m *MemorySink) SetDeploymentCompleteOutage(rc types.ReportingContext) error {
	m.setState(rc, DeploymentCompleteOutage)
	return nil
}

func (m *MemorySink) SetDeploymentPartialOutage(rc types.ReportingContext) error {
	m.setState(rc, DeploymentPartialOutage)
	return nil
}

func (m *MemorySink) SetDeploymentHealthy(rc types.ReportingContext) error {
	m.setState(rc, DeploymentHealthy)
	return nil
}

func (m *MemorySink) IncrementDeploymentCooledDown(rc types.ReportingContext, exceptionStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[cooldownKey{ReportingContext: rc, ExceptionStatus: exceptionStatus}]++
	return nil
}

func (m *MemorySink) setState(rc types.ReportingContext, state DeploymentState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[rc] = state
	m.stateSets++
}

// State returns the last state set for rc
func (m *MemorySink) State(rc types.ReportingContext) (DeploymentState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[rc]
	return state, ok
}

// CooledDown returns the counter value for rc and exceptionStatus
func (m *MemorySink) CooledDown(rc types.ReportingContext, exceptionStatus string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[cooldownKey{ReportingContext: rc, ExceptionStatus: exceptionStatus}]
}

// StateSets returns how many gauge writes the sink has received
func (m *MemorySink) StateSets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateSets
}
