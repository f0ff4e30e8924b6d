package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

var testContext = types.ReportingContext{
	ModelName: "gpt-x",
	ModelID:   "abc",
	APIBase:   "https://api.openai.com/v1",
	Provider:  "openai",
}

func newTestPrometheusSink(t *testing.T) *PrometheusSink {
	t.Helper()
	sink, err := NewPrometheusSink(PrometheusConfig{Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	return sink
}

func TestRegistry_RegisterLookup(t *testing.T) {
	registry := NewRegistry()
	sink := NewMemorySink()

	_, ok := registry.Lookup(IntegrationPrometheus)
	assert.False(t, ok)

	require.NoError(t, registry.Register(IntegrationPrometheus, sink))
	assert.ErrorIs(t, registry.Register(IntegrationPrometheus, sink), ErrSinkExists)
	assert.Error(t, registry.Register("nil", nil))

	got, ok := registry.Lookup(IntegrationPrometheus)
	require.True(t, ok)
	assert.Same(t, sink, got)
	assert.Equal(t, []string{IntegrationPrometheus}, registry.Names())

	require.NoError(t, registry.Unregister(IntegrationPrometheus))
	assert.ErrorIs(t, registry.Unregister(IntegrationPrometheus), ErrSinkNotRegistered)
}

func TestDefaultRegistry_IsShared(t *testing.T) {
	assert.Same(t, DefaultRegistry(), DefaultRegistry())
}

func TestPrometheusSink_DeploymentState(t *testing.T) {
	sink := newTestPrometheusSink(t)
	gauge := sink.deploymentState.WithLabelValues(testContext.ModelName, testContext.ModelID, testContext.APIBase, testContext.Provider)

	require.NoError(t, sink.SetDeploymentCompleteOutage(testContext))
	assert.Equal(t, float64(DeploymentCompleteOutage), testutil.ToFloat64(gauge))

	// Gauge semantics: last write wins
	require.NoError(t, sink.SetDeploymentCompleteOutage(testContext))
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge))

	require.NoError(t, sink.SetDeploymentPartialOutage(testContext))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	require.NoError(t, sink.SetDeploymentHealthy(testContext))
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
}

func TestPrometheusSink_CooledDownCounter(t *testing.T) {
	sink := newTestPrometheusSink(t)

	require.NoError(t, sink.IncrementDeploymentCooledDown(testContext, "429"))
	require.NoError(t, sink.IncrementDeploymentCooledDown(testContext, "429"))
	require.NoError(t, sink.IncrementDeploymentCooledDown(testContext, "500"))

	labels := []string{testContext.ModelName, testContext.ModelID, testContext.APIBase, testContext.Provider}
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.cooledDown.WithLabelValues(append(labels, "429")...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.cooledDown.WithLabelValues(append(labels, "500")...)))
	assert.Equal(t, 2, testutil.CollectAndCount(sink.cooledDown))
}

func TestPrometheusSink_ConcurrentIncrements(t *testing.T) {
	sink := newTestPrometheusSink(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.IncrementDeploymentCooledDown(testContext, "429"))
		}()
	}
	wg.Wait()

	counter := sink.cooledDown.WithLabelValues(testContext.ModelName, testContext.ModelID, testContext.APIBase, testContext.Provider, "429")
	assert.Equal(t, 100.0, testutil.ToFloat64(counter))
}

func TestPrometheusSink_Namespace(t *testing.T) {
	sink, err := NewPrometheusSink(PrometheusConfig{Namespace: "router", Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, sink.IncrementDeploymentCooledDown(testContext, "429"))

	expected := `
# HELP router_deployment_cooled_down_total Number of times a deployment was put into cooldown by the router
# TYPE router_deployment_cooled_down_total counter
router_deployment_cooled_down_total{api_base="https://api.openai.com/v1",api_provider="openai",exception_status="429",litellm_model_name="gpt-x",model_id="abc"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(sink.Gatherer(), strings.NewReader(expected), "router_deployment_cooled_down_total"))
}

func TestPrometheusSink_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewPrometheusSink(PrometheusConfig{Registry: registry})
	require.NoError(t, err)

	_, err = NewPrometheusSink(PrometheusConfig{Registry: registry})
	assert.Error(t, err)
}

func TestPrometheusSink_Handler(t *testing.T) {
	sink, err := NewPrometheusSink(PrometheusConfig{})
	require.NoError(t, err)
	require.NoError(t, sink.SetDeploymentCompleteOutage(testContext))

	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `litellm_deployment_state{api_base="https://api.openai.com/v1",api_provider="openai",litellm_model_name="gpt-x",model_id="abc"} 2`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()

	_, ok := sink.State(testContext)
	assert.False(t, ok)

	require.NoError(t, sink.SetDeploymentCompleteOutage(testContext))
	require.NoError(t, sink.IncrementDeploymentCooledDown(testContext, "429"))
	require.NoError(t, sink.IncrementDeploymentCooledDown(testContext, "429"))

	state, ok := sink.State(testContext)
	require.True(t, ok)
	assert.Equal(t, DeploymentCompleteOutage, state)
	assert.Equal(t, 2, sink.CooledDown(testContext, "429"))
	assert.Equal(t, 0, sink.CooledDown(testContext, "500"))
	assert.Equal(t, 1, sink.StateSets())

	require.NoError(t, sink.SetDeploymentPartialOutage(testContext))
	state, _ = sink.State(testContext)
	assert.Equal(t, DeploymentPartialOutage, state)
}

func TestDeploymentState_String(t *testing.T) {
	assert.Equal(t, "healthy", DeploymentHealthy.String())
	assert.Equal(t, "partial_outage", DeploymentPartialOutage.String())
	assert.Equal(t, "complete_outage", DeploymentCompleteOutage.String())
	assert.Equal(t, "unknown(7)", DeploymentState(7).String())
}
