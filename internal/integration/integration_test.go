package integration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-router-cooldown/internal/config"
	"github.com/tributary-ai/llm-router-cooldown/internal/cooldown"
	"github.com/tributary-ai/llm-router-cooldown/internal/metrics"
	"github.com/tributary-ai/llm-router-cooldown/internal/providers"
	"github.com/tributary-ai/llm-router-cooldown/internal/routing"
	"github.com/tributary-ai/llm-router-cooldown/internal/server"
	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

const testConfig = `
logging:
  level: warn
model_list:
  - model_name: gpt-x
    litellm_params:
      model: gpt-x
    model_info:
      id: abc
  - model_name: azure-gpt
    litellm_params:
      model: azure/gpt-4o
      api_base: https://example.openai.azure.com
    model_info:
      id: def
`

func TestCooldownToPrometheus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	router := routing.NewRouter(logger)
	for _, model := range cfg.ModelList {
		_, err := router.AddDeployment(model)
		require.NoError(t, err)
	}

	sink, err := metrics.NewPrometheusSink(metrics.PrometheusConfig{
		Namespace: cfg.Metrics.Namespace,
		Registry:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	sinks := metrics.NewRegistry()
	require.NoError(t, sinks.Register(cfg.Metrics.Integration, sink))

	handler := cooldown.NewHandler(router, providers.NewResolver(cfg.Providers.APIBases), sinks, cfg.Metrics.Integration, logger)
	router.OnCooldown(handler.Handle)
	router.OnRecovery(handler.HandleRecovery)

	srv, err := server.NewServer(router, sinks, sink.Handler(), cfg.ToServerConfig(), logger)
	require.NoError(t, err)
	h := srv.Handler()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/deployments/abc/cooldown", strings.NewReader(`{"exception_status": 429, "cooldown_seconds": 30}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	_, err = router.CooldownDeployment(context.Background(), "def", "RateLimitError", 10)
	require.NoError(t, err)
	router.Wait()

	expected := `
# HELP litellm_deployment_cooled_down_total Number of times a deployment was put into cooldown by the router
# TYPE litellm_deployment_cooled_down_total counter
litellm_deployment_cooled_down_total{api_base="https://api.openai.com/v1",api_provider="openai",exception_status="429",litellm_model_name="gpt-x",model_id="abc"} 3
litellm_deployment_cooled_down_total{api_base="https://example.openai.azure.com",api_provider="azure",exception_status="RateLimitError",litellm_model_name="azure-gpt",model_id="def"} 1
# HELP litellm_deployment_state Deployment health state: 0 = healthy, 1 = partial outage, 2 = complete outage
# TYPE litellm_deployment_state gauge
litellm_deployment_state{api_base="https://api.openai.com/v1",api_provider="openai",litellm_model_name="gpt-x",model_id="abc"} 2
litellm_deployment_state{api_base="https://example.openai.azure.com",api_provider="azure",litellm_model_name="azure-gpt",model_id="def"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(sink.Gatherer(), strings.NewReader(expected),
		"litellm_deployment_cooled_down_total", "litellm_deployment_state"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `model_id="abc"`)
}

func TestRecoveryMarksDeploymentHealthy(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	router := routing.NewRouter(logger)
	id, err := router.AddDeployment(types.DeploymentRecord{
		ModelName:     "claude",
		LiteLLMParams: types.NewDeploymentParams(map[string]interface{}{"model": "anthropic/claude-3-haiku"}),
	})
	require.NoError(t, err)

	sink := metrics.NewMemorySink()
	sinks := metrics.NewRegistry()
	require.NoError(t, sinks.Register(metrics.IntegrationPrometheus, sink))

	handler := cooldown.NewHandler(router, providers.NewResolver(nil), sinks, "", logger)
	router.OnCooldown(handler.Handle)
	router.OnRecovery(handler.HandleRecovery)

	_, err = router.CooldownDeployment(context.Background(), id, "503", 0.05)
	require.NoError(t, err)
	router.Wait()

	rc := types.ReportingContext{
		ModelName: "claude",
		ModelID:   id,
		APIBase:   providers.DefaultAPIBase(providers.Anthropic),
		Provider:  providers.Anthropic,
	}
	state, ok := sink.State(rc)
	require.True(t, ok)
	assert.Equal(t, metrics.DeploymentCompleteOutage, state)

	require.Eventually(t, func() bool {
		return len(router.ExpireCooldowns(context.Background())) == 1
	}, time.Second, 10*time.Millisecond)
	router.Wait()

	state, _ = sink.State(rc)
	assert.Equal(t, metrics.DeploymentHealthy, state)
	assert.Equal(t, 1, sink.CooledDown(rc, "503"))
}

func TestRecoveryDoesNotOverwriteNewCooldown(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	router := routing.NewRouter(logger)
	sink := metrics.NewMemorySink()
	sinks := metrics.NewRegistry()
	require.NoError(t, sinks.Register(metrics.IntegrationPrometheus, sink))

	handler := cooldown.NewHandler(router, providers.NewResolver(nil), sinks, "", logger)
	router.OnCooldown(handler.Handle)
	router.OnRecovery(handler.HandleRecovery)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		id, err := router.AddDeployment(types.DeploymentRecord{
			ModelName:     "gpt-x",
			LiteLLMParams: types.NewDeploymentParams(map[string]interface{}{"model": "gpt-4o", "rpm": i}),
		})
		require.NoError(t, err)

		_, err = router.CooldownDeployment(ctx, id, "429", 0.01)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			for _, recovered := range router.ExpireCooldowns(ctx) {
				if recovered == id {
					return true
				}
			}
			return false
		}, time.Second, 2*time.Millisecond)

		_, err = router.CooldownDeployment(ctx, id, "429", 30)
		require.NoError(t, err)
		router.Wait()

		rc := types.ReportingContext{
			ModelName: "gpt-x",
			ModelID:   id,
			APIBase:   providers.DefaultAPIBase(providers.OpenAI),
			Provider:  providers.OpenAI,
		}
		require.True(t, router.IsCoolingDown(id))
		state, ok := sink.State(rc)
		require.True(t, ok)
		assert.Equal(t, metrics.DeploymentCompleteOutage, state, "iteration %d", i)
	}
}

func TestDeploymentsDifferingOnlyByKeyAllRegister(t *testing.T) {
	const keyedConfig = `
model_list:
  - model_name: gpt-4o
    litellm_params:
      model: gpt-4o
      api_key: key-one
  - model_name: gpt-4o
    litellm_params:
      model: gpt-4o
      api_key: key-two
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(keyedConfig), 0644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	router := routing.NewRouter(logger)

	ids := map[string]bool{}
	for _, model := range cfg.ModelList {
		id, err := router.AddDeployment(model)
		require.NoError(t, err)
		ids[id] = true
	}
	assert.Len(t, ids, 2)
}

func TestRemovedDeploymentReportsHealthy(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	router := routing.NewRouter(logger)
	sink := metrics.NewMemorySink()
	sinks := metrics.NewRegistry()
	require.NoError(t, sinks.Register(metrics.IntegrationPrometheus, sink))

	handler := cooldown.NewHandler(router, providers.NewResolver(nil), sinks, "", logger)
	router.OnCooldown(handler.Handle)
	router.OnRemoval(handler.HandleRemoval)

	ctx := context.Background()
	id, err := router.AddDeployment(types.DeploymentRecord{
		ModelName:     "gpt-x",
		LiteLLMParams: types.NewDeploymentParams(map[string]interface{}{"model": "gpt-4o"}),
		ModelInfo:     &types.ModelInfo{ID: "abc"},
	})
	require.NoError(t, err)

	_, err = router.CooldownDeployment(ctx, id, "429", 30)
	require.NoError(t, err)
	router.Wait()
	require.NoError(t, router.RemoveDeployment(ctx, id))
	router.Wait()

	rc := types.ReportingContext{
		ModelName: "gpt-x",
		ModelID:   "abc",
		APIBase:   providers.DefaultAPIBase(providers.OpenAI),
		Provider:  providers.OpenAI,
	}
	state, ok := sink.State(rc)
	require.True(t, ok)
	assert.Equal(t, metrics.DeploymentHealthy, state)
	assert.Equal(t, 1, sink.CooledDown(rc, "429"))
}
