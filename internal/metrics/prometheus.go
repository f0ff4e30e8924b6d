package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

// DefaultNamespace prefixes every exported metric
const DefaultNamespace = "litellm"

var deploymentLabels = []string{"litellm_model_name", "model_id", "api_base", "api_provider"}

// PrometheusConfig configures the Prometheus sink
type PrometheusConfig struct {
	Namespace string
	// Registry to register collectors with. A private registry with Go and
	// process collectors is created when nil.
	Registry *prometheus.Registry
}

// PrometheusSink exports deployment state as Prometheus metrics
type PrometheusSink struct {
	registry        *prometheus.Registry
	deploymentState *prometheus.GaugeVec
	cooledDown      *prometheus.CounterVec
}

// NewPrometheusSink creates the sink and registers its collectors
func NewPrometheusSink(config PrometheusConfig) (*PrometheusSink, error) {
	namespace := config.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &PrometheusSink{
		registry: registry,
		deploymentState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployment_state",
				Help:      "Deployment health state: 0 = healthy, 1 = partial outage, 2 = complete outage",
			},
			deploymentLabels,
		),
		cooledDown: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_cooled_down_total",
				Help:      "Number of times a deployment was put into cooldown by the router",
			},
			append(append([]string{}, deploymentLabels...), "exception_status"),
		),
	}

	if err := registry.Register(s.deploymentState); err != nil {
		return nil, fmt.Errorf("failed to register deployment state gauge: %w", err)
	}
	if err := registry.Register(s.cooledDown); err != nil {
		return nil, fmt.Errorf("failed to register cooldown counter: %w", err)
	}

	return s, nil
}

func (s *PrometheusSink) SetDeploymentCompleteOutage(rc types.ReportingContext) error {
	return s.setState(rc, DeploymentCompleteOutage)
}

func (s *PrometheusSink) SetDeploymentPartialOutage(rc types.ReportingContext) error {
	return s.setState(rc, DeploymentPartialOutage)
}

func (s *PrometheusSink) SetDeploymentHealthy(rc types.ReportingContext) error {
	return s.setState(rc, DeploymentHealthy)
}

func (s *PrometheusSink) IncrementDeploymentCooledDown(rc types.ReportingContext, exceptionStatus string) error {
	counter, err := s.cooledDown.GetMetricWithLabelValues(rc.ModelName, rc.ModelID, rc.APIBase, rc.Provider, exceptionStatus)
	if err != nil {
		return fmt.Errorf("cooldown counter: %w", err)
	}
	counter.Inc()
	return nil
}

func (s *PrometheusSink) setState(rc types.ReportingContext, state DeploymentState) error {
	gauge, err := s.deploymentState.GetMetricWithLabelValues(rc.ModelName, rc.ModelID, rc.APIBase, rc.Provider)
	if err != nil {
		return fmt.Errorf("deployment state gauge: %w", err)
	}
	gauge.Set(float64(state))
	return nil
}

// Gatherer exposes the underlying registry
func (s *PrometheusSink) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
