// Package cooldown reports router cooldown decisions to the active metrics sink.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-cooldown/internal/metrics"
	"github.com/tributary-ai/llm-router-cooldown/internal/providers"
	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

// ErrMissingModelID means the registry returned a deployment without model_info.id
var ErrMissingModelID = errors.New("deployment has no model_info.id")

// DeploymentLookup is the read side of the router's deployment registry
type DeploymentLookup interface {
	GetDeployment(modelID string) (*types.DeploymentRecord, bool)
	IsCoolingDown(modelID string) bool
}

// ProviderResolver derives endpoint and provider for a deployment
type ProviderResolver interface {
	ResolveAPIBase(modelName string, params types.DeploymentParams) string
	ResolveProvider(model, customProvider string) (providers.Resolution, error)
}

// Handler translates cooldown events into sink calls. It holds no per-event
// state and is safe to invoke concurrently. Gauge writes for one deployment
// are serialized so a late recovery cannot overwrite a newer outage.
type Handler struct {
	deployments DeploymentLookup
	resolver    ProviderResolver
	sinks       *metrics.Registry
	integration string
	logger      *logrus.Logger

	locks sync.Map // deployment id -> *sync.Mutex
}

// NewHandler creates a handler that reports to the sink registered under
// integration (metrics.IntegrationPrometheus when empty).
func NewHandler(deployments DeploymentLookup, resolver ProviderResolver, sinks *metrics.Registry, integration string, logger *logrus.Logger) *Handler {
	if integration == "" {
		integration = metrics.IntegrationPrometheus
	}
	if sinks == nil {
		sinks = metrics.DefaultRegistry()
	}
	return &Handler{
		deployments: deployments,
		resolver:    resolver,
		sinks:       sinks,
		integration: integration,
		logger:      logger,
	}
}

// Handle marks the event's deployment as in complete outage and increments its
// cooldown counter. Missing deployments, missing sinks, unresolvable providers
// and sink failures are logged and absorbed. The only returned error is
// ErrMissingModelID, which signals a corrupt registry record.
func (h *Handler) Handle(ctx context.Context, event types.CooldownEvent) error {
	logger := h.logger.WithContext(ctx).WithFields(logrus.Fields{
		"event_id":         event.ID,
		"deployment_id":    event.DeploymentID,
		"exception_status": event.ExceptionStatus.String(),
		"cooldown_seconds": event.CooldownSeconds,
	})
	logger.Debug("Handling deployment cooldown event")

	unlock := h.lock(event.DeploymentID)
	defer unlock()

	deployment, ok := h.deployments.GetDeployment(event.DeploymentID)
	if !ok || deployment == nil {
		logger.Warn("Cooldown event for unknown deployment, doing nothing")
		return nil
	}

	rc, err := h.reportingContext(deployment, logger)
	if err != nil {
		return fmt.Errorf("cooldown event %s: %w", event.DeploymentID, err)
	}
	logger = logger.WithFields(reportingFields(rc))

	sink, ok := h.sinks.Lookup(h.integration)
	if !ok {
		logger.WithField("integration", h.integration).Debug("No metrics sink registered, skipping cooldown report")
		return nil
	}

	h.emit(logger, "set_deployment_complete_outage", func() error {
		return sink.SetDeploymentCompleteOutage(rc)
	})
	h.emit(logger, "increment_deployment_cooled_down", func() error {
		return sink.IncrementDeploymentCooledDown(rc, event.ExceptionStatus.String())
	})

	logger.Debug("Deployment cooldown reported")
	return nil
}

// HandleRecovery marks a deployment healthy again once its cooldown expired.
// Nothing is written when the deployment went back into cooldown in the
// meantime. Failure handling matches Handle.
func (h *Handler) HandleRecovery(ctx context.Context, deploymentID string) error {
	logger := h.logger.WithContext(ctx).WithField("deployment_id", deploymentID)

	unlock := h.lock(deploymentID)
	defer unlock()

	if h.deployments.IsCoolingDown(deploymentID) {
		logger.Debug("Deployment is cooling down again, skipping recovery report")
		return nil
	}

	deployment, ok := h.deployments.GetDeployment(deploymentID)
	if !ok || deployment == nil {
		logger.Debug("Recovered deployment no longer registered, doing nothing")
		return nil
	}

	return h.report(deployment, logger, "set_deployment_healthy", func(sink metrics.DeploymentSink, rc types.ReportingContext) error {
		return sink.SetDeploymentHealthy(rc)
	})
}

// HandleFailure marks a deployment as in partial outage after a failed call
// that did not cool it down. A deployment in cooldown stays in complete outage.
func (h *Handler) HandleFailure(ctx context.Context, deploymentID string, status types.ExceptionStatus) error {
	logger := h.logger.WithContext(ctx).WithFields(logrus.Fields{
		"deployment_id":    deploymentID,
		"exception_status": status.String(),
	})

	unlock := h.lock(deploymentID)
	defer unlock()

	if h.deployments.IsCoolingDown(deploymentID) {
		logger.Debug("Deployment is cooling down, keeping complete outage")
		return nil
	}

	deployment, ok := h.deployments.GetDeployment(deploymentID)
	if !ok || deployment == nil {
		logger.Warn("Failure report for unknown deployment, doing nothing")
		return nil
	}

	return h.report(deployment, logger, "set_deployment_partial_outage", func(sink metrics.DeploymentSink, rc types.ReportingContext) error {
		return sink.SetDeploymentPartialOutage(rc)
	})
}

// HandleRemoval resets the state of a deployment that left the registry so
// its series no longer reports an outage.
func (h *Handler) HandleRemoval(ctx context.Context, deployment *types.DeploymentRecord) error {
	if deployment == nil {
		return nil
	}
	logger := h.logger.WithContext(ctx).WithField("deployment_id", deployment.ID())

	unlock := h.lock(deployment.ID())
	defer unlock()

	return h.report(deployment, logger, "set_deployment_healthy", func(sink metrics.DeploymentSink, rc types.ReportingContext) error {
		return sink.SetDeploymentHealthy(rc)
	})
}

// report resolves labels for deployment and runs one gauge write on the sink
func (h *Handler) report(deployment *types.DeploymentRecord, logger *logrus.Entry, operation string, write func(metrics.DeploymentSink, types.ReportingContext) error) error {
	rc, err := h.reportingContext(deployment, logger)
	if err != nil {
		return fmt.Errorf("%s for %s: %w", operation, deployment.ID(), err)
	}
	logger = logger.WithFields(reportingFields(rc))

	sink, ok := h.sinks.Lookup(h.integration)
	if !ok {
		return nil
	}

	h.emit(logger, operation, func() error {
		return write(sink, rc)
	})
	logger.WithField("operation", operation).Debug("Deployment state reported")
	return nil
}

// lock acquires the per-deployment mutex and returns its release
func (h *Handler) lock(deploymentID string) func() {
	value, _ := h.locks.LoadOrStore(deploymentID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// reportingContext resolves labels from a private copy of the deployment params
func (h *Handler) reportingContext(deployment *types.DeploymentRecord, logger *logrus.Entry) (types.ReportingContext, error) {
	params := deployment.LiteLLMParams.Clone()
	modelName := deployment.ModelName

	rc := types.ReportingContext{
		ModelName: modelName,
		APIBase:   h.resolver.ResolveAPIBase(modelName, params),
	}

	res, err := h.resolver.ResolveProvider(params.Model, params.CustomLLMProvider)
	if err != nil {
		logger.WithError(err).WithField("model", params.Model).Debug("Could not resolve provider, reporting empty provider")
	} else {
		rc.Provider = res.Provider
	}

	if deployment.ModelInfo == nil || deployment.ModelInfo.ID == "" {
		return types.ReportingContext{}, ErrMissingModelID
	}
	rc.ModelID = deployment.ModelInfo.ID

	return rc, nil
}

// emit runs one sink call, absorbing returned errors and panics
func (h *Handler) emit(logger *logrus.Entry, operation string, call func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("operation", operation).Errorf("Metrics sink panicked: %v", r)
		}
	}()

	if err := call(); err != nil {
		logger.WithError(err).WithField("operation", operation).Warn("Metrics sink call failed")
	}
}

func reportingFields(rc types.ReportingContext) logrus.Fields {
	return logrus.Fields{
		"model_name": rc.ModelName,
		"model_id":   rc.ModelID,
		"api_base":   rc.APIBase,
		"provider":   rc.Provider,
	}
}
