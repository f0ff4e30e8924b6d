package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

var (
	ErrDeploymentExists   = errors.New("deployment already registered")
	ErrDeploymentNotFound = errors.New("deployment not found")
)

// CooldownCallback is invoked once per cooldown event on its own goroutine
type CooldownCallback func(ctx context.Context, event types.CooldownEvent) error

// RecoveryCallback is invoked when a deployment's cooldown has expired
type RecoveryCallback func(ctx context.Context, deploymentID string) error

// FailureCallback is invoked for a failed call that did not trigger a cooldown
type FailureCallback func(ctx context.Context, deploymentID string, status types.ExceptionStatus) error

// RemovalCallback receives a copy of a deployment after it left the registry
type RemovalCallback func(ctx context.Context, deployment *types.DeploymentRecord) error

// Router owns the deployment registry and the cooldown bookkeeping.
// Which deployment to cool down and for how long is decided by the caller.
type Router struct {
	mu          sync.RWMutex
	deployments map[string]*types.DeploymentRecord
	order       []string
	cooldowns   map[string]time.Time

	callbacksMu       sync.RWMutex
	cooldownCallbacks []CooldownCallback
	recoveryCallbacks []RecoveryCallback
	failureCallbacks  []FailureCallback
	removalCallbacks  []RemovalCallback

	inflight sync.WaitGroup
	logger   *logrus.Logger
	now      func() time.Time
}

// NewRouter creates a new router instance
func NewRouter(logger *logrus.Logger) *Router {
	return &Router{
		deployments: make(map[string]*types.DeploymentRecord),
		order:       make([]string, 0),
		cooldowns:   make(map[string]time.Time),
		logger:      logger,
		now:         time.Now,
	}
}

// AddDeployment registers a copy of record and returns its model id. Records
// without model_info.id get a deterministic id derived from name and params.
func (r *Router) AddDeployment(record types.DeploymentRecord) (string, error) {
	deployment := record.Clone()
	if deployment.ID() == "" {
		deployment.ModelInfo = &types.ModelInfo{ID: generateModelID(deployment)}
	}
	id := deployment.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.deployments[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrDeploymentExists, id)
	}
	r.deployments[id] = deployment
	r.order = append(r.order, id)

	r.logger.WithFields(logrus.Fields{
		"model_id":   id,
		"model_name": deployment.ModelName,
		"model":      deployment.LiteLLMParams.Model,
	}).Info("Deployment registered")

	return id, nil
}

// RemoveDeployment drops a deployment and any cooldown it is in, then
// notifies removal callbacks with the dropped record.
func (r *Router) RemoveDeployment(ctx context.Context, modelID string) error {
	r.mu.Lock()
	deployment, exists := r.deployments[modelID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, modelID)
	}
	delete(r.deployments, modelID)
	delete(r.cooldowns, modelID)
	for i, id := range r.order {
		if id == modelID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.WithField("model_id", modelID).Info("Deployment removed")
	r.dispatchRemoval(ctx, deployment)
	return nil
}

// GetDeployment returns a copy of the deployment registered under modelID
func (r *Router) GetDeployment(modelID string) (*types.DeploymentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	deployment, exists := r.deployments[modelID]
	if !exists {
		return nil, false
	}
	return deployment.Clone(), true
}

// ListDeployments returns copies of all deployments in registration order
func (r *Router) ListDeployments() []*types.DeploymentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.DeploymentRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.deployments[id].Clone())
	}
	return out
}

// OnCooldown registers a callback for cooldown events
func (r *Router) OnCooldown(cb CooldownCallback) {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	r.cooldownCallbacks = append(r.cooldownCallbacks, cb)
}

// OnRecovery registers a callback for expired cooldowns
func (r *Router) OnRecovery(cb RecoveryCallback) {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	r.recoveryCallbacks = append(r.recoveryCallbacks, cb)
}

// OnFailure registers a callback for failures reported outside a cooldown
func (r *Router) OnFailure(cb FailureCallback) {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	r.failureCallbacks = append(r.failureCallbacks, cb)
}

// OnRemoval registers a callback for removed deployments
func (r *Router) OnRemoval(cb RemovalCallback) {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	r.removalCallbacks = append(r.removalCallbacks, cb)
}

// ReportFailure records a failed call against a deployment without cooling it
// down and notifies failure callbacks asynchronously.
func (r *Router) ReportFailure(ctx context.Context, deploymentID string, status types.ExceptionStatus) error {
	r.mu.RLock()
	_, exists := r.deployments[deploymentID]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}

	r.logger.WithFields(logrus.Fields{
		"deployment_id":    deploymentID,
		"exception_status": status.String(),
	}).Debug("Deployment failure reported")

	r.dispatchFailure(ctx, deploymentID, status)
	return nil
}

// CooldownDeployment puts a deployment into cooldown for cooldownSeconds and
// notifies cooldown callbacks asynchronously. It does not wait for them.
func (r *Router) CooldownDeployment(ctx context.Context, deploymentID string, status types.ExceptionStatus, cooldownSeconds float64) (types.CooldownEvent, error) {
	if cooldownSeconds <= 0 {
		return types.CooldownEvent{}, fmt.Errorf("cooldown must be positive, got %v", cooldownSeconds)
	}

	event := types.CooldownEvent{
		ID:              uuid.NewString(),
		DeploymentID:    deploymentID,
		ExceptionStatus: status,
		CooldownSeconds: cooldownSeconds,
		Timestamp:       r.now(),
	}

	r.mu.Lock()
	if _, exists := r.deployments[deploymentID]; !exists {
		r.mu.Unlock()
		return types.CooldownEvent{}, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	until := event.Timestamp.Add(event.CooldownDuration())
	if current, ok := r.cooldowns[deploymentID]; !ok || until.After(current) {
		r.cooldowns[deploymentID] = until
	}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"event_id":         event.ID,
		"deployment_id":    deploymentID,
		"exception_status": status.String(),
		"cooldown_seconds": cooldownSeconds,
	}).Info("Deployment put into cooldown")

	r.dispatchCooldown(ctx, event)
	return event, nil
}

// IsCoolingDown reports whether a deployment is currently in cooldown
func (r *Router) IsCoolingDown(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	until, ok := r.cooldowns[modelID]
	return ok && r.now().Before(until)
}

// Cooldowns returns active cooldowns keyed by model id
func (r *Router) Cooldowns() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	active := make(map[string]time.Time, len(r.cooldowns))
	for id, until := range r.cooldowns {
		if now.Before(until) {
			active[id] = until
		}
	}
	return active
}

// ExpireCooldowns clears elapsed cooldowns, notifies recovery callbacks and
// returns the recovered ids.
func (r *Router) ExpireCooldowns(ctx context.Context) []string {
	r.mu.Lock()
	now := r.now()
	var recovered []string
	for id, until := range r.cooldowns {
		if !now.Before(until) {
			recovered = append(recovered, id)
			delete(r.cooldowns, id)
		}
	}
	r.mu.Unlock()

	for _, id := range recovered {
		r.logger.WithField("deployment_id", id).Info("Deployment cooldown expired")
		r.dispatchRecovery(ctx, id)
	}
	return recovered
}

// RunCooldownExpiry calls ExpireCooldowns every interval until ctx is done
func (r *Router) RunCooldownExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireCooldowns(ctx)
		}
	}
}

// Wait blocks until every dispatched callback has returned
func (r *Router) Wait() {
	r.inflight.Wait()
}

func (r *Router) dispatchCooldown(ctx context.Context, event types.CooldownEvent) {
	r.callbacksMu.RLock()
	callbacks := append([]CooldownCallback(nil), r.cooldownCallbacks...)
	r.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		r.dispatch(ctx, "cooldown", event.DeploymentID, func(ctx context.Context) error {
			return cb(ctx, event)
		})
	}
}

func (r *Router) dispatchRecovery(ctx context.Context, deploymentID string) {
	r.callbacksMu.RLock()
	callbacks := append([]RecoveryCallback(nil), r.recoveryCallbacks...)
	r.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		r.dispatch(ctx, "recovery", deploymentID, func(ctx context.Context) error {
			return cb(ctx, deploymentID)
		})
	}
}

func (r *Router) dispatchFailure(ctx context.Context, deploymentID string, status types.ExceptionStatus) {
	r.callbacksMu.RLock()
	callbacks := append([]FailureCallback(nil), r.failureCallbacks...)
	r.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		r.dispatch(ctx, "failure", deploymentID, func(ctx context.Context) error {
			return cb(ctx, deploymentID, status)
		})
	}
}

func (r *Router) dispatchRemoval(ctx context.Context, deployment *types.DeploymentRecord) {
	r.callbacksMu.RLock()
	callbacks := append([]RemovalCallback(nil), r.removalCallbacks...)
	r.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		r.dispatch(ctx, "removal", deployment.ID(), func(ctx context.Context) error {
			return cb(ctx, deployment.Clone())
		})
	}
}

// dispatch runs call on its own goroutine, detached from ctx cancellation
func (r *Router) dispatch(ctx context.Context, kind, deploymentID string, call func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer r.recoverCallback(kind, deploymentID)

		if err := call(ctx); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"callback":      kind,
				"deployment_id": deploymentID,
			}).Error("Callback failed")
		}
	}()
}

func (r *Router) recoverCallback(kind, deploymentID string) {
	if rec := recover(); rec != nil {
		r.logger.WithFields(logrus.Fields{
			"callback":      kind,
			"deployment_id": deploymentID,
		}).Errorf("Callback panicked: %v", rec)
	}
}

// generateModelID derives a stable id from the model name and the full
// parameter map, so restarts keep metric series intact. Deployments that
// differ only by credentials or extra params get distinct ids.
func generateModelID(d *types.DeploymentRecord) string {
	params := d.LiteLLMParams.Map()
	encoded, err := json.Marshal(params)
	if err != nil {
		// fmt prints map keys in sorted order as well
		encoded = []byte(fmt.Sprintf("%v", params))
	}
	key := append([]byte(d.ModelName+"|"), encoded...)
	return uuid.NewSHA1(uuid.NameSpaceOID, key).String()
}
