package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mohae/deepcopy"
)

// Well-known litellm_params keys that are lifted into typed fields
const (
	ParamModel             = "model"
	ParamCustomLLMProvider = "custom_llm_provider"
	ParamAPIBase           = "api_base"
	ParamAPIVersion        = "api_version"
	ParamAPIKey            = "api_key"
)

// DeploymentRecord is one configured backend target owned by the router registry
type DeploymentRecord struct {
	ModelName     string           `json:"model_name" yaml:"model_name"`
	LiteLLMParams DeploymentParams `json:"litellm_params" yaml:"litellm_params"`
	ModelInfo     *ModelInfo       `json:"model_info" yaml:"model_info"`
}

// ModelInfo carries the reporting identity of a deployment
type ModelInfo struct {
	ID string `json:"id" yaml:"id"`
}

// ID returns the registry identity of the record, or "" when model_info is absent
func (d *DeploymentRecord) ID() string {
	if d.ModelInfo == nil {
		return ""
	}
	return d.ModelInfo.ID
}

// Clone returns a copy that shares no mutable state with d
func (d *DeploymentRecord) Clone() *DeploymentRecord {
	clone := &DeploymentRecord{
		ModelName:     d.ModelName,
		LiteLLMParams: d.LiteLLMParams.Clone(),
	}
	if d.ModelInfo != nil {
		info := *d.ModelInfo
		clone.ModelInfo = &info
	}
	return clone
}

// DeploymentParams is a snapshot of a deployment's connection parameters.
// The typed fields cover the keys the router reads; everything else is kept in extra.
type DeploymentParams struct {
	Model             string
	CustomLLMProvider string
	APIBase           string
	APIVersion        string
	APIKey            string

	extra map[string]interface{}
}

// NewDeploymentParams builds a snapshot from a loosely typed parameter map.
// The input map is not retained.
func NewDeploymentParams(raw map[string]interface{}) DeploymentParams {
	p := DeploymentParams{extra: make(map[string]interface{})}
	for key, value := range raw {
		switch key {
		case ParamModel:
			p.Model = stringValue(value)
		case ParamCustomLLMProvider:
			p.CustomLLMProvider = stringValue(value)
		case ParamAPIBase:
			p.APIBase = stringValue(value)
		case ParamAPIVersion:
			p.APIVersion = stringValue(value)
		case ParamAPIKey:
			p.APIKey = stringValue(value)
		default:
			p.extra[key] = deepcopy.Copy(value)
		}
	}
	return p
}

// Get returns a deep copy of the named parameter
func (p DeploymentParams) Get(key string) (interface{}, bool) {
	switch key {
	case ParamModel:
		return p.Model, p.Model != ""
	case ParamCustomLLMProvider:
		return p.CustomLLMProvider, p.CustomLLMProvider != ""
	case ParamAPIBase:
		return p.APIBase, p.APIBase != ""
	case ParamAPIVersion:
		return p.APIVersion, p.APIVersion != ""
	case ParamAPIKey:
		return p.APIKey, p.APIKey != ""
	}
	value, ok := p.extra[key]
	if !ok {
		return nil, false
	}
	return deepcopy.Copy(value), true
}

// Clone returns an independent copy of the snapshot
func (p DeploymentParams) Clone() DeploymentParams {
	clone := p
	clone.extra = make(map[string]interface{}, len(p.extra))
	for key, value := range p.extra {
		clone.extra[key] = deepcopy.Copy(value)
	}
	return clone
}

// Map flattens the snapshot back into a fresh parameter map
func (p DeploymentParams) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(p.extra)+5)
	for key, value := range p.extra {
		out[key] = deepcopy.Copy(value)
	}
	setIfNotEmpty(out, ParamModel, p.Model)
	setIfNotEmpty(out, ParamCustomLLMProvider, p.CustomLLMProvider)
	setIfNotEmpty(out, ParamAPIBase, p.APIBase)
	setIfNotEmpty(out, ParamAPIVersion, p.APIVersion)
	setIfNotEmpty(out, ParamAPIKey, p.APIKey)
	return out
}

// Redacted is Map without credentials, for display
func (p DeploymentParams) Redacted() map[string]interface{} {
	out := p.Map()
	delete(out, ParamAPIKey)
	return out
}

func (p DeploymentParams) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}

func (p *DeploymentParams) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = NewDeploymentParams(raw)
	return nil
}

func (p DeploymentParams) MarshalYAML() (interface{}, error) {
	return p.Map(), nil
}

func (p *DeploymentParams) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw map[string]interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*p = NewDeploymentParams(raw)
	return nil
}

// ExceptionStatus classifies the failure that triggered a cooldown.
// Routers report it either as an HTTP status code or as a free-form string.
type ExceptionStatus string

// StatusFromCode converts a numeric status into an ExceptionStatus
func StatusFromCode(code int) ExceptionStatus {
	return ExceptionStatus(strconv.Itoa(code))
}

func (s ExceptionStatus) String() string {
	return string(s)
}

// UnmarshalJSON accepts both `429` and `"429"`
func (s *ExceptionStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = ExceptionStatus(str)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("exception status must be a string or a number: %w", err)
	}
	*s = ExceptionStatus(num.String())
	return nil
}

// CooldownEvent is created by the router when it decides to cool a deployment down
type CooldownEvent struct {
	ID              string          `json:"id"`
	DeploymentID    string          `json:"deployment_id"`
	ExceptionStatus ExceptionStatus `json:"exception_status"`
	CooldownSeconds float64         `json:"cooldown_seconds"`
	Timestamp       time.Time       `json:"timestamp"`
}

// CooldownDuration converts CooldownSeconds into a time.Duration
func (e CooldownEvent) CooldownDuration() time.Duration {
	return time.Duration(e.CooldownSeconds * float64(time.Second))
}

// ReportingContext holds the resolved labels for one cooldown notification
type ReportingContext struct {
	ModelName string `json:"model_name"`
	ModelID   string `json:"model_id"`
	APIBase   string `json:"api_base"`
	Provider  string `json:"provider"`
}

func stringValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func setIfNotEmpty(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}
