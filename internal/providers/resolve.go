package providers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

var (
	// ErrMalformedModel is returned for empty or unparseable model strings
	ErrMalformedModel = errors.New("malformed model string")

	// ErrUnknownProvider is returned when no provider can be inferred
	ErrUnknownProvider = errors.New("unknown provider")
)

// Provider names
const (
	OpenAI      = "openai"
	Azure       = "azure"
	Anthropic   = "anthropic"
	Gemini      = "gemini"
	VertexAI    = "vertex_ai"
	Bedrock     = "bedrock"
	Mistral     = "mistral"
	Cohere      = "cohere"
	Groq        = "groq"
	Ollama      = "ollama"
	TogetherAI  = "together_ai"
	OpenRouter  = "openrouter"
	HuggingFace = "huggingface"
	DeepSeek    = "deepseek"
)

// defaultAPIBases maps providers with a fixed public endpoint to that endpoint.
// Providers missing here need a per-deployment api_base.
var defaultAPIBases = map[string]string{
	OpenAI:     openai.DefaultConfig("").BaseURL,
	Anthropic:  "https://api.anthropic.com",
	Gemini:     "https://generativelanguage.googleapis.com",
	Mistral:    "https://api.mistral.ai/v1",
	Cohere:     "https://api.cohere.ai/v1",
	Groq:       "https://api.groq.com/openai/v1",
	Ollama:     "http://localhost:11434",
	TogetherAI: "https://api.together.xyz/v1",
	OpenRouter: "https://openrouter.ai/api/v1",
	DeepSeek:   "https://api.deepseek.com",
}

var knownProviders = map[string]bool{
	OpenAI:      true,
	Azure:       true,
	Anthropic:   true,
	Gemini:      true,
	VertexAI:    true,
	Bedrock:     true,
	Mistral:     true,
	Cohere:      true,
	Groq:        true,
	Ollama:      true,
	TogetherAI:  true,
	OpenRouter:  true,
	HuggingFace: true,
	DeepSeek:    true,
}

// modelPrefixes infers a provider from a bare model name. Checked in order.
var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", OpenAI},
	{"o1", OpenAI},
	{"o3", OpenAI},
	{"o4-", OpenAI},
	{"chatgpt-", OpenAI},
	{"text-embedding-", OpenAI},
	{"dall-e-", OpenAI},
	{"whisper-", OpenAI},
	{"claude-", Anthropic},
	{"gemini-", Gemini},
	{"mistral-", Mistral},
	{"codestral-", Mistral},
	{"command", Cohere},
	{"deepseek-", DeepSeek},
}

// Resolution is the outcome of provider inference
type Resolution struct {
	// Model with any provider prefix stripped
	Model    string
	Provider string
	// APIBase is the endpoint implied by the provider, if it has a fixed one
	APIBase string
}

// ResolveProvider infers the provider for a model string. An explicit
// customProvider wins over anything encoded in the model string.
func ResolveProvider(model, customProvider string) (Resolution, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return Resolution{}, fmt.Errorf("%w: empty model", ErrMalformedModel)
	}

	if customProvider = strings.TrimSpace(customProvider); customProvider != "" {
		name := strings.ToLower(customProvider)
		return Resolution{
			Model:    strings.TrimPrefix(model, name+"/"),
			Provider: name,
			APIBase:  defaultAPIBases[name],
		}, nil
	}

	if prefix, rest, found := strings.Cut(model, "/"); found {
		name := strings.ToLower(prefix)
		if knownProviders[name] {
			if rest == "" {
				return Resolution{}, fmt.Errorf("%w: %q has no model after provider", ErrMalformedModel, model)
			}
			return Resolution{Model: rest, Provider: name, APIBase: defaultAPIBases[name]}, nil
		}
	}

	lower := strings.ToLower(model)
	for _, p := range modelPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return Resolution{Model: model, Provider: p.provider, APIBase: defaultAPIBases[p.provider]}, nil
		}
	}

	return Resolution{}, fmt.Errorf("%w for model %q", ErrUnknownProvider, model)
}

// DefaultAPIBase returns the public endpoint of a provider, or "" if it has none
func DefaultAPIBase(provider string) string {
	return defaultAPIBases[strings.ToLower(provider)]
}

// Resolver resolves providers and endpoints for deployments, with optional
// per-provider endpoint overrides (self-hosted gateways, regional endpoints).
type Resolver struct {
	apiBases map[string]string
}

// NewResolver creates a resolver. overrides maps provider name to endpoint.
func NewResolver(overrides map[string]string) *Resolver {
	bases := make(map[string]string, len(overrides))
	for provider, base := range overrides {
		bases[strings.ToLower(provider)] = base
	}
	return &Resolver{apiBases: bases}
}

// ResolveProvider infers the provider, applying endpoint overrides
func (r *Resolver) ResolveProvider(model, customProvider string) (Resolution, error) {
	res, err := ResolveProvider(model, customProvider)
	if err != nil {
		return res, err
	}
	if base, ok := r.apiBases[res.Provider]; ok {
		res.APIBase = base
	}
	return res, nil
}

// ResolveAPIBase derives the network endpoint for a deployment. An explicit
// api_base wins; otherwise the provider of params.Model (or modelName when the
// params carry no model) decides. Returns "" when nothing can be derived.
func (r *Resolver) ResolveAPIBase(modelName string, params types.DeploymentParams) string {
	if base := strings.TrimSpace(params.APIBase); base != "" {
		return base
	}

	model := params.Model
	if model == "" {
		model = modelName
	}
	res, err := r.ResolveProvider(model, params.CustomLLMProvider)
	if err != nil {
		return ""
	}
	return res.APIBase
}
