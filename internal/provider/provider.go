// Package provider selects and constructs the LLM chat backend used for
// contract question answering. Supported backends: Ollama, OpenAI, Azure
// OpenAI, AWS Bedrock, Google Gemini.
package provider

import (
	"github.com/lexon/clausecheck/internal/domain"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendBedrock selects AWS Bedrock.
	BackendBedrock Backend = "bedrock"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ProviderOllama holds Ollama-specific settings.
type ProviderOllama struct {
	// Host is the Ollama base URL.
	Host string
	// Model is the model name, e.g. "llama3".
	Model string
}

// ProviderOpenAI holds OpenAI-specific settings.
type ProviderOpenAI struct {
	// APIKey authenticates against the OpenAI API.
	APIKey string
	// Model is the model name, e.g. "gpt-4o".
	Model string
}

// ProviderAzureOpenAI holds Azure OpenAI Service settings.
type ProviderAzureOpenAI struct {
	// APIKey authenticates against the Azure OpenAI resource.
	APIKey string
	// Endpoint is the resource endpoint URL.
	Endpoint string
	// Deployment is the deployment name to address.
	Deployment string
	// APIVersion is the REST API version, e.g. "2024-02-01".
	APIVersion string
}

// ProviderBedrock holds AWS Bedrock settings. AWS credentials are resolved
// via the standard SDK chain, not through this config.
type ProviderBedrock struct {
	// AWSRegion is the region hosting the Bedrock runtime.
	AWSRegion string
	// ModelID is the Bedrock model identifier.
	ModelID string
	// Endpoint overrides the Bedrock-compatible endpoint URL.
	Endpoint string
	// APIKey is the bearer credential for Bedrock-compatible gateways.
	APIKey string
}

// ProviderGemini holds Google Gemini settings.
type ProviderGemini struct {
	// APIKey authenticates against the Gemini API.
	APIKey string
	// Model is the model name, e.g. "gemini-1.5-pro".
	Model string
}

// SharedTuning holds generation parameters common to all backends.
type SharedTuning struct {
	// MaxTokens caps the number of tokens per response.
	MaxTokens int
	// Temperature controls response randomness (0.0 to 1.0).
	Temperature float32
}

// Config holds all provider-level configuration resolved from environment
// variables or explicit caller-supplied values.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend

	Ollama      ProviderOllama
	OpenAI      ProviderOpenAI
	AzureOpenAI ProviderAzureOpenAI
	Bedrock     ProviderBedrock
	Gemini      ProviderGemini
	Tuning      SharedTuning
}

// Validate checks that the selected backend has every field it needs, so
// callers get a clear error at startup rather than on the first request.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		if c.Ollama.Host == "" {
			return &domain.ConfigError{Field: "OLLAMA_HOST", Reason: "required for ollama backend"}
		}
		if c.Ollama.Model == "" {
			return &domain.ConfigError{Field: "OLLAMA_MODEL", Reason: "required for ollama backend"}
		}
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return &domain.ConfigError{Field: "OPENAI_API_KEY", Reason: "required for openai backend"}
		}
		if c.OpenAI.Model == "" {
			return &domain.ConfigError{Field: "OPENAI_MODEL", Reason: "required for openai backend"}
		}
	case BackendAzure:
		if c.AzureOpenAI.APIKey == "" {
			return &domain.ConfigError{Field: "AZURE_OPENAI_API_KEY", Reason: "required for azure backend"}
		}
		if c.AzureOpenAI.Endpoint == "" {
			return &domain.ConfigError{Field: "AZURE_OPENAI_ENDPOINT", Reason: "required for azure backend"}
		}
		if c.AzureOpenAI.Deployment == "" {
			return &domain.ConfigError{Field: "AZURE_OPENAI_DEPLOYMENT", Reason: "required for azure backend"}
		}
	case BackendBedrock:
		if c.Bedrock.ModelID == "" {
			return &domain.ConfigError{Field: "BEDROCK_MODEL_ID", Reason: "required for bedrock backend"}
		}
		if c.Bedrock.AWSRegion == "" {
			return &domain.ConfigError{Field: "AWS_REGION", Reason: "required for bedrock backend"}
		}
	case BackendGemini:
		if c.Gemini.APIKey == "" {
			return &domain.ConfigError{Field: "GOOGLE_API_KEY", Reason: "required for gemini backend"}
		}
		if c.Gemini.Model == "" {
			return &domain.ConfigError{Field: "GEMINI_MODEL", Reason: "required for gemini backend"}
		}
	default:
		return &domain.ConfigError{Field: "MODEL_PROVIDER",
			Reason: "unknown backend " + string(c.Backend) + " (valid: ollama, openai, azure, bedrock, gemini)"}
	}
	return nil
}
