package config

import "os"

// AvailableModels returns interpreter models usable with the API keys
// present in the environment. Surfaced by doctor and status output.
func AvailableModels() []string {
	var models []string
	if os.Getenv("GEMINI_API_KEY") != "" {
		models = append(models, "gemini-2.5-pro", "gemini-2.5-flash")
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		models = append(models, "claude-sonnet-4-5", "claude-haiku-4-5")
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		models = append(models, "gpt-4o", "gpt-4o-mini")
	}
	if len(models) == 0 {
		models = []string{"static"}
	}
	return models
}

// DefaultModelFor returns the default model for an interpreter provider.
func DefaultModelFor(provider string) string {
	switch provider {
	case "google":
		return "gemini-2.5-flash"
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	default:
		return ""
	}
}
