package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// LoadEnvFiles loads .env.local then .env, ignoring missing files.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// applyEnvOverrides pins config fields from well-known environment
// variables, after YAML load and before defaults.
func applyEnvOverrides(c *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			var f float64
			if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
				*dst = f
			}
		}
	}

	setString(&c.LLM.BaseURL, "GATEWAY_LLM_BASE_URL")
	setString(&c.LLM.APIKey, "GATEWAY_LLM_API_KEY")
	setInt(&c.LLM.Timeout, "GATEWAY_LLM_TIMEOUT")
	setString(&c.ToolServer.URL, "GATEWAY_TOOL_SERVER_URL")
	setInt(&c.ToolServer.Timeout, "GATEWAY_TOOL_TIMEOUT")
	setString(&c.Retrieval.BaseURL, "GATEWAY_RETRIEVAL_URL")
	setString(&c.Retrieval.BearerToken, "GATEWAY_RETRIEVAL_TOKEN")
	setString(&c.Search.BaseURL, "GATEWAY_SEARCH_URL")
	setString(&c.Search.APIKey, "GATEWAY_SEARCH_API_KEY")
	setString(&c.Crawl.BaseURL, "GATEWAY_CRAWL_URL")
	setInt(&c.Admission.MaxStandardResearch, "GATEWAY_MAX_STANDARD_RESEARCH")
	setInt(&c.Admission.MaxDeepResearch, "GATEWAY_MAX_DEEP_RESEARCH")
	setInt(&c.Budgets.ToolBudget, "GATEWAY_TOOL_BUDGET")
	setInt(&c.Budgets.ResearchToolBudget, "GATEWAY_RESEARCH_TOOL_BUDGET")
	setInt(&c.Budgets.AutonomousToolBudget, "GATEWAY_AUTONOMOUS_TOOL_BUDGET")
	setFloat(&c.Research.DuplicateQueryThreshold, "GATEWAY_DUPLICATE_QUERY_THRESHOLD")
	setFloat(&c.Router.ConfidenceThreshold, "GATEWAY_AUTO_DETECT_THRESHOLD")
	setString(&c.Logging.Level, "GATEWAY_LOG_LEVEL")
}
