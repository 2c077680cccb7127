// Package config holds the gateway configuration: downstream service
// endpoints, admission capacities, tool budgets, and research iteration
// parameters. Values load from YAML with ${VAR:-default} expansion and
// every key can be pinned by an environment variable.
package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	ToolServer ToolServerConfig `yaml:"tool_server"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Search     SearchConfig     `yaml:"search"`
	Crawl      CrawlConfig      `yaml:"crawl"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Budgets    BudgetConfig     `yaml:"budgets"`
	Research   ResearchConfig   `yaml:"research"`
	Router     RouterConfig     `yaml:"router"`
	Health     HealthConfig     `yaml:"health"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8088
	}
}

func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LLMConfig points at the OpenAI-compatible LM backend.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Model used for internal calls (query generation, classification,
	// synthesis). Empty means "use the model from the client request".
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout"` // seconds

	// Model list poll intervals.
	ModelPollBootstrap int `yaml:"model_poll_bootstrap"` // seconds, until first success
	ModelPollSteady    int `yaml:"model_poll_steady"`    // seconds, after first success
}

func (c *LLMConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8000/v1"
	}
	if c.Timeout == 0 {
		c.Timeout = 300
	}
	if c.ModelPollBootstrap == 0 {
		c.ModelPollBootstrap = 2
	}
	if c.ModelPollSteady == 0 {
		c.ModelPollSteady = 10
	}
}

// ToolServerConfig points at the MCP tool server.
type ToolServerConfig struct {
	URL               string   `yaml:"url"`
	Transport         string   `yaml:"transport"` // streamable-http (default), sse, stdio
	Command           string   `yaml:"command"`   // stdio transport only
	Args              []string `yaml:"args"`
	Timeout           int      `yaml:"timeout"`            // seconds, per tool call
	DiscoveryInterval int      `yaml:"discovery_interval"` // seconds
}

func (c *ToolServerConfig) SetDefaults() {
	if c.URL == "" && c.Command == "" {
		c.URL = "http://localhost:8765/mcp"
	}
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = "stdio"
		} else {
			c.Transport = "streamable-http"
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = 30
	}
}

// RetrievalConfig points at the knowledge-graph REST bridge.
type RetrievalConfig struct {
	BaseURL     string `yaml:"base_url"`
	BearerToken string `yaml:"bearer_token"`
	Timeout     int    `yaml:"timeout"` // seconds
}

func (c *RetrievalConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8081"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// SearchConfig points at the external web-search API.
type SearchConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout int    `yaml:"timeout"` // seconds
}

func (c *SearchConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.tavily.com"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// CrawlConfig points at the crawler service.
type CrawlConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"` // seconds, per URL
}

func (c *CrawlConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11235"
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
}

// AdmissionConfig bounds concurrent research requests.
type AdmissionConfig struct {
	MaxStandardResearch int `yaml:"max_standard_research"`
	MaxDeepResearch     int `yaml:"max_deep_research"`
}

func (c *AdmissionConfig) SetDefaults() {
	if c.MaxStandardResearch == 0 {
		c.MaxStandardResearch = 3
	}
	if c.MaxDeepResearch == 0 {
		c.MaxDeepResearch = 1
	}
}

// BudgetConfig sets the tool-point budgets per mode and per-tool costs.
type BudgetConfig struct {
	ToolBudget           int            `yaml:"tool_budget"`
	ResearchToolBudget   int            `yaml:"research_tool_budget"`
	AutonomousToolBudget int            `yaml:"autonomous_tool_budget"`
	MaxTurns             int            `yaml:"max_turns"`
	ToolCosts            map[string]int `yaml:"tool_costs"` // default cost is 1
}

func (c *BudgetConfig) SetDefaults() {
	if c.ToolBudget == 0 {
		c.ToolBudget = 3
	}
	if c.ResearchToolBudget == 0 {
		c.ResearchToolBudget = 6
	}
	if c.AutonomousToolBudget == 0 {
		c.AutonomousToolBudget = 4
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = 8
	}
}

// ResearchConfig tunes the research loop.
type ResearchConfig struct {
	StandardIterations      int     `yaml:"standard_iterations"`
	DeepIterations          int     `yaml:"deep_iterations"`
	RetryDegradeStep        int     `yaml:"retry_degrade_step"`
	DuplicateQueryThreshold float64 `yaml:"duplicate_query_threshold"`
	SeedTopK                int     `yaml:"seed_top_k"`
	KBTopK                  int     `yaml:"kb_top_k"`
	WebTopK                 int     `yaml:"web_top_k"`
	CrawlURLsPerIteration   int     `yaml:"crawl_urls_per_iteration"`
	SynthesisTokenLimit     int     `yaml:"synthesis_token_limit"`
}

func (c *ResearchConfig) SetDefaults() {
	if c.StandardIterations == 0 {
		c.StandardIterations = 2
	}
	if c.DeepIterations == 0 {
		c.DeepIterations = 4
	}
	if c.RetryDegradeStep == 0 {
		c.RetryDegradeStep = 2
	}
	if c.DuplicateQueryThreshold == 0 {
		c.DuplicateQueryThreshold = 0.7
	}
	if c.SeedTopK == 0 {
		c.SeedTopK = 10
	}
	if c.KBTopK == 0 {
		c.KBTopK = 4
	}
	if c.WebTopK == 0 {
		c.WebTopK = 5
	}
	if c.CrawlURLsPerIteration == 0 {
		c.CrawlURLsPerIteration = 3
	}
	if c.SynthesisTokenLimit == 0 {
		c.SynthesisTokenLimit = 24000
	}
}

// RouterConfig tunes mode selection.
type RouterConfig struct {
	AutoDetect          bool    `yaml:"auto_detect"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

func (c *RouterConfig) SetDefaults() {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.91
	}
}

// HealthConfig names the services whose failure makes the gateway unhealthy.
type HealthConfig struct {
	CriticalServices []string `yaml:"critical_services"`
	ProbeInterval    int      `yaml:"probe_interval"` // seconds
}

func (c *HealthConfig) SetDefaults() {
	if len(c.CriticalServices) == 0 {
		c.CriticalServices = []string{"llm", "kg_bridge"}
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 15
	}
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// SetDefaults fills every zero field with its documented default.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.ToolServer.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Search.SetDefaults()
	c.Crawl.SetDefaults()
	c.Admission.SetDefaults()
	c.Budgets.SetDefaults()
	c.Research.SetDefaults()
	c.Router.SetDefaults()
	c.Health.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.Admission.MaxStandardResearch < 1 {
		return fmt.Errorf("admission.max_standard_research must be >= 1")
	}
	if c.Admission.MaxDeepResearch < 1 {
		return fmt.Errorf("admission.max_deep_research must be >= 1")
	}
	if c.Research.StandardIterations < 1 || c.Research.DeepIterations < c.Research.StandardIterations {
		return fmt.Errorf("research iteration counts are inconsistent")
	}
	if c.Research.DuplicateQueryThreshold <= 0 || c.Research.DuplicateQueryThreshold > 1 {
		return fmt.Errorf("research.duplicate_query_threshold must be in (0, 1]")
	}
	if c.Router.ConfidenceThreshold <= 0 || c.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("router.confidence_threshold must be in (0, 1]")
	}
	return nil
}

// LLMTimeout returns the backend call timeout as a duration.
func (c *LLMConfig) LLMTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
