package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"tripdesk/internal/classify"
)

// Config models tripdesk.yml.
type Config struct {
	Classifier struct {
		Capability      string   `yaml:"capability"`
		Prefixes        []string `yaml:"prefixes"`
		AllowZeroBudget bool     `yaml:"allow_zero_budget"`
	} `yaml:"classifier"`
	Orchestrator Orchestrator     `yaml:"orchestrator"`
	Agents       map[string]Agent `yaml:"agents"`
	Webhooks     []Webhook        `yaml:"webhooks"`
	RBAC         struct {
		Roles       map[string]RBACRole `yaml:"roles"`
		DefaultRole string              `yaml:"default_role"`
	} `yaml:"rbac"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telemetry struct {
		Tracing bool `yaml:"tracing"`
	} `yaml:"telemetry"`
}

type Orchestrator struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	ResponseURL  string `yaml:"response_url"`
	Instructions string `yaml:"instructions"`
}

// Agent is one remote A2A agent the orchestrator delegates to, together with the card
// it publishes.
type Agent struct {
	Kind         string       `yaml:"kind" json:"kind"`
	URL          string       `yaml:"url" json:"url"`
	DisplayName  string       `yaml:"display_name" json:"display_name,omitempty"`
	Description  string       `yaml:"description" json:"description,omitempty"`
	Version      string       `yaml:"version" json:"version,omitempty"`
	Streaming    bool         `yaml:"streaming" json:"streaming"`
	InputModes   []string     `yaml:"input_modes" json:"input_modes,omitempty"`
	OutputModes  []string     `yaml:"output_modes" json:"output_modes,omitempty"`
	Skills       []AgentSkill `yaml:"skills" json:"skills,omitempty"`
	Instructions string       `yaml:"instructions" json:"instructions,omitempty"`
}

// AgentSkill is one capability advertised on an agent card.
type AgentSkill struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Examples    []string `yaml:"examples" json:"examples,omitempty"`
}

// SkillIDs lists the agent's skill IDs in card order.
func (a Agent) SkillIDs() []string {
	ids := make([]string, len(a.Skills))
	for i, sk := range a.Skills {
		ids[i] = sk.ID
	}
	return ids
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled treats a missing enabled flag as true.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Permission identifiers checked by the API.
const (
	PermSessionRead    = "session.read"
	PermSessionWrite   = "session.write"
	PermApprovalDecide = "approval.decide"
)

// ClassifierOptions maps the classifier section onto classify.Options, falling back to
// the defaults for unset fields.
func (c *Config) ClassifierOptions() classify.Options {
	opts := classify.DefaultOptions()
	if c == nil {
		return opts
	}
	if c.Classifier.Capability != "" {
		opts.Capability = c.Classifier.Capability
	}
	if len(c.Classifier.Prefixes) > 0 {
		opts.Prefixes = append([]string(nil), c.Classifier.Prefixes...)
	}
	opts.AllowZeroBudget = c.Classifier.AllowZeroBudget
	return opts
}

// RolePermissions returns the union of permissions granted by roles.
func (c *Config) RolePermissions(roles []string) map[string]bool {
	out := map[string]bool{}
	if c == nil {
		return out
	}
	for _, r := range roles {
		for _, p := range c.RBAC.Roles[r].Permissions {
			out[p] = true
		}
	}
	return out
}

// AgentNames returns agent names in a stable order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with tripdesk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Classifier.Capability == "" {
		return fmt.Errorf("config.classifier.capability is required")
	}
	for i, p := range c.Classifier.Prefixes {
		if p == "" {
			return fmt.Errorf("config.classifier.prefixes[%d] is empty", i)
		}
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents must list at least one agent")
	}
	for name, a := range c.Agents {
		if name == "" {
			return fmt.Errorf("config.agents contains empty agent name")
		}
		if a.URL == "" {
			return fmt.Errorf("agent %s has no url", name)
		}
		seen := map[string]bool{}
		for i, sk := range a.Skills {
			if sk.ID == "" {
				return fmt.Errorf("agent %s skills[%d].id is required", name, i)
			}
			if seen[sk.ID] {
				return fmt.Errorf("agent %s lists skill %s twice", name, sk.ID)
			}
			seen[sk.ID] = true
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be positive", i)
		}
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	if c.RBAC.DefaultRole != "" {
		if _, ok := c.RBAC.Roles[c.RBAC.DefaultRole]; !ok {
			return fmt.Errorf("config.rbac.default_role references unknown role %s", c.RBAC.DefaultRole)
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tripdesk.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault is LoadOptional with Default() for a missing file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil || cfg != nil {
		return cfg, err
	}
	return Default(), nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `classifier:
  capability: send_message_to_a2a_agent
  prefixes: ["A2A Agent Response: "]
  allow_zero_budget: false

orchestrator:
  name: travel-planner
  url: http://localhost:9000
  response_url: ""
  instructions: |
    Plan trips by delegating to the specialised agents. Before committing to a budget,
    present it to the user and wait for an explicit approval or rejection.

agents:
  itinerary:
    kind: itinerary
    url: http://localhost:9001/
    display_name: Itinerary Agent
    description: "Creates detailed day-by-day travel itineraries"
    version: 1.0.0
    streaming: true
    input_modes: [text]
    output_modes: [text]
    skills:
      - id: itinerary_agent
        name: Itinerary Planning Agent
        description: "Creates detailed day-by-day travel itineraries"
        tags: [travel, itinerary]
        examples:
          - "Create a 3-day itinerary for Tokyo"
          - "Plan a week-long trip to Paris"
          - "What should I do in New York for 5 days?"
  budget:
    kind: budget
    url: http://localhost:9002/
    display_name: Budget Agent
    description: "Estimates travel budgets and creates cost breakdowns"
    version: 1.0.0
    streaming: true
    input_modes: [text]
    output_modes: [text]
    skills:
      - id: budget_agent
        name: Budget Planning Agent
        description: "Estimates travel costs and creates detailed budget breakdowns"
        tags: [travel, budget, finance]
        examples:
          - "Estimate the budget for a 3-day trip to Tokyo"
          - "How much would a week in Paris cost?"
          - "Create a budget for my New York trip"
  weather:
    kind: weather
    url: http://localhost:9003/
    display_name: Weather Agent
    description: "Daily forecast for the destination"
    version: 1.0.0
    input_modes: [text]
    output_modes: [text]
    skills:
      - id: weather_agent
        name: Weather Forecast Agent
        tags: [travel, weather]
  restaurant:
    kind: restaurant
    url: http://localhost:9004/
    display_name: Restaurant Agent
    description: "Meal recommendations per day"
    version: 1.0.0
    input_modes: [text]
    output_modes: [text]
    skills:
      - id: restaurant_agent
        name: Restaurant Recommendation Agent
        tags: [travel, food]

webhooks: []

rbac:
  default_role: traveler
  roles:
    traveler:
      description: "Chats with the planner and decides on budgets"
      permissions: [session.read, session.write, approval.decide]
    viewer:
      description: "Read-only access to sessions"
      permissions: [session.read]
    agent:
      description: "Orchestrator posting agent messages"
      permissions: [session.read, session.write]

log:
  level: info
  format: text

telemetry:
  tracing: false
`
