package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripdesk/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, domain.A2ACapability, cfg.Classifier.Capability)
	assert.Equal(t, []string{"budget", "itinerary", "restaurant", "weather"}, cfg.AgentNames())
	assert.Equal(t, "traveler", cfg.RBAC.DefaultRole)

	budget := cfg.Agents["budget"]
	assert.Equal(t, "Budget Agent", budget.DisplayName)
	assert.Equal(t, "1.0.0", budget.Version)
	assert.True(t, budget.Streaming)
	assert.Equal(t, []string{"text"}, budget.InputModes)
	assert.Equal(t, []string{"text"}, budget.OutputModes)
	assert.Equal(t, []string{"budget_agent"}, budget.SkillIDs())
	assert.Contains(t, budget.Skills[0].Tags, "finance")
	assert.Len(t, budget.Skills[0].Examples, 3)

	opts := cfg.ClassifierOptions()
	assert.Equal(t, []string{domain.A2AResponsePrefix}, opts.Prefixes)
	assert.False(t, opts.AllowZeroBudget)
}

func TestRolePermissions(t *testing.T) {
	cfg := Default()
	perms := cfg.RolePermissions([]string{"viewer"})
	assert.True(t, perms[PermSessionRead])
	assert.False(t, perms[PermApprovalDecide])

	perms = cfg.RolePermissions([]string{"viewer", "traveler", "missing"})
	assert.True(t, perms[PermApprovalDecide])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no capability": "classifier:\n  capability: \"\"\nagents:\n  a: {url: http://x}\n",
		"no agents":     "classifier:\n  capability: tool\n",
		"agent no url":  "classifier:\n  capability: tool\nagents:\n  a: {kind: budget}\n",
		"unknown role":  "classifier:\n  capability: tool\nagents:\n  a: {url: http://x}\nrbac:\n  default_role: ghost\n",
		"bad level":     "classifier:\n  capability: tool\nagents:\n  a: {url: http://x}\nlog:\n  level: loud\n",
		"skill no id":   "classifier:\n  capability: tool\nagents:\n  a: {url: http://x, skills: [{name: plan}]}\n",
		"skill twice":   "classifier:\n  capability: tool\nagents:\n  a: {url: http://x, skills: [{id: s}, {id: s}]}\n",
		"webhook url":   "classifier:\n  capability: tool\nagents:\n  a: {url: http://x}\nwebhooks:\n  - events: [approval.approved]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalAndOrDefault(t *testing.T) {
	ws := t.TempDir()
	cfg, err := LoadOptional(ws)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadOrDefault(ws)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	_, err = Load(ws)
	assert.ErrorContains(t, err, "tripdesk config init")

	doc := "classifier:\n  capability: relay\n  prefixes: [\"Agent says: \"]\n  allow_zero_budget: true\nagents:\n  budget: {url: http://budget}\nwebhooks:\n  - url: http://hook\n    enabled: false\n"
	require.NoError(t, os.WriteFile(filepath.Join(ws, "tripdesk.yml"), []byte(doc), 0o644))

	cfg, err = Load(ws)
	require.NoError(t, err)
	opts := cfg.ClassifierOptions()
	assert.Equal(t, "relay", opts.Capability)
	assert.Equal(t, []string{"Agent says: "}, opts.Prefixes)
	assert.True(t, opts.AllowZeroBudget)
	require.Len(t, cfg.Webhooks, 1)
	assert.False(t, cfg.Webhooks[0].IsEnabled())
	assert.True(t, Webhook{URL: "x"}.IsEnabled())
}
