package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crewline/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.Workflow.EscalationThreshold != 3 {
		t.Fatalf("threshold = %d, want 3", cfg.Workflow.EscalationThreshold)
	}
	if !cfg.FirstTarget("researcher") || !cfg.FirstTarget("clarifier") {
		t.Fatal("default first targets should include clarifier and researcher")
	}
	if cfg.FirstTarget("implementer") {
		t.Fatal("implementer should not be a first target")
	}
	if !cfg.CycleAllowed("reviewer", "implementer") {
		t.Fatal("reviewer -> implementer cycle should be allowed by default")
	}
	if cfg.CycleAllowed("planner", "researcher") {
		t.Fatal("planner -> researcher cycle should not be allowed")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workflow.EscalationThreshold != 3 {
		t.Fatalf("threshold = %d, want 3", cfg.Workflow.EscalationThreshold)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yml := `workflow:
  escalation_threshold: 5
handoffs:
  first_targets: [researcher]
`
	if err := os.WriteFile(filepath.Join(dir, "crewline.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workflow.EscalationThreshold != 5 {
		t.Fatalf("threshold = %d, want 5", cfg.Workflow.EscalationThreshold)
	}
	if cfg.FirstTarget("clarifier") {
		t.Fatal("explicit first_targets should replace the default list")
	}
	// Unset sections still get defaults.
	if !cfg.CycleAllowed("implementer", "reviewer") {
		t.Fatal("allowed cycles should default when omitted")
	}
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	_, err := config.FromYAML([]byte("handoffs:\n  first_targets: [wizard]\n"))
	if err == nil || !strings.Contains(err.Error(), "wizard") {
		t.Fatalf("want unknown-role error, got %v", err)
	}
}

func TestValidateRejectsSelfCycle(t *testing.T) {
	yml := `handoffs:
  allowed_cycles:
    - {from: reviewer, to: reviewer}
`
	_, err := config.FromYAML([]byte(yml))
	if err == nil || !strings.Contains(err.Error(), "self-handoff") {
		t.Fatalf("want self-handoff error, got %v", err)
	}
}

func TestValidateRejectsWebhookWithoutURL(t *testing.T) {
	_, err := config.FromYAML([]byte("webhooks:\n  - events: [session.created]\n"))
	if err == nil || !strings.Contains(err.Error(), "url") {
		t.Fatalf("want webhook url error, got %v", err)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Workflow.EscalationThreshold != 3 {
		t.Fatalf("threshold = %d, want 3", cfg.Workflow.EscalationThreshold)
	}
}
