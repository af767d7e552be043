package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
)

const sampleDefinition = `{
  "workflow_id": "distributor_outreach",
  "name": "Distributor outreach",
  "version": "1",
  "steps": [
    {"step_id": "intro", "template": "intro_email", "channel": "email", "delay_days": 0},
    {"step_id": "follow_up", "template": "follow_up_email", "channel": "email", "delay_days": 3,
     "conditions": {"previous_step": "intro", "no_response": true}}
  ],
  "settings": {
    "max_retries": 3,
    "timeout_seconds": 120,
    "rate_limit": {"emails_per_hour": 50, "emails_per_day": 200},
    "timezone": "America/New_York",
    "working_hours": {"start": "09:00", "end": "17:00", "days": ["mon", "tue", "wed", "thu", "fri"]}
  }
}`

func TestParse(t *testing.T) {
	def, err := Parse(strings.NewReader(sampleDefinition))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if def.WorkflowID != "distributor_outreach" || len(def.Steps) != 2 {
		t.Errorf("Unexpected definition: %+v", def)
	}
	if !def.Steps[1].Conditions.NoResponse {
		t.Error("Expected no_response condition to be decoded")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"workflow_id": "w", "version": "1", "stepz": []}`))
	if err == nil {
		t.Fatal("Expected unknown field to be rejected")
	}
}

func TestRegistryImmutableVersions(t *testing.T) {
	reg := NewRegistry(nil)
	def, err := Parse(strings.NewReader(sampleDefinition))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := reg.Register(*def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Same (id, version) again must be rejected.
	if err := reg.Register(*def); err == nil {
		t.Fatal("Expected duplicate registration to fail")
	}

	v2 := *def
	v2.Version = "2"
	if err := reg.Register(v2); err != nil {
		t.Fatalf("Registering a new version failed: %v", err)
	}

	if got := reg.Get("distributor_outreach", "1"); got == nil {
		t.Error("Expected version 1 to remain registered")
	}
	if got := reg.Latest("distributor_outreach"); got == nil || got.Version != "2" {
		t.Errorf("Expected latest version 2, got %+v", got)
	}
	if got := reg.Get("distributor_outreach", "3"); got != nil {
		t.Errorf("Expected nil for unknown version, got %+v", got)
	}
}

func TestRegistryRejectsInvalid(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(models.WorkflowDefinition{WorkflowID: "w", Version: "1"})
	if err == nil {
		t.Fatal("Expected validation failure for a definition with no steps")
	}
}

func TestLoadDirAndHydrate(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "outreach.json"), []byte(sampleDefinition), 0644); err != nil {
		t.Fatalf("Failed to write workflow file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0644); err != nil {
		t.Fatalf("Failed to write decoy file: %v", err)
	}

	st := store.NewInMemoryStore()
	reg := NewRegistry(st)
	if err := reg.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if got := reg.Get("distributor_outreach", "1"); got == nil {
		t.Fatal("Expected workflow to be registered from directory")
	}

	// A fresh registry over the same store should recover the definition.
	fresh := NewRegistry(st)
	if err := fresh.Hydrate(); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if got := fresh.Get("distributor_outreach", "1"); got == nil {
		t.Error("Expected hydrated registry to contain the stored workflow")
	}
}
