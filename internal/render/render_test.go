package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
)

func TestRenderSubstitutesAttributes(t *testing.T) {
	r := NewRenderer(nil)
	if err := r.AddTemplate("intro_email", "Hi {{.first_name}}, greetings from {{.sender}}."); err != nil {
		t.Fatalf("AddTemplate failed: %v", err)
	}

	lead := &models.Lead{
		ID:         "lead-1",
		Attributes: map[string]any{"first_name": "Dana", "sender": "NeonMarketing"},
	}

	got, err := r.Render(context.Background(), "intro_email", models.StepDefinition{}, lead)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got != "Hi Dana, greetings from NeonMarketing." {
		t.Errorf("Unexpected rendering: %q", got)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	r := NewRenderer(nil)
	_, err := r.Render(context.Background(), "ghost", models.StepDefinition{}, &models.Lead{})
	if err == nil {
		t.Fatal("Expected error for unregistered template")
	}
}

type fakeRewriter struct {
	out string
	err error
}

func (f *fakeRewriter) Rewrite(ctx context.Context, body string, locale string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func TestRenderAIRewrite(t *testing.T) {
	r := NewRenderer(&fakeRewriter{out: "rewritten"})
	if err := r.AddTemplate("t", "original"); err != nil {
		t.Fatalf("AddTemplate failed: %v", err)
	}

	step := models.StepDefinition{Personalization: models.PersonalizationSpec{UseAI: true}}
	got, err := r.Render(context.Background(), "t", step, &models.Lead{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got != "rewritten" {
		t.Errorf("Expected AI output, got %q", got)
	}

	// Without the opt-in the rewriter must not run.
	got, err = r.Render(context.Background(), "t", models.StepDefinition{}, &models.Lead{})
	if err != nil || got != "original" {
		t.Errorf("Expected template output, got %q, %v", got, err)
	}
}

func TestRenderAIFailureFallsBack(t *testing.T) {
	r := NewRenderer(&fakeRewriter{err: errors.New("provider down")})
	if err := r.AddTemplate("t", "original"); err != nil {
		t.Fatalf("AddTemplate failed: %v", err)
	}

	step := models.StepDefinition{Personalization: models.PersonalizationSpec{UseAI: true}}
	got, err := r.Render(context.Background(), "t", step, &models.Lead{})
	if err != nil {
		t.Fatalf("Render must not fail when the rewriter does: %v", err)
	}
	if got != "original" {
		t.Errorf("Expected fallback to template output, got %q", got)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "intro_email.tmpl"), []byte("Hi {{.first_name}}"), 0644); err != nil {
		t.Fatalf("Failed to write template: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a template"), 0644); err != nil {
		t.Fatalf("Failed to write decoy: %v", err)
	}

	r := NewRenderer(nil)
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if !r.Has("intro_email") {
		t.Error("Expected intro_email to be registered")
	}
	if r.Has("README") {
		t.Error("Non-template files must be skipped")
	}

	got, err := r.Render(context.Background(), "intro_email", models.StepDefinition{},
		&models.Lead{Attributes: map[string]any{"first_name": "Dana"}})
	if err != nil || !strings.Contains(got, "Dana") {
		t.Errorf("Unexpected rendering %q, %v", got, err)
	}
}
