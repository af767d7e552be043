// Package render turns message templates into channel-ready bodies.
//
// Templates are standard text/template documents addressed by name.
// Personalization data comes from the lead's attributes. An optional AI
// renderer can post-process the rendered text for steps that opt in; the
// engine treats it as an injected dependency and never assumes one is
// configured.
package render

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
)

// AIRenderer rewrites a rendered message body. Implementations wrap an
// external generation service; the engine only sees this interface.
type AIRenderer interface {
	Rewrite(ctx context.Context, body string, locale string) (string, error)
}

// Renderer renders named templates with lead data.
type Renderer struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
	ai        AIRenderer
}

// NewRenderer creates an empty renderer. The AI renderer may be nil, in
// which case use_ai steps render from the template alone.
func NewRenderer(ai AIRenderer) *Renderer {
	return &Renderer{
		templates: make(map[string]*template.Template),
		ai:        ai,
	}
}

// AddTemplate parses and registers a template under the given name.
// Re-registering a name replaces the previous template.
func (r *Renderer) AddTemplate(name, text string) error {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = tmpl
	return nil
}

// LoadDir registers every *.tmpl file in a directory. The template name
// is the file name without the extension.
func (r *Renderer) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template directory %s: %w", dir, err)
	}

	var loaded int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmpl") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".tmpl")
		if err := r.AddTemplate(name, string(data)); err != nil {
			return err
		}
		loaded++
	}
	slog.Info("Renderer loaded template directory", "dir", dir, "loaded", loaded)
	return nil
}

// Has reports whether a template is registered under the name.
func (r *Renderer) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[name]
	return ok
}

// Render produces the message body for a step and lead. The lead's
// attributes are exposed to the template as top-level fields plus the
// lead itself under "lead". When the step's personalization opts into AI
// and a rewriter is configured, the rendered text is passed through it;
// a rewriter failure falls back to the plain rendering rather than
// blocking the send.
func (r *Renderer) Render(ctx context.Context, templateName string, step models.StepDefinition, lead *models.Lead) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[templateName]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %s is not registered", templateName)
	}

	data := make(map[string]any, len(lead.Attributes)+2)
	for k, v := range lead.Attributes {
		data[k] = v
	}
	data["lead"] = lead
	data["lead_id"] = lead.ID

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}
	body := buf.String()

	if step.Personalization.UseAI && r.ai != nil {
		locale := ""
		if len(step.Personalization.Locales) > 0 {
			locale = step.Personalization.Locales[0]
		}
		rewritten, err := r.ai.Rewrite(ctx, body, locale)
		if err != nil {
			slog.Warn("Renderer AI rewrite failed, using template output", "error", err, "template", templateName)
			return body, nil
		}
		return rewritten, nil
	}

	return body, nil
}
