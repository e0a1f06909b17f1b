package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sync"

	"mailsched/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer turns template data into an HTML body.
type Renderer interface {
	Render(data map[string]interface{}) (string, error)
}

// Registry maps template types to renderers. Adding a template type means
// registering a renderer, not editing a dispatch switch.
type Registry struct {
	mu        sync.RWMutex
	renderers map[models.TemplateType]Renderer
}

func NewRegistry() *Registry {
	return &Registry{renderers: make(map[models.TemplateType]Renderer)}
}

func (r *Registry) Register(t models.TemplateType, renderer Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[t] = renderer
}

// Known reports whether a renderer is registered for t. Schedule requests use
// this to reject unknown template types synchronously.
func (r *Registry) Known(t models.TemplateType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.renderers[t]
	return ok
}

func (r *Registry) Render(t models.TemplateType, data map[string]interface{}) (string, error) {
	r.mu.RLock()
	renderer, ok := r.renderers[t]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("no renderer registered for template type %q", t)
	}
	return renderer.Render(data)
}

type htmlRenderer struct {
	tmpl *template.Template
}

func (h *htmlRenderer) Render(data map[string]interface{}) (string, error) {
	var body bytes.Buffer
	if err := h.tmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}
	return body.String(), nil
}

// DefaultRegistry registers the built-in practice templates from the
// embedded sources.
func DefaultRegistry() (*Registry, error) {
	files := map[models.TemplateType]string{
		models.TemplateAssessmentReport:  "templates/assessment_report.html",
		models.TemplateAppointmentRemind: "templates/appointment_reminder.html",
		models.TemplateWelcome:           "templates/welcome.html",
		models.TemplateFollowUp:          "templates/follow_up.html",
		models.TemplateReengagement:      "templates/reengagement.html",
	}

	reg := NewRegistry()
	for t, path := range files {
		tmpl, err := template.ParseFS(templateFS, path)
		if err != nil {
			return nil, fmt.Errorf("template parse error for %s: %w", t, err)
		}
		reg.Register(t, &htmlRenderer{tmpl: tmpl})
	}
	return reg, nil
}
