package notify

import (
	"bytes"
	"errors"
	"text/template"
)

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = `[OT-2 Run {{.Status}}]
Run: {{.RunID}}
{{- if .ProtocolID }}
Protocol: {{.ProtocolID}}
{{- end }}
Commands: {{.Commands}}
Finished: {{.FinishedAt}}
{{- if .Error }}
Error: {{.Error}}
{{- end }}
{{- if .ReportURL }}
Report: {{.ReportURL}}
{{- end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	RunID      string
	ProtocolID string
	Status     string
	RawStatus  string
	Commands   int
	Error      string
	FinishedAt string
	ReportURL  string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("run-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("notify template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
