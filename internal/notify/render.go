package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

type renderer struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

func newRenderer() (*renderer, error) {
	text, err := texttemplate.ParseFS(templateFS, "templates/*.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse text templates: %w", err)
	}
	html, err := htmltemplate.ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse html templates: %w", err)
	}
	return &renderer{text: text, html: html}, nil
}

// render は name のテキスト版とHTML版の本文を生成する。
func (r *renderer) render(name string, data any) (string, string, error) {
	var text, html bytes.Buffer
	if err := r.text.ExecuteTemplate(&text, name+".txt.tmpl", data); err != nil {
		return "", "", fmt.Errorf("failed to render %s text: %w", name, err)
	}
	if err := r.html.ExecuteTemplate(&html, name+".html.tmpl", data); err != nil {
		return "", "", fmt.Errorf("failed to render %s html: %w", name, err)
	}
	return text.String(), html.String(), nil
}
