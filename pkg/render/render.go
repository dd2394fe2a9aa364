// Package render executes the message templates embedded in the package.
package render

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const htmlSuffix = ".html.tmpl"

// Engine renders embedded templates. Names ending in .html.tmpl are executed
// with html/template escaping, everything else as plain text.
type Engine struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	text, err := texttemplate.New("render").ParseFS(templatesFS, "templates/*.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse text templates: %w", err)
	}
	html, err := htmltemplate.New("render").ParseFS(templatesFS, "templates/*"+htmlSuffix)
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}
	return &Engine{text: text, html: html}, nil
}

// Render executes the named template with the provided data.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.text == nil || e.html == nil {
		return "", fmt.Errorf("nil engine")
	}

	var buf bytes.Buffer
	var err error
	if strings.HasSuffix(name, htmlSuffix) {
		err = e.html.ExecuteTemplate(&buf, name, data)
	} else {
		err = e.text.ExecuteTemplate(&buf, name, data)
	}
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
