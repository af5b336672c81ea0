// Package prompts renders the model prompt templates. Templates are embedded
// in the binary and can be overridden from a directory on disk.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"text/template"
)

const (
	Sentiment        = "sentiment_v1.tmpl"
	FeedbackAnalysis = "feedback_analysis_v1.tmpl"
	Insights         = "insights_v1.tmpl"
)

//go:embed templates/*.tmpl
var embedded embed.FS

type Renderer struct {
	files     fs.FS
	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewRenderer reads templates from dir when set, otherwise from the embedded set.
func NewRenderer(dir string) *Renderer {
	var files fs.FS
	if strings.TrimSpace(dir) != "" {
		files = os.DirFS(dir)
	} else {
		sub, err := fs.Sub(embedded, "templates")
		if err != nil {
			panic(err)
		}
		files = sub
	}
	return &Renderer{files: files, templates: make(map[string]*template.Template)}
}

func (r *Renderer) Render(name string, data any) (string, error) {
	tmpl, err := r.load(name)
	if err != nil {
		return "", err
	}

	buffer := bytes.NewBuffer(nil)
	if err := tmpl.Execute(buffer, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return buffer.String(), nil
}

func (r *Renderer) load(name string) (*template.Template, error) {
	r.mu.RLock()
	if tmpl, ok := r.templates[name]; ok {
		r.mu.RUnlock()
		return tmpl, nil
	}
	r.mu.RUnlock()

	content, err := fs.ReadFile(r.files, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt template %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}

	r.mu.Lock()
	r.templates[name] = tmpl
	r.mu.Unlock()
	return tmpl, nil
}
