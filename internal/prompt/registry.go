// Package prompt is the prompt/template provider. Templates are keyed by
// (personality, name), loaded from YAML and rendered with text/template.
// A missing template is a configuration error, never an empty prompt.
package prompt

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
)

// Template names used by the pipeline.
const (
	System     = "system"
	Reasoning  = "reasoning"
	Selection  = "selection"
	Validation = "validation"
	Response   = "response"
	Apology    = "apology"
	Greeting   = "greeting"
	AskPayment = "ask_payment"
	Completed  = "order_complete"
)

// Required lists the templates every personality must define.
var Required = []string{System, Reasoning, Selection, Validation, Response, Apology, Greeting, AskPayment, Completed}

type file struct {
	Personalities map[string]map[string]string `yaml:"personalities"`
}

// Registry holds parsed templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]map[string]*template.Template
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// Load reads a prompt file.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dragonpos.NewConfigurationError(fmt.Sprintf("prompt file %q cannot be opened", path), err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads prompt definitions from r.
func Parse(r io.Reader) (*Registry, error) {
	var doc file
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, dragonpos.NewConfigurationError("prompt file is not valid YAML", err)
	}
	reg := &Registry{templates: make(map[string]map[string]*template.Template)}
	for personality, entries := range doc.Personalities {
		for name, text := range entries {
			if err := reg.Define(personality, name, text); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// Define adds or replaces one template.
func (r *Registry) Define(personality, name, text string) error {
	t, err := template.New(personality + "/" + name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return dragonpos.NewConfigurationError(fmt.Sprintf("prompt template %s/%s does not parse", personality, name), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.templates[personality] == nil {
		r.templates[personality] = make(map[string]*template.Template)
	}
	r.templates[personality][name] = t
	return nil
}

// Require fails when personality lacks any of the named templates.
func (r *Registry) Require(personality string, names ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.templates[personality]
	if !ok {
		return dragonpos.NewConfigurationError(fmt.Sprintf("prompt personality %q is not defined (have %s)", personality, strings.Join(r.personalities(), ", ")), nil)
	}
	var missing []string
	for _, n := range names {
		if _, ok := set[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return dragonpos.NewConfigurationError(fmt.Sprintf("prompt personality %q is missing template(s) %s", personality, strings.Join(missing, ", ")), nil)
	}
	return nil
}

// Render executes the template for (personality, name) with data.
func (r *Registry) Render(personality, name string, data any) (string, error) {
	r.mu.RLock()
	t, ok := r.templates[personality][name]
	r.mu.RUnlock()
	if !ok {
		return "", dragonpos.NewConfigurationError(fmt.Sprintf("prompt template %s/%s is missing", personality, name), nil)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", dragonpos.NewConfigurationError(fmt.Sprintf("prompt template %s/%s failed to render", personality, name), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (r *Registry) personalities() []string {
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
