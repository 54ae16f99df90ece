package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/Paranoid-AF/quill/conversation"
	defaults "github.com/Paranoid-AF/quill/default"
	"gopkg.in/yaml.v3"
)

// DefaultProfileName is the profile used when no match prefix fits a model.
const DefaultProfileName = "default"

// Profile binds model-name prefixes to request limits.
type Profile struct {
	Name        string   `yaml:"name"`
	Match       []string `yaml:"match,omitempty"`
	ModelLimits `yaml:",inline"`
}

// Template is the pair of templates used for one prompt type.
type Template struct {
	System string `yaml:"system,omitempty"`
	User   string `yaml:"user"`
}

// Catalog is the model and prompt-template catalog.
type Catalog struct {
	Profiles []Profile          `yaml:"profiles"`
	Roles    Roles              `yaml:"roles"`
	Prompts  map[string]Template `yaml:"prompts"`
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if c.Prompts == nil {
		c.Prompts = make(map[string]Template)
	}
	return &c, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaults.DefaultModelsYAML)
	if err != nil {
		panic("prompt: invalid embedded default_models.yaml: " + err.Error())
	}
	return c
}

// LoadCatalog returns the embedded catalog merged with the override at path.
// A missing override file yields the embedded catalog.
func LoadCatalog(path string) (*Catalog, error) {
	base := DefaultCatalog()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, err
	}
	override, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	base.merge(override)
	slog.Info("loaded model catalog override", "path", path, "profiles", len(override.Profiles), "prompts", len(override.Prompts))
	return base, nil
}

// merge layers o over c. Override profiles are consulted first, roles replace
// field by field, and prompt templates replace by prompt type.
func (c *Catalog) merge(o *Catalog) {
	c.Profiles = append(append([]Profile(nil), o.Profiles...), c.Profiles...)
	if o.Roles.System != "" {
		c.Roles.System = o.Roles.System
	}
	if o.Roles.User != "" {
		c.Roles.User = o.Roles.User
	}
	if o.Roles.Assistant != "" {
		c.Roles.Assistant = o.Roles.Assistant
	}
	for name, t := range o.Prompts {
		c.Prompts[name] = t
	}
}

// Lookup returns the first profile with a match prefix of model, compared
// case-insensitively, or the default profile.
func (c *Catalog) Lookup(model string) Profile {
	lower := strings.ToLower(model)
	for _, p := range c.Profiles {
		for _, prefix := range p.Match {
			if prefix != "" && strings.HasPrefix(lower, strings.ToLower(prefix)) {
				return p
			}
		}
	}
	for _, p := range c.Profiles {
		if p.Name == DefaultProfileName {
			return p
		}
	}
	return Profile{Name: DefaultProfileName, ModelLimits: ModelLimits{MaxInputTokens: 3072, TokenLimit: 4096}}
}

// HasPrompt reports whether the catalog defines the prompt type.
func (c *Catalog) HasPrompt(promptType string) bool {
	_, ok := c.Prompts[promptType]
	return ok
}

// RenderUser renders the user template for promptType with args.
func (c *Catalog) RenderUser(promptType string, args map[string]string) (string, error) {
	t, ok := c.Prompts[promptType]
	if !ok {
		return "", fmt.Errorf("unknown prompt type %q", promptType)
	}
	return render(promptType+".user", t.User, args)
}

// RenderSystem renders the system template for promptType. It returns ""
// when the prompt type has no system template.
func (c *Catalog) RenderSystem(promptType string, args map[string]string) (string, error) {
	t, ok := c.Prompts[promptType]
	if !ok {
		return "", fmt.Errorf("unknown prompt type %q", promptType)
	}
	if t.System == "" {
		return "", nil
	}
	return render(promptType+".system", t.System, args)
}

// Renderer adapts the catalog to a RenderFunc. Messages whose template
// cannot be rendered fall back to their text argument.
func (c *Catalog) Renderer() RenderFunc {
	return func(m conversation.UserMessage) string {
		out, err := c.RenderUser(m.PromptType, m.Args)
		if err != nil {
			slog.Warn("failed to render user prompt, using raw text", "prompt_type", m.PromptType, "error", err)
			return TextOnly(m)
		}
		return out
	}
}

func render(name, src string, args map[string]string) (string, error) {
	if args == nil {
		args = map[string]string{}
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, args); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return strings.TrimRight(sb.String(), " \t\n"), nil
}
