package comfyui

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrTemplateNotFound is returned when no workflow template matches a name.
var ErrTemplateNotFound = errors.New("workflow template not found")

// TemplatePrefix is prepended to a model name to find its workflow.
const TemplatePrefix = "txt2img-"

const catalogFile = "catalog.yaml"

// TemplateName maps a model name to its workflow template name.
func TemplateName(model string) string {
	if strings.HasPrefix(model, TemplatePrefix) {
		return model
	}
	return TemplatePrefix + model
}

// Params are the job values substituted into a template.
type Params struct {
	Prompt         string
	NegativePrompt string
	Seed           *int
	Steps          int
	Guidance       float64
	Width          int
	Height         int
}

// TemplateInfo describes one available template.
type TemplateInfo struct {
	Name        string `json:"name"`
	Model       string `json:"model"`
	Description string `json:"description,omitempty"`
}

type catalog struct {
	Templates map[string]struct {
		Description string `yaml:"description"`
	} `yaml:"templates"`
}

// TemplateLoader reads workflow JSON templates from a directory. An optional
// catalog.yaml next to them carries human readable descriptions.
type TemplateLoader struct {
	dir    string
	logger zerolog.Logger
}

func NewTemplateLoader(dir string, logger zerolog.Logger) *TemplateLoader {
	return &TemplateLoader{dir: dir, logger: logger}
}

// Resolve loads the named template and substitutes p into its placeholders.
func (l *TemplateLoader) Resolve(name string, p Params) (Workflow, error) {
	file, err := templateFile(name)
	if err != nil {
		return Workflow{}, err
	}
	raw, err := os.ReadFile(filepath.Join(l.dir, file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Error().Str("template", file).Str("dir", l.dir).Msg("comfyui: workflow template not found")
			return Workflow{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, file)
		}
		return Workflow{}, fmt.Errorf("comfyui: read template %s: %w", file, err)
	}

	seed := -1
	if p.Seed != nil {
		seed = *p.Seed
	}
	if seed < 0 {
		seed = rand.Intn(math.MaxInt32)
	}
	resolved := strings.NewReplacer(
		"{{prompt}}", jsonEscape(p.Prompt),
		"{{negative_prompt}}", jsonEscape(p.NegativePrompt),
		"{{seed}}", strconv.Itoa(seed),
		"{{steps}}", strconv.Itoa(p.Steps),
		"{{cfg}}", strconv.FormatFloat(p.Guidance, 'f', 1, 64),
		"{{width}}", strconv.Itoa(p.Width),
		"{{height}}", strconv.Itoa(p.Height),
	).Replace(string(raw))

	if !json.Valid([]byte(resolved)) {
		return Workflow{}, fmt.Errorf("comfyui: template %s is not valid JSON after substitution", file)
	}
	l.logger.Debug().Str("template", file).Int("steps", p.Steps).Float64("cfg", p.Guidance).Msg("comfyui: resolved workflow template")
	return Workflow{Prompt: json.RawMessage(resolved)}, nil
}

// List returns the template names, sorted. A missing directory lists nothing.
func (l *TemplateLoader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Warn().Str("dir", l.dir).Msg("comfyui: workflows directory does not exist")
			return nil, nil
		}
		return nil, fmt.Errorf("comfyui: list templates: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Describe lists templates with their catalog descriptions.
func (l *TemplateLoader) Describe() ([]TemplateInfo, error) {
	names, err := l.List()
	if err != nil {
		return nil, err
	}
	cat, err := l.loadCatalog()
	if err != nil {
		return nil, err
	}
	infos := make([]TemplateInfo, 0, len(names))
	for _, name := range names {
		info := TemplateInfo{Name: name, Model: strings.TrimPrefix(name, TemplatePrefix)}
		if entry, ok := cat.Templates[name]; ok {
			info.Description = entry.Description
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (l *TemplateLoader) loadCatalog() (catalog, error) {
	var cat catalog
	raw, err := os.ReadFile(filepath.Join(l.dir, catalogFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cat, nil
		}
		return cat, fmt.Errorf("comfyui: read catalog: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return cat, fmt.Errorf("comfyui: parse catalog: %w", err)
	}
	return cat, nil
}

func templateFile(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	return name, nil
}

// jsonEscape returns s encoded for use inside a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
