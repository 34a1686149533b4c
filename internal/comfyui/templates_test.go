package comfyui

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const sdxlTemplate = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": {{seed}}, "steps": {{steps}}, "cfg": {{cfg}}}},
  "5": {"class_type": "EmptyLatentImage", "inputs": {"width": {{width}}, "height": {{height}}}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "{{prompt}}"}},
  "7": {"class_type": "CLIPTextEncode", "inputs": {"text": "{{negative_prompt}}"}}
}`

func writeTemplates(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestResolveSubstitutesParams(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"txt2img-sdxl.json": sdxlTemplate})
	loader := NewTemplateLoader(dir, zerolog.Nop())
	seed := 1234

	wf, err := loader.Resolve(TemplateName("sdxl"), Params{
		Prompt:         "a \"quoted\" cat\nsecond line",
		NegativePrompt: "blurry",
		Seed:           &seed,
		Steps:          30,
		Guidance:       7,
		Width:          832,
		Height:         1216,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var graph map[string]struct {
		Inputs map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal(wf.Prompt, &graph); err != nil {
		t.Fatalf("resolved workflow is not JSON: %v", err)
	}
	if got := graph["6"].Inputs["text"]; got != "a \"quoted\" cat\nsecond line" {
		t.Fatalf("prompt = %v", got)
	}
	if got := graph["3"].Inputs["seed"]; got != float64(1234) {
		t.Fatalf("seed = %v", got)
	}
	if got := graph["3"].Inputs["cfg"]; got != 7.0 {
		t.Fatalf("cfg = %v", got)
	}
	if got := graph["5"].Inputs["height"]; got != float64(1216) {
		t.Fatalf("height = %v", got)
	}
}

func TestResolveRandomizesMissingSeed(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"txt2img-sdxl.json": sdxlTemplate})
	loader := NewTemplateLoader(dir, zerolog.Nop())
	neg := -1

	for _, seed := range []*int{nil, &neg} {
		wf, err := loader.Resolve("txt2img-sdxl", Params{Prompt: "x", Seed: seed, Steps: 1, Width: 64, Height: 64})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		var graph map[string]struct {
			Inputs map[string]any `json:"inputs"`
		}
		_ = json.Unmarshal(wf.Prompt, &graph)
		if s, _ := graph["3"].Inputs["seed"].(float64); s < 0 {
			t.Fatalf("seed should be non-negative, got %v", s)
		}
	}
}

func TestResolveMissingTemplate(t *testing.T) {
	loader := NewTemplateLoader(t.TempDir(), zerolog.Nop())

	for _, name := range []string{"txt2img-flux", "../etc/passwd", "a/b", ""} {
		if _, err := loader.Resolve(name, Params{}); !errors.Is(err, ErrTemplateNotFound) {
			t.Fatalf("Resolve(%q) = %v, want ErrTemplateNotFound", name, err)
		}
	}
}

func TestTemplateName(t *testing.T) {
	if got := TemplateName("sdxl"); got != "txt2img-sdxl" {
		t.Fatalf("TemplateName(sdxl) = %s", got)
	}
	if got := TemplateName("txt2img-flux"); got != "txt2img-flux" {
		t.Fatalf("TemplateName(txt2img-flux) = %s", got)
	}
}

func TestListAndDescribe(t *testing.T) {
	dir := writeTemplates(t, map[string]string{
		"txt2img-sdxl.json": sdxlTemplate,
		"txt2img-flux.json": sdxlTemplate,
		"notes.txt":         "ignored",
		"catalog.yaml":      "templates:\n  txt2img-sdxl:\n    description: SDXL base 1.0\n",
	})
	loader := NewTemplateLoader(dir, zerolog.Nop())

	names, err := loader.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "txt2img-flux" || names[1] != "txt2img-sdxl" {
		t.Fatalf("List = %v", names)
	}

	infos, err := loader.Describe()
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if infos[1].Model != "sdxl" || infos[1].Description != "SDXL base 1.0" || infos[0].Description != "" {
		t.Fatalf("Describe = %+v", infos)
	}
}

func TestListMissingDirectory(t *testing.T) {
	loader := NewTemplateLoader(filepath.Join(t.TempDir(), "nope"), zerolog.Nop())
	names, err := loader.List()
	if err != nil || len(names) != 0 {
		t.Fatalf("List = %v, %v", names, err)
	}
}
