package comfyui

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestShippedWorkflowsResolve(t *testing.T) {
	loader := NewTemplateLoader(filepath.Join("..", "..", "workflows"), zerolog.Nop())
	infos, err := loader.Describe()
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(infos) == 0 {
		t.Fatal("no shipped workflows")
	}
	seed := 7
	for _, info := range infos {
		if info.Description == "" {
			t.Errorf("%s has no catalog description", info.Name)
		}
		wf, err := loader.Resolve(info.Name, Params{
			Prompt: `a "quoted" prompt`, Seed: &seed, Steps: 20, Guidance: 7.5, Width: 1024, Height: 1024,
		})
		if err != nil {
			t.Fatalf("Resolve(%s): %v", info.Name, err)
		}
		var graph map[string]any
		if err := json.Unmarshal(wf.Prompt, &graph); err != nil {
			t.Fatalf("%s: %v", info.Name, err)
		}
	}
}
