package comfyui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// Workflow is a resolved backend graph ready for submission.
type Workflow struct {
	Prompt   json.RawMessage
	ClientID string
}

type submitRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id,omitempty"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

// History is the backend's record of one submitted prompt.
type History struct {
	Status  HistoryStatus `json:"status"`
	Outputs NodeOutputs   `json:"outputs"`
}

type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// NodeOutputs keeps node outputs in the order the backend reported them.
type NodeOutputs []NodeOutput

type NodeOutput struct {
	NodeID string
	Images []OutputRef
}

// OutputRef addresses one file produced by the backend.
type OutputRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// ViewPath is the backend-relative path serving the file.
func (o OutputRef) ViewPath() string {
	q := url.Values{}
	q.Set("filename", o.Filename)
	typ := o.Type
	if typ == "" {
		typ = "output"
	}
	q.Set("type", typ)
	if o.Subfolder != "" {
		q.Set("subfolder", o.Subfolder)
	}
	return "/view?" + q.Encode()
}

func (o *NodeOutputs) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("comfyui: outputs must be an object")
	}
	var out NodeOutputs
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		nodeID, _ := tok.(string)
		var node struct {
			Images []OutputRef `json:"images"`
		}
		if err := dec.Decode(&node); err != nil {
			return fmt.Errorf("comfyui: decode output %s: %w", nodeID, err)
		}
		out = append(out, NodeOutput{NodeID: nodeID, Images: node.Images})
	}
	*o = out
	return nil
}

// Done reports whether the backend finished the prompt, successfully or not.
func (h *History) Done() bool {
	return h != nil && (h.Status.Completed || h.Failed())
}

// Failed reports a backend-side execution error.
func (h *History) Failed() bool {
	return h != nil && h.Status.StatusStr == "error"
}

// FirstImage returns the first image output in backend order.
func (h *History) FirstImage() (OutputRef, bool) {
	if h == nil {
		return OutputRef{}, false
	}
	for _, node := range h.Outputs {
		for _, img := range node.Images {
			if img.Filename != "" {
				return img, true
			}
		}
	}
	return OutputRef{}, false
}

// ErrorText extracts the exception message of an execution_error status
// message when the backend provides one.
func (h *History) ErrorText() string {
	if h != nil {
		for _, raw := range h.Status.Messages {
			var pair []json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
				continue
			}
			var kind string
			if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "execution_error" {
				continue
			}
			var detail struct {
				NodeType         string `json:"node_type"`
				ExceptionMessage string `json:"exception_message"`
			}
			if err := json.Unmarshal(pair[1], &detail); err == nil && detail.ExceptionMessage != "" {
				if detail.NodeType != "" {
					return fmt.Sprintf("%s: %s", detail.NodeType, detail.ExceptionMessage)
				}
				return detail.ExceptionMessage
			}
		}
	}
	return "backend reported an execution error"
}

// SystemStats is the backend's /system_stats document.
type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		PythonVersion  string `json:"python_version"`
		EmbeddedPython bool   `json:"embedded_python"`
	} `json:"system"`
	Devices []Device `json:"devices"`
}

type Device struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Index          int    `json:"index"`
	VRAMTotal      int64  `json:"vram_total"`
	VRAMFree       int64  `json:"vram_free"`
	TorchVRAMTotal int64  `json:"torch_vram_total"`
	TorchVRAMFree  int64  `json:"torch_vram_free"`
}
