// Package progress fans lifecycle and progress notifications for generation
// jobs out to live subscribers.
package progress

import (
	"fmt"
	"time"
)

// EventType names an envelope kind.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventNode      EventType = "node"
	// EventPreview is reserved on the wire; no backend event maps to it yet.
	EventPreview   EventType = "preview"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Payload carries the envelope detail. Progress is a percentage from 0 to 100.
type Payload struct {
	Progress    int    `json:"progress"`
	CurrentNode string `json:"current_node,omitempty"`
	Step        *int   `json:"step,omitempty"`
	TotalSteps  *int   `json:"total_steps,omitempty"`
	PreviewURL  string `json:"preview_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Envelope is one notification. Envelopes are never persisted.
type Envelope struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func newEnvelope(t EventType, jobID string, p Payload) Envelope {
	return Envelope{Type: t, JobID: jobID, Payload: p, Timestamp: time.Now().UTC()}
}

func Started(jobID string) Envelope {
	return newEnvelope(EventStarted, jobID, Payload{})
}

func Node(jobID, node string) Envelope {
	return newEnvelope(EventNode, jobID, Payload{CurrentNode: node})
}

// Progress computes floor(100*step/total), or 0 when total is not positive.
func Progress(jobID string, step, total int) Envelope {
	pct := 0
	if total > 0 {
		pct = 100 * step / total
	}
	return newEnvelope(EventProgress, jobID, Payload{Progress: pct, Step: &step, TotalSteps: &total})
}

// Completed points PreviewURL at the image endpoint when an output exists.
func Completed(jobID, outputPath string) Envelope {
	p := Payload{Progress: 100}
	if outputPath != "" {
		p.PreviewURL = ImageURL(jobID)
	}
	return newEnvelope(EventCompleted, jobID, p)
}

func Failed(jobID, errText string) Envelope {
	return newEnvelope(EventFailed, jobID, Payload{Error: errText})
}

func Cancelled(jobID string) Envelope {
	return newEnvelope(EventCancelled, jobID, Payload{})
}

// ImageURL is the public path serving a job's output.
func ImageURL(jobID string) string {
	return fmt.Sprintf("/api/generations/%s/image", jobID)
}
