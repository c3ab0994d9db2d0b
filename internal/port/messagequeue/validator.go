package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// checker is implemented by payloads with rules beyond their JSON shape.
type checker interface {
	check() error
}

// payloadFor returns an empty payload for subject, or nil when the subject
// carries free-form JSON.
func payloadFor(subject string) any {
	switch {
	case subject == SubjectStepReady:
		return &StepReadyPayload{}
	case strings.HasPrefix(subject, SubjectToolExecPrefix+"."):
		return &ToolExecRequestPayload{}
	case strings.HasPrefix(subject, SubjectOutboxPrefix+"."):
		return &OutboxPayload{}
	}
	return nil
}

// Validate rejects data that is not JSON, or that does not decode into the
// payload registered for subject. Transports dead-letter rejected messages
// instead of handing them to a handler.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}
	target := payloadFor(subject)
	if target == nil {
		return nil
	}
	err := json.Unmarshal(data, target)
	if c, ok := target.(checker); ok && err == nil {
		err = c.check()
	}
	if err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}

func (p *StepReadyPayload) check() error {
	if p.RunID == "" || p.StepID == "" {
		return errors.New("run_id and step_id are required")
	}
	if p.Attempt < 0 {
		return errors.New("attempt must be >= 0")
	}
	return nil
}
