package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateValidStepReady(t *testing.T) {
	data := []byte(`{"run_id":"r1","step_id":"s1","attempt":0}`)
	if err := Validate(SubjectStepReady, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateStepReadyMissingIDs(t *testing.T) {
	err := Validate(SubjectStepReady, []byte(`{"run_id":"r1"}`))
	if err == nil {
		t.Fatal("expected error for missing step_id")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestValidateStepReadyWrongType(t *testing.T) {
	err := Validate(SubjectStepReady, []byte(`{"run_id":"r1","step_id":"s1","attempt":"one"}`))
	if err == nil {
		t.Fatal("expected error for string attempt")
	}
}

func TestValidateToolExecSubject(t *testing.T) {
	data := []byte(`{"tool":"codegen","inputs":{"spec":"x"}}`)
	if err := Validate(SubjectToolExecPrefix+".codegen", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateOutboxSubject(t *testing.T) {
	data := []byte(`{"id":"m1","topic":"run.succeeded","payload":{"run_id":"r1"}}`)
	if err := Validate(SubjectOutboxPrefix+".run.succeeded", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	err := Validate(SubjectStepReady, []byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	if err := Validate("custom.subject", []byte(`{"any":"thing"}`)); err != nil {
		t.Fatalf("unknown subjects should pass, got %v", err)
	}
}

func TestValidateStepReadyNegativeAttempt(t *testing.T) {
	err := Validate(SubjectStepReady, []byte(`{"run_id":"r1","step_id":"s1","attempt":-1}`))
	if err == nil || !strings.Contains(err.Error(), "attempt") {
		t.Fatalf("expected attempt error, got %v", err)
	}
}
