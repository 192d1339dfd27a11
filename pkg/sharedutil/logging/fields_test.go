package logging

import (
	"errors"
	"testing"
)

func TestNewFields(t *testing.T) {
	fields := NewFields()
	if fields == nil {
		t.Fatal("NewFields() returned nil")
	}
	if len(fields) != 0 {
		t.Errorf("NewFields() should be empty, got %d fields", len(fields))
	}
}

func TestStandardFields_Component(t *testing.T) {
	fields := NewFields().Component("test-component")
	if fields["component"] != "test-component" {
		t.Errorf("Component() = %v, want %v", fields["component"], "test-component")
	}
}

func TestStandardFields_Operation(t *testing.T) {
	fields := NewFields().Operation("create")
	if fields["operation"] != "create" {
		t.Errorf("Operation() = %v, want %v", fields["operation"], "create")
	}
}

func TestStandardFields_Resource(t *testing.T) {
	fields := NewFields().Resource("incident", "inc-123")
	if fields["resource_type"] != "incident" {
		t.Errorf("Resource() resource_type = %v, want %v", fields["resource_type"], "incident")
	}
	if fields["resource_name"] != "inc-123" {
		t.Errorf("Resource() resource_name = %v, want %v", fields["resource_name"], "inc-123")
	}
}

func TestStandardFields_ResourceWithoutName(t *testing.T) {
	fields := NewFields().Resource("incident", "")
	if fields["resource_type"] != "incident" {
		t.Errorf("Resource() resource_type = %v, want %v", fields["resource_type"], "incident")
	}
	if _, exists := fields["resource_name"]; exists {
		t.Error("Resource() should not set resource_name when empty")
	}
}

func TestStandardFields_Error(t *testing.T) {
	err := errors.New("test error")
	fields := NewFields().Error(err)
	if fields["error"] != "test error" {
		t.Errorf("Error() = %v, want %v", fields["error"], "test error")
	}
}

func TestStandardFields_ErrorNil(t *testing.T) {
	fields := NewFields().Error(nil)
	if _, exists := fields["error"]; exists {
		t.Error("Error(nil) should not set error field")
	}
}

func TestStandardFields_Custom(t *testing.T) {
	fields := NewFields().Custom("weighted_score", 0.9)
	if fields["weighted_score"] != 0.9 {
		t.Errorf("Custom() = %v, want %v", fields["weighted_score"], 0.9)
	}
}

func TestStandardFields_ChainedCalls(t *testing.T) {
	fields := NewFields().
		Component("consensus").
		Operation("evaluate").
		Resource("incident", "inc-123").
		Custom("approved", true)

	expected := map[string]interface{}{
		"component":     "consensus",
		"operation":     "evaluate",
		"resource_type": "incident",
		"resource_name": "inc-123",
		"approved":      true,
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("Chained calls: %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestStandardFields_ToLogrus(t *testing.T) {
	fields := NewFields().Component("incident").Operation("fail")
	logrusFields := fields.ToLogrus()
	if logrusFields == nil {
		t.Fatal("ToLogrus() should not return nil")
	}
	if logrusFields["component"] != "incident" {
		t.Errorf("ToLogrus() component = %v, want %v", logrusFields["component"], "incident")
	}
}

func TestIncidentFields(t *testing.T) {
	fields := IncidentFields("inc-123", "DETECTING")
	if fields["resource_name"] != "inc-123" {
		t.Errorf("IncidentFields() resource_name = %v, want inc-123", fields["resource_name"])
	}
	if fields["phase"] != "DETECTING" {
		t.Errorf("IncidentFields() phase = %v, want DETECTING", fields["phase"])
	}
}

func TestAgentFields(t *testing.T) {
	fields := AgentFields("RESOLUTION", "COMPLETED")
	if fields["role"] != "RESOLUTION" {
		t.Errorf("AgentFields() role = %v, want RESOLUTION", fields["role"])
	}
	if fields["status"] != "COMPLETED" {
		t.Errorf("AgentFields() status = %v, want COMPLETED", fields["status"])
	}
}

func TestConsensusFields(t *testing.T) {
	fields := ConsensusFields("inc-123", true, 0.9)
	if fields["approved"] != true {
		t.Errorf("ConsensusFields() approved = %v, want true", fields["approved"])
	}
	if fields["weighted_score"] != 0.9 {
		t.Errorf("ConsensusFields() weighted_score = %v, want 0.9", fields["weighted_score"])
	}
}
