package workflow

import "testing"

func TestParseDefinitionAcceptsValidDocument(t *testing.T) {
	raw := []byte(`
name: release-train
stages:
  - name: plan
    category: planner
    next: build
    gate:
      type: auto
  - name: build
    category: builder
    next: ""
    gate:
      type: manual
      timeout_seconds: 300
      timeout_action: pause
`)
	def, err := ParseDefinition(raw)
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if def.Name != "release-train" || len(def.Stages) != 2 {
		t.Fatalf("unexpected definition: %+v", def)
	}
}

func TestParseDefinitionRejectsUnknownGateType(t *testing.T) {
	raw := []byte(`
name: bad
stages:
  - name: only
    category: c
    gate:
      type: whenever
`)
	if _, err := ParseDefinition(raw); err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestParseDefinitionRejectsDanglingNext(t *testing.T) {
	raw := []byte(`
name: bad
stages:
  - name: only
    category: c
    next: nowhere
`)
	if _, err := ParseDefinition(raw); err == nil {
		t.Fatal("expected dangling-next error")
	}
}

func TestParseDefinitionRejectsNoStages(t *testing.T) {
	raw := []byte(`
name: empty
stages: []
`)
	if _, err := ParseDefinition(raw); err == nil {
		t.Fatal("expected schema validation error for empty stages")
	}
}
