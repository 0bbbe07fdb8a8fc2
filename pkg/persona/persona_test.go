package persona

import (
	"strings"
	"testing"
)

func TestSystemPrompt(t *testing.T) {
	p := Persona{ID: "coach", Name: "Coach", Behavior: "Be encouraging but honest."}
	proj := Project{ID: "proj-1", Name: "Atlas", Facts: []string{"go backend", "ships weekly"}}

	out := SystemPrompt(p, proj)
	if !strings.HasPrefix(out, "You are Coach.") {
		t.Fatalf("missing persona framing:\n%s", out)
	}
	if !strings.Contains(out, "Be encouraging but honest.") {
		t.Fatalf("missing behavior:\n%s", out)
	}
	if !strings.Contains(out, `The current project is "Atlas".`) {
		t.Fatalf("missing project framing:\n%s", out)
	}
	if !strings.Contains(out, "- ships weekly") {
		t.Fatalf("missing project facts:\n%s", out)
	}
}

func TestSystemPrompt_NoProject(t *testing.T) {
	out := SystemPrompt(DefaultPersona, Project{})
	if strings.Contains(out, "current project") {
		t.Fatalf("projectless prompt must not mention a project:\n%s", out)
	}
}
