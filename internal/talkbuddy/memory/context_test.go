package memory

import (
	"strings"
	"testing"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/store"
)

var kai = &store.Character{Name: "Kai", PersonaPrompt: "An upbeat surf instructor."}

func turns(contents ...string) []store.Message {
	out := make([]store.Message, len(contents))
	for i, c := range contents {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		out[i] = store.Message{ID: int64(i + 1), Role: role, Content: c}
	}
	return out
}

func TestBuild_EmptyHistory(t *testing.T) {
	got := NewContextBuilder(4, 100).Build(kai, nil, "Hi")
	want := "You are Kai. An upbeat surf instructor.\n\n" +
		"User: Hi\n\n" +
		"Respond as Kai (keep it under 100 words):"
	if got != want {
		t.Errorf("got:\n%q\nwant:\n%q", got, want)
	}
}

func TestBuild_WithHistory(t *testing.T) {
	got := NewContextBuilder(4, 50).Build(kai, turns("Hi", "Hello there"), "How are the waves?")
	want := "You are Kai. An upbeat surf instructor.\n\n" +
		"Recent:\nU: Hi\nKai: Hello there\n" +
		"User: How are the waves?\n\n" +
		"Respond as Kai (keep it under 50 words):"
	if got != want {
		t.Errorf("got:\n%q\nwant:\n%q", got, want)
	}
}

func TestBuild_Window(t *testing.T) {
	history := turns("m1", "m2", "m3", "m4", "m5", "m6")

	tests := []struct {
		name    string
		window  int
		include []string
		exclude []string
	}{
		{"default window", -1, []string{"m3", "m6"}, []string{"m1", "m2"}},
		{"window of two", 2, []string{"m5", "m6"}, []string{"m4"}},
		{"full history", 0, []string{"m1", "m6"}, nil},
		{"window larger than history", 10, []string{"m1", "m6"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewContextBuilder(tt.window, 0).Build(kai, history, "next")
			for _, s := range tt.include {
				if !strings.Contains(got, ": "+s+"\n") {
					t.Errorf("expected %q in prompt:\n%s", s, got)
				}
			}
			for _, s := range tt.exclude {
				if strings.Contains(got, ": "+s+"\n") {
					t.Errorf("did not expect %q in prompt:\n%s", s, got)
				}
			}
		})
	}
}

func TestBuild_ZeroValueBuilder(t *testing.T) {
	got := ContextBuilder{}.Build(kai, turns("a", "b", "c", "d", "e"), "f")
	if !strings.HasSuffix(got, "(keep it under 100 words):") {
		t.Errorf("expected default word limit, got:\n%s", got)
	}
	if !strings.Contains(got, "U: a\n") {
		t.Errorf("zero Window should include the full history:\n%s", got)
	}
}

func TestMergeMessages(t *testing.T) {
	base := turns("a", "b")
	got := mergeMessages(base, base[1], store.Message{ID: 3, Content: "c"})
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[2].Content != "c" {
		t.Errorf("got %q last", got[2].Content)
	}
	if len(base) != 2 {
		t.Error("base was modified")
	}
}
