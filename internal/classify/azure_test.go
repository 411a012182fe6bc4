package classify_test

import (
	"slices"
	"testing"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/analyze"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/classify"
)

func TestParseReplyPlainObject(t *testing.T) {
	intent, err := classify.ParseReply(
		`{"verb":"COUNT","entities":["support_tickets"],"conditions":{"status":"open"}}`)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if intent.Verb != analyze.VerbCount {
		t.Errorf("Verb = %q, want COUNT", intent.Verb)
	}
	if !slices.Equal(intent.Entities, []string{"support_tickets"}) {
		t.Errorf("Entities = %v", intent.Entities)
	}
	if intent.Conditions.Status != "open" {
		t.Errorf("Status = %q, want open", intent.Conditions.Status)
	}
}

func TestParseReplyCodeFenced(t *testing.T) {
	content := "Here is the classification:\n```json\n" +
		`{"verb":"select","entities":["orders"],"conditions":{"location":"texas","limit":5}}` +
		"\n```\n"
	intent, err := classify.ParseReply(content)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if intent.Verb != analyze.VerbSelect {
		t.Errorf("Verb = %q, want SELECT (case-folded)", intent.Verb)
	}
	if intent.Conditions.Location != "texas" || intent.Conditions.Limit != 5 {
		t.Errorf("Conditions = %+v", intent.Conditions)
	}
}

func TestParseReplyRejectsUnknownVerb(t *testing.T) {
	_, err := classify.ParseReply(`{"verb":"TRUNCATE","entities":["orders"]}`)
	if err == nil {
		t.Fatal("unknown verb accepted")
	}
}

func TestParseReplyRejectsNonJSON(t *testing.T) {
	for _, content := range []string{
		"I cannot classify that query.",
		"",
		"{broken",
	} {
		if _, err := classify.ParseReply(content); err == nil {
			t.Errorf("ParseReply(%q) accepted", content)
		}
	}
}
