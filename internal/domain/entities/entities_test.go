package entities

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetrievedDocument_ScorePrefersRerank(t *testing.T) {
	doc := RetrievedDocument{ID: "d1", SimilarityScore: 0.4}
	if doc.Score() != 0.4 {
		t.Errorf("expected similarity score 0.4, got %f", doc.Score())
	}

	rr := 0.9
	doc.RerankScore = &rr
	if doc.Score() != 0.9 {
		t.Errorf("expected rerank score 0.9, got %f", doc.Score())
	}
}

func TestUsage_Total(t *testing.T) {
	u := Usage{PromptTokens: 12, CompletionTokens: 30}
	if u.Total() != 42 {
		t.Errorf("expected 42 tokens, got %d", u.Total())
	}
}

func TestLogicalModel_PhysicalName(t *testing.T) {
	m := LogicalModel{
		Name:          "chat",
		Instances:     []string{"a", "b"},
		PhysicalNames: map[string]string{"a": "qwen-plus", "b": ""},
	}

	if name, ok := m.PhysicalName("a"); !ok || name != "qwen-plus" {
		t.Errorf("expected qwen-plus, got %q (%v)", name, ok)
	}
	if _, ok := m.PhysicalName("b"); ok {
		t.Error("empty physical name should not resolve")
	}
	if _, ok := m.PhysicalName("missing"); ok {
		t.Error("unknown instance should not resolve")
	}
}

func TestCallRecord_FailoverEventsJSON(t *testing.T) {
	rec := CallRecord{}
	if got := rec.FailoverEventsJSON(); got != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}

	rec.FailoverEvents = []FailoverEvent{
		{InstanceName: "a", PhysicalModelName: "m1", Status: FailoverFailed, Error: "boom"},
		{InstanceName: "b", PhysicalModelName: "m2", Status: FailoverSuccess},
	}
	got := rec.FailoverEventsJSON()
	if !strings.Contains(got, `"status":"failed"`) || !strings.Contains(got, `"instance_name":"b"`) {
		t.Errorf("unexpected failover json: %s", got)
	}
}

func TestCallRecord_Duration(t *testing.T) {
	start := time.Now()
	rec := CallRecord{StartedAt: start, EndedAt: start.Add(1500 * time.Millisecond)}
	if rec.Duration() != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %s", rec.Duration())
	}
}

func TestAllInstancesFailedError_Unwrap(t *testing.T) {
	last := errors.New("connection refused")
	err := error(&AllInstancesFailedError{
		LogicalModel: "chat",
		LastErr:      &AdapterError{Instance: "b", Err: last},
	})

	if !errors.Is(err, last) {
		t.Error("expected last adapter error to be reachable")
	}
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Instance != "b" {
		t.Error("expected AdapterError for instance b")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestConfigurationError_Message(t *testing.T) {
	err := &ConfigurationError{LogicalModel: "nope"}
	if err.Error() != `logical model "nope" is not configured` {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestDocumentIDForPath(t *testing.T) {
	a := DocumentIDForPath("data/servants/saber.md")
	if a != DocumentIDForPath("data/servants/saber.md") {
		t.Error("document ID should be deterministic")
	}
	if a == DocumentIDForPath("data/servants/lancer.md") {
		t.Error("different paths should have different IDs")
	}
	if len(a) != 16 {
		t.Errorf("expected 16 hex chars, got %d", len(a))
	}
}
