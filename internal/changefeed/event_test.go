package changefeed

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseDomain(t *testing.T) {
	tests := []struct {
		in      string
		want    Domain
		wantErr bool
	}{
		{"account", DomainAccount, false},
		{"Listing", DomainListing, false},
		{" application ", DomainApplication, false},
		{"users", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		got, err := ParseDomain(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseDomain(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDomain(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in   string
		want Operation
	}{
		{"insert", OperationInsert},
		{"UPDATE", OperationUpdate},
		{"Delete", OperationDelete},
		{"replace", OperationReplace},
	}
	for _, tc := range tests {
		got, err := ParseOperation(tc.in)
		if err != nil {
			t.Fatalf("ParseOperation(%q) unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseOperation(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := ParseOperation("truncate"); err == nil {
		t.Error("expected error for unsupported operation")
	}
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev, err := NewEvent(DomainListing, Change{
		Operation:  "INSERT",
		DocumentID: "l-1",
		Document:   json.RawMessage(`{"id":"l-1","status":"active"}`),
	}, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Domain != DomainListing || ev.Operation != OperationInsert || ev.SubjectID != "l-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if !ev.OccurredAt.Equal(at) {
		t.Errorf("expected occurredAt %s, got %s", at, ev.OccurredAt)
	}
	if string(ev.Snapshot) != `{"id":"l-1","status":"active"}` {
		t.Errorf("unexpected snapshot %s", ev.Snapshot)
	}
}

func TestNewEvent_DeleteDropsSnapshot(t *testing.T) {
	ev, err := NewEvent(DomainAccount, Change{
		Operation:  "delete",
		DocumentID: "a-1",
		Document:   json.RawMessage(`{"id":"a-1"}`),
	}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Snapshot != nil {
		t.Errorf("delete events must not carry a snapshot, got %s", ev.Snapshot)
	}
}

func TestNewEvent_NullDocumentIsAbsent(t *testing.T) {
	ev, err := NewEvent(DomainAccount, Change{Operation: "update", DocumentID: "a-1", Document: json.RawMessage(`null`)}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Snapshot != nil {
		t.Errorf("expected no snapshot, got %s", ev.Snapshot)
	}
}

func TestNewEvent_Rejects(t *testing.T) {
	if _, err := NewEvent(DomainAccount, Change{Operation: "insert"}, time.Now()); !errors.Is(err, ErrMissingDocumentID) {
		t.Errorf("expected ErrMissingDocumentID, got %v", err)
	}
	if _, err := NewEvent(DomainAccount, Change{Operation: "merge", DocumentID: "x"}, time.Now()); err == nil {
		t.Error("expected error for unknown operation")
	}
	if _, err := NewEvent(Domain("users"), Change{Operation: "insert", DocumentID: "x"}, time.Now()); err == nil {
		t.Error("expected error for unknown domain")
	}
}

func TestParseDomains(t *testing.T) {
	all, err := ParseDomains(nil)
	if err != nil || len(all) != len(Domains) {
		t.Fatalf("empty list should select every domain, got %v (%v)", all, err)
	}

	got, err := ParseDomains([]string{"Listing", " application "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != DomainListing || got[1] != DomainApplication {
		t.Errorf("unexpected domains %v", got)
	}

	if _, err := ParseDomains([]string{"listing", "orders"}); err == nil {
		t.Error("expected an error for an unknown domain")
	}
}

func TestSnapshotBelongsTo(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		id   string
		want bool
	}{
		{"matching string id", `{"id":"abc"}`, "abc", true},
		{"matching numeric id", `{"id":42,"name":"x"}`, "42", true},
		{"matching mongo id", `{"_id":"abc"}`, "abc", true},
		{"matching oid", `{"_id":{"$oid":"65f0"}}`, "65f0", true},
		{"no id field", `{"name":"x"}`, "abc", true},
		{"null id field", `{"id":null}`, "abc", true},
		{"empty document", ``, "abc", true},
		{"padded id", `{"id":"abc"}`, " abc ", true},
		{"other document", `{"id":"other"}`, "abc", false},
		{"not an object", `[1,2]`, "abc", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SnapshotBelongsTo(json.RawMessage(tc.doc), tc.id); got != tc.want {
				t.Errorf("SnapshotBelongsTo(%s, %q) = %v, want %v", tc.doc, tc.id, got, tc.want)
			}
		})
	}
}
