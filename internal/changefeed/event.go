package changefeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Domain identifies one of the watched marketplace collections.
type Domain string

const (
	DomainAccount     Domain = "account"
	DomainListing     Domain = "listing"
	DomainApplication Domain = "application"
)

// Domains lists every watched collection in a stable order.
var Domains = []Domain{
	DomainAccount,
	DomainListing,
	DomainApplication,
}

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool {
	switch d {
	case DomainAccount, DomainListing, DomainApplication:
		return true
	}
	return false
}

// ParseDomain converts a configuration or wire value into a Domain.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown domain %q", s)
	}
	return d, nil
}

// ParseDomains parses a list of domain names, as given in configuration.
// An empty list selects every domain.
func ParseDomains(names []string) ([]Domain, error) {
	if len(names) == 0 {
		return append([]Domain(nil), Domains...), nil
	}
	out := make([]Domain, 0, len(names))
	for _, n := range names {
		d, err := ParseDomain(n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Operation is the nature of a change reported by the feed.
type Operation string

const (
	OperationInsert  Operation = "insert"
	OperationUpdate  Operation = "update"
	OperationDelete  Operation = "delete"
	OperationReplace Operation = "replace"
)

// ParseOperation accepts both lower-case feed values and upper-case
// trigger values (TG_OP).
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete, OperationReplace:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// ErrMissingDocumentID is returned by NewEvent for changes without a subject.
var ErrMissingDocumentID = errors.New("change has no document id")

// Change is a native notification as delivered by a Source, before
// normalization.
type Change struct {
	Operation  string          `json:"op"`
	DocumentID string          `json:"id"`
	Document   json.RawMessage `json:"doc,omitempty"`
}

// Event is the envelope fanned out to connected clients. Events are
// immutable once built and are never persisted.
type Event struct {
	Domain     Domain          `json:"domain"`
	Operation  Operation       `json:"operation"`
	OccurredAt time.Time       `json:"occurredAt"`
	SubjectID  string          `json:"subjectId"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
}

// NewEvent normalizes a native change observed at the given time. Delete
// events never carry a snapshot.
func NewEvent(domain Domain, c Change, observedAt time.Time) (Event, error) {
	if !domain.Valid() {
		return Event{}, fmt.Errorf("unknown domain %q", domain)
	}
	op, err := ParseOperation(c.Operation)
	if err != nil {
		return Event{}, err
	}
	id := strings.TrimSpace(c.DocumentID)
	if id == "" {
		return Event{}, ErrMissingDocumentID
	}

	ev := Event{
		Domain:     domain,
		Operation:  op,
		OccurredAt: observedAt,
		SubjectID:  id,
	}
	if op != OperationDelete && hasDocument(c.Document) {
		ev.Snapshot = append(json.RawMessage(nil), c.Document...)
	}
	return ev, nil
}

// SnapshotBelongsTo reports whether doc describes the document with the
// given id, ignoring surrounding whitespace in id. Documents that carry no
// "id" or "_id" field are accepted.
func SnapshotBelongsTo(doc json.RawMessage, id string) bool {
	if !hasDocument(doc) {
		return true
	}
	id = strings.TrimSpace(id)
	var keys struct {
		ID      json.RawMessage `json:"id"`
		MongoID json.RawMessage `json:"_id"`
	}
	if err := json.Unmarshal(doc, &keys); err != nil {
		return false
	}
	for _, raw := range []json.RawMessage{keys.ID, keys.MongoID} {
		if !hasDocument(raw) {
			continue
		}
		owner, ok := scalarString(raw)
		if !ok {
			// {"$oid": "..."} style identifiers.
			var oid struct {
				OID string `json:"$oid"`
			}
			if err := json.Unmarshal(raw, &oid); err != nil || oid.OID == "" {
				continue
			}
			owner = oid.OID
		}
		if owner != id {
			return false
		}
	}
	return true
}

func hasDocument(doc json.RawMessage) bool {
	trimmed := bytes.TrimSpace(doc)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func scalarString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}
