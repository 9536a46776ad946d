// Package endpoint defines the identity of things Serial Keel can
// observe and control: real TTY devices and in-memory mocks.
package endpoint

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind distinguishes the two endpoint families.
type Kind int

const (
	// KindTty identifies a real serial device.
	KindTty Kind = iota
	// KindMock identifies an in-memory endpoint fed by client writes.
	KindMock
)

func (k Kind) String() string {
	if k == KindTty {
		return "Tty"
	}
	return "Mock"
}

// ID names a concrete endpoint: either a TTY device path or a mock
// name. Two IDs of the same kind with the same name refer to the
// same endpoint.
type ID struct {
	Kind Kind
	Name string
}

// Tty builds a TTY endpoint id.
func Tty(name string) ID { return ID{Kind: KindTty, Name: name} }

// Mock builds a mock endpoint id.
func Mock(name string) ID { return ID{Kind: KindMock, Name: name} }

func (id ID) String() string {
	return fmt.Sprintf("%s(%s)", id.Kind, id.Name)
}

// MarshalJSON renders the id as the spec's "enum as single-key
// object" shape: {"Tty":"name"} or {"Mock":"name"}.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.Kind {
	case KindTty:
		return json.Marshal(struct {
			Tty string `json:"Tty"`
		}{id.Name})
	case KindMock:
		return json.Marshal(struct {
			Mock string `json:"Mock"`
		}{id.Name})
	default:
		return nil, fmt.Errorf("endpoint: unknown kind %v", id.Kind)
	}
}

// UnmarshalJSON parses the spec's wire shape for an endpoint id.
func (id *ID) UnmarshalJSON(data []byte) error {
	var shape struct {
		Tty  *string `json:"Tty"`
		Mock *string `json:"Mock"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	switch {
	case shape.Tty != nil:
		*id = ID{Kind: KindTty, Name: *shape.Tty}
	case shape.Mock != nil:
		*id = ID{Kind: KindMock, Name: *shape.Mock}
	default:
		return fmt.Errorf("endpoint: expected {\"Tty\":...} or {\"Mock\":...}, got %s", data)
	}
	return nil
}

// Labels is a set of strings attached to an endpoint or a group.
// Order is not significant; equality and subset checks are by
// membership only.
type Labels map[string]struct{}

// NewLabels builds a Labels set from the given strings.
func NewLabels(values ...string) Labels {
	l := make(Labels, len(values))
	for _, v := range values {
		l[v] = struct{}{}
	}
	return l
}

// Has reports whether the label is present.
func (l Labels) Has(label string) bool {
	_, ok := l[label]
	return ok
}

// IsSupersetOf reports whether every label in other is present in l.
func (l Labels) IsSupersetOf(other Labels) bool {
	for label := range other {
		if !l.Has(label) {
			return false
		}
	}
	return true
}

// Union returns a new Labels set containing every label in l or other.
func (l Labels) Union(other Labels) Labels {
	out := make(Labels, len(l)+len(other))
	for label := range l {
		out[label] = struct{}{}
	}
	for label := range other {
		out[label] = struct{}{}
	}
	return out
}

// Sorted returns the labels as a sorted slice, for stable logging and
// deterministic test output.
func (l Labels) Sorted() []string {
	out := make([]string, 0, len(l))
	for label := range l {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Line is a single framed line of output from an endpoint.
type Line struct {
	// Seq is the monotonic per-endpoint sequence number, starting at 0.
	Seq uint64
	// Text is the decoded line content, with any trailing \r\n or \n stripped.
	Text string
}
