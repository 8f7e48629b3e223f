// Package capability defines the closed set of worker capability tags and the
// subset test used to decide whether a client may be handed a task.
package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Capability string

const (
	Internet  Capability = "internet"
	DiskSpace Capability = "disk_space"
	AI        Capability = "ai"
)

// All lists every known capability tag. The set is closed and shared with
// workers out of band; unknown tags are rejected at parse time.
func All() []Capability {
	return []Capability{Internet, DiskSpace, AI}
}

func Parse(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Internet, DiskSpace, AI:
		return c, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Set is a normalized (sorted, deduplicated) collection of capability tags.
// The zero value is the empty set.
type Set []Capability

func NewSet(caps ...Capability) Set {
	seen := make(map[Capability]struct{}, len(caps))
	out := make(Set, 0, len(caps))
	for _, c := range caps {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseSet builds a Set from raw strings, rejecting unknown tags.
func ParseSet(raw []string) (Set, error) {
	caps := make([]Capability, 0, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) == "" {
			continue
		}
		c, err := Parse(s)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return NewSet(caps...), nil
}

func (s Set) Has(c Capability) bool {
	for _, have := range s {
		if have == c {
			return true
		}
	}
	return false
}

func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = string(c)
	}
	return out
}

func (s Set) String() string {
	return strings.Join(s.Strings(), ",")
}

// MarshalJSON renders the set as a JSON array of tag strings. The empty set
// marshals as [] rather than null so jsonb containment queries behave.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSet(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Satisfies reports whether every required capability is offered. It is the
// whole of the capability matcher: a pure subset test with no tie to any
// particular task or client.
func Satisfies(required, offered Set) bool {
	for _, need := range required {
		if !offered.Has(need) {
			return false
		}
	}
	return true
}
