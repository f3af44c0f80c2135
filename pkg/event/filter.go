package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter is a declarative set of constraints a subscription uses to select
// events. Matching is a conjunction across present fields; multiple values
// within one field are disjunctive. An absent field imposes no constraint.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	// Tags maps a single-letter tag name to the accepted values, e.g.
	// "e" -> referenced event ids. It arrives on the wire as "#e".
	Tags  map[string][]string
	Since *int64
	Until *int64
	Limit int
}

type filterJSON struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

func (f Filter) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(filterJSON{
		IDs: f.IDs, Authors: f.Authors, Kinds: f.Kinds,
		Since: f.Since, Until: f.Until, Limit: f.Limit,
	})
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for name, vals := range f.Tags {
		enc, err := json.Marshal(vals)
		if err != nil {
			return nil, err
		}
		m["#"+name] = enc
	}
	return json.Marshal(m)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var base filterJSON
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	*f = Filter{
		IDs: base.IDs, Authors: base.Authors, Kinds: base.Kinds,
		Since: base.Since, Until: base.Until, Limit: base.Limit,
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for key, raw := range m {
		if !strings.HasPrefix(key, "#") || len(key) < 2 {
			continue
		}
		var vals []string
		if err := json.Unmarshal(raw, &vals); err != nil {
			return fmt.Errorf("tag filter %q: %w", key, err)
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = vals
	}
	return nil
}

// Matches reports whether the event satisfies every present constraint.
// A filter with no fields set matches everything.
func (f *Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt <= *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt >= *f.Until {
		return false
	}
	for name, wanted := range f.Tags {
		if !tagMatch(ev, name, wanted) {
			return false
		}
	}
	return true
}

func tagMatch(ev *Event, name string, wanted []string) bool {
	for _, have := range ev.TagValues(name) {
		if containsString(wanted, have) {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
