// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package nostr

import "encoding/json"

// Filter expresses a subscription interest: event kinds, addressed
// recipients ("p" tags) and a lower bound on creation time.
type Filter struct {
	Kinds []int
	PTags []string
	Since int64
}

// MarshalJSON renders the filter in relay wire form, where the p tag
// constraint is keyed as "#p".
func (f *Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, 3)
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.PTags) > 0 {
		m["#p"] = f.PTags
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	return json.Marshal(m)
}

// Matches reports whether the event satisfies the filter.  Relays are not
// trusted to apply filters faithfully, so events are re-checked locally.
func (f *Filter) Matches(e *Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.PTags) > 0 {
		p := e.CounterpartyTag()
		ok := false
		for _, want := range f.PTags {
			if p == want {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	return true
}
