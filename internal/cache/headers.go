package cache

import "strings"

// HeaderMap is a case-insensitive header container that folds '-' and
// '_' to the same canonical key, so "X-Test", "X_test", "x-TESt" and
// "X_tesT" all address one header. Iteration yields the most recently
// written display form per canonical key, in first-write order.
type HeaderMap struct {
	order []string          // canonical keys, in first-write order
	entry map[string]header // canonical key -> display form + value
}

type header struct {
	display string
	value   string
}

// NewHeaderMap returns an empty Header Map.
func NewHeaderMap() *HeaderMap {
	return &HeaderMap{entry: make(map[string]header)}
}

// canonicalize folds a header name to lowercase with '_' replaced by
// '-', so "-" and "_" compare equal regardless of case.
func canonicalize(key string) string {
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "_", "-")
}

// Set writes key=value, overwriting any existing value for the same
// canonical key and adopting key as the new display form.
func (h *HeaderMap) Set(key, value string) {
	ck := canonicalize(key)
	if _, ok := h.entry[ck]; !ok {
		h.order = append(h.order, ck)
	}
	h.entry[ck] = header{display: key, value: value}
}

// Get returns the value stored under key's canonical form, or "" if
// unset.
func (h *HeaderMap) Get(key string) string {
	return h.entry[canonicalize(key)].value
}

// Has reports whether key's canonical form has been set.
func (h *HeaderMap) Has(key string) bool {
	_, ok := h.entry[canonicalize(key)]
	return ok
}

// Del removes key's canonical form.
func (h *HeaderMap) Del(key string) {
	ck := canonicalize(key)
	if _, ok := h.entry[ck]; !ok {
		return
	}
	delete(h.entry, ck)
	for i, k := range h.order {
		if k == ck {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Range calls fn for every header in first-write order, passing the
// latest display form and value.
func (h *HeaderMap) Range(fn func(display, value string)) {
	for _, ck := range h.order {
		e := h.entry[ck]
		fn(e.display, e.value)
	}
}

// Len returns the number of distinct canonical headers stored.
func (h *HeaderMap) Len() int {
	return len(h.order)
}

// Clone returns a deep copy, safe for independent mutation.
func (h *HeaderMap) Clone() *HeaderMap {
	out := NewHeaderMap()
	h.Range(func(display, value string) {
		out.Set(display, value)
	})
	return out
}

// MergeFrom writes every header of other into h, overwriting on
// collision. Used by the Origin Fetcher to merge origin response
// headers into a response that earlier handlers may already have
// seeded — merge, not replace.
func (h *HeaderMap) MergeFrom(other *HeaderMap) {
	if other == nil {
		return
	}
	other.Range(func(display, value string) {
		h.Set(display, value)
	})
}

// EqualsExact reports whether both Header Maps hold the same set of
// canonical keys with identical values — used by round-trip tests to
// assert a written and re-read entity have the same header set.
func (h *HeaderMap) EqualsExact(other *HeaderMap) bool {
	if other == nil {
		return h.Len() == 0
	}
	if h.Len() != other.Len() {
		return false
	}
	equal := true
	for _, ck := range h.order {
		if h.entry[ck].value != other.entry[ck].value {
			equal = false
		}
	}
	return equal
}
