package otel

import "path"

// Filter controls which events are exported. Type patterns use path.Match
// syntax, so "process_*" matches every process event.
type Filter struct {
	IncludeTypes      []string
	ExcludeTypes      []string
	IncludeCategories []string
	ExcludeCategories []string
	// FailuresOnly exports only events that carry a non-zero result code.
	FailuresOnly bool
}

// Match returns true if the event should be exported.
func (f *Filter) Match(eventType, category string, result uint32) bool {
	if f == nil {
		return true
	}
	if len(f.IncludeTypes) > 0 && !matchAny(f.IncludeTypes, eventType) {
		return false
	}
	if len(f.IncludeCategories) > 0 && !contains(f.IncludeCategories, category) {
		return false
	}
	if matchAny(f.ExcludeTypes, eventType) || contains(f.ExcludeCategories, category) {
		return false
	}
	if f.FailuresOnly && result == 0 {
		return false
	}
	return true
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, s); ok {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
