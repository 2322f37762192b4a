// Package filter strips confidential fields from records before they reach
// persistent local storage. Each entity shape has two static, disjoint field
// sets: confidential fields are never persisted, safe fields are copied.
// Fields in neither set are schema drift and are dropped.
package filter

import (
	"fmt"
	"sort"

	offlinecache "github.com/wolfeidau/offline-cache"
)

// Filter is the confidential/safe classification for one entity shape.
// A Filter is immutable and safe for concurrent use.
type Filter struct {
	name         string
	confidential map[string]struct{}
	safe         map[string]struct{}
}

// New builds a filter. The sets must be disjoint.
func New(name string, confidential, safe []string) (*Filter, error) {
	f := &Filter{
		name:         name,
		confidential: make(map[string]struct{}, len(confidential)),
		safe:         make(map[string]struct{}, len(safe)),
	}
	for _, field := range confidential {
		f.confidential[field] = struct{}{}
	}
	for _, field := range safe {
		if _, ok := f.confidential[field]; ok {
			return nil, fmt.Errorf("filter %s: field %q is both confidential and safe: %w", name, field, offlinecache.ErrInvalidInput)
		}
		f.safe[field] = struct{}{}
	}
	return f, nil
}

// MustNew is New that panics on overlapping sets.
func MustNew(name string, confidential, safe []string) *Filter {
	f, err := New(name, confidential, safe)
	if err != nil {
		panic(err)
	}
	return f
}

// Name returns the entity shape the filter applies to.
func (f *Filter) Name() string {
	return f.name
}

// FilterOne returns a new record holding only safe fields. Safe fields
// holding an embedded record are filtered one level deep. rec is not
// modified.
func (f *Filter) FilterOne(rec offlinecache.Record) (offlinecache.Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("filter %s: nil record: %w", f.name, offlinecache.ErrInvalidInput)
	}
	out := make(offlinecache.Record, len(rec))
	for k, v := range rec {
		if !f.IsSafe(k) {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = f.filterNested(nested)
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (f *Filter) filterNested(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if f.IsSafe(k) {
			out[k] = v
		}
	}
	return out
}

// FilterMany filters every record. A nil slice or nil element is invalid
// input; an empty slice yields an empty slice.
func (f *Filter) FilterMany(recs []offlinecache.Record) ([]offlinecache.Record, error) {
	if recs == nil {
		return nil, fmt.Errorf("filter %s: nil record list: %w", f.name, offlinecache.ErrInvalidInput)
	}
	out := make([]offlinecache.Record, len(recs))
	for i, rec := range recs {
		filtered, err := f.FilterOne(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out[i] = filtered
	}
	return out, nil
}

// Validation is the outcome of ValidateClean.
type Validation struct {
	IsValid bool     `json:"is_valid"`
	Issues  []string `json:"issues,omitempty"`
}

// ValidateClean reports every confidential field present in rec, including
// fields of embedded records one level down. A nil record is clean.
func (f *Filter) ValidateClean(rec offlinecache.Record) Validation {
	var issues []string
	for _, k := range sortedKeys(rec) {
		if f.IsConfidential(k) {
			issues = append(issues, fmt.Sprintf("confidential field %q present", k))
		}
		nested, ok := rec[k].(map[string]any)
		if !ok {
			continue
		}
		for _, nk := range sortedKeys(nested) {
			if f.IsConfidential(nk) {
				issues = append(issues, fmt.Sprintf("confidential field %q present", k+"."+nk))
			}
		}
	}
	return Validation{IsValid: len(issues) == 0, Issues: issues}
}

// Unclassified returns the fields of rec that are in neither set, sorted.
func (f *Filter) Unclassified(rec offlinecache.Record) []string {
	var out []string
	for _, k := range sortedKeys(rec) {
		if !f.IsSafe(k) && !f.IsConfidential(k) {
			out = append(out, k)
		}
	}
	return out
}

func (f *Filter) IsConfidential(field string) bool {
	_, ok := f.confidential[field]
	return ok
}

func (f *Filter) IsSafe(field string) bool {
	_, ok := f.safe[field]
	return ok
}

// ListConfidential returns the confidential fields, sorted.
func (f *Filter) ListConfidential() []string {
	return sortedSet(f.confidential)
}

// ListSafe returns the safe fields, sorted.
func (f *Filter) ListSafe() []string {
	return sortedSet(f.safe)
}

func sortedSet(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
