// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package filter

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/mlinux-apps/lora-mqtt-bridge/types"
)

// FieldFilter projects payload fields for one remote broker. Per key, in
// order: an always-include key is kept, an excluded key is dropped, a key
// outside a non-empty include list is dropped, everything else is kept.
// always-include is the strongest rule; an empty include list means no
// restriction.
type FieldFilter struct {
	mu      sync.RWMutex
	include mapset.Set
	exclude mapset.Set
	always  mapset.Set
}

// NewFieldFilter builds a field filter from include, exclude and
// always-include field name lists.
func NewFieldFilter(include, exclude, always []string) *FieldFilter {
	f := &FieldFilter{
		include: mapset.NewSet(),
		exclude: mapset.NewSet(),
		always:  mapset.NewSet(),
	}
	for _, field := range include {
		f.include.Add(field)
	}
	for _, field := range exclude {
		f.exclude.Add(field)
	}
	for _, field := range always {
		f.always.Add(field)
	}
	return f
}

// Filter returns the projection of the payload, preserving key order.
func (f *FieldFilter) Filter(payload types.Fields) types.Fields {
	f.mu.RLock()
	defer f.mu.RUnlock()
	restricted := f.include.Cardinality() > 0
	result := make(types.Fields, 0, len(payload))
	for _, field := range payload {
		switch {
		case f.always.Contains(field.Key):
		case f.exclude.Contains(field.Key):
			continue
		case restricted && !f.include.Contains(field.Key):
			continue
		}
		result = append(result, field)
	}
	return result
}

// AddIncludeField adds a field to the include list.
func (f *FieldFilter) AddIncludeField(field string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.include.Add(field)
}

// RemoveIncludeField removes a field from the include list.
func (f *FieldFilter) RemoveIncludeField(field string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.include.Remove(field)
}

// AddExcludeField adds a field to the exclude list.
func (f *FieldFilter) AddExcludeField(field string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exclude.Add(field)
}

// RemoveExcludeField removes a field from the exclude list.
func (f *FieldFilter) RemoveExcludeField(field string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exclude.Remove(field)
}

// SetAlwaysInclude replaces the always-include list wholesale.
func (f *FieldFilter) SetAlwaysInclude(fields []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always = mapset.NewSet()
	for _, field := range fields {
		f.always.Add(field)
	}
}
