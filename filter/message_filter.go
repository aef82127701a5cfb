// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package filter

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/mlinux-apps/lora-mqtt-bridge/types"
)

// Kind selects which identifier of a message a rule set applies to.
type Kind string

// Identifier kinds
const (
	DevEUI  Kind = "DevEUI"
	JoinEUI Kind = "JoinEUI"
	AppEUI  Kind = "AppEUI"
)

// Rules is the configured rule set for one identifier kind. Whitelist and
// blacklist entries may arrive in any EUI spelling; they are normalized on
// construction. Ranges and masks must already be validated.
type Rules struct {
	Whitelist []string
	Blacklist []string
	Ranges    []EUIRange
	Masks     []EUIMask
}

type ruleSet struct {
	whitelist mapset.Set
	blacklist mapset.Set
	ranges    []EUIRange
	masks     []EUIMask
}

func newRuleSet(r Rules) *ruleSet {
	s := &ruleSet{
		whitelist: mapset.NewSet(),
		blacklist: mapset.NewSet(),
		ranges:    append([]EUIRange(nil), r.Ranges...),
		masks:     append([]EUIMask(nil), r.Masks...),
	}
	for _, eui := range r.Whitelist {
		s.whitelist.Add(string(types.NormalizeEUI(eui)))
	}
	for _, eui := range r.Blacklist {
		s.blacklist.Add(string(types.NormalizeEUI(eui)))
	}
	return s
}

func (s *ruleSet) hasAllowFilters() bool {
	return s.whitelist.Cardinality() > 0 || len(s.ranges) > 0 || len(s.masks) > 0
}

// MessageFilter decides whether a message may be forwarded to one remote
// broker, based on independent DevEUI, JoinEUI and AppEUI rule sets.
//
// Admission order per identifier: a blacklisted value is always denied, even
// when it is simultaneously whitelisted; with no allow filters configured the
// set is open; otherwise the value must be whitelisted, inside a range or
// matching a mask. An absent identifier is denied as soon as any allow filter
// is active.
type MessageFilter struct {
	mu   sync.RWMutex
	sets map[Kind]*ruleSet
}

// NewMessageFilter builds a filter from per-kind rule sets.
func NewMessageFilter(dev, join, app Rules) *MessageFilter {
	return &MessageFilter{
		sets: map[Kind]*ruleSet{
			DevEUI:  newRuleSet(dev),
			JoinEUI: newRuleSet(join),
			AppEUI:  newRuleSet(app),
		},
	}
}

func (s *ruleSet) admit(value types.EUI) bool {
	hasAllow := s.hasAllowFilters()
	if value == "" {
		// an identifier-less message cannot satisfy an active allow-list
		return !hasAllow
	}
	normalized := string(types.NormalizeEUI(string(value)))
	if s.blacklist.Contains(normalized) {
		return false
	}
	if !hasAllow {
		return true
	}
	if s.whitelist.Contains(normalized) {
		return true
	}
	for _, r := range s.ranges {
		if r.Contains(types.EUI(normalized)) {
			return true
		}
	}
	for _, m := range s.masks {
		if m.Matches(types.EUI(normalized)) {
			return true
		}
	}
	return false
}

// ShouldAdmit applies the rule set of the given kind to a single identifier.
// An empty EUI means the identifier is absent.
func (f *MessageFilter) ShouldAdmit(kind Kind, value types.EUI) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sets[kind].admit(value)
}

// ShouldForward checks the DevEUI, the effective JoinEUI and the AppEUI of
// the message in that order; all three must admit.
func (f *MessageFilter) ShouldForward(msg *types.Message) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.sets[DevEUI].admit(msg.DevEUI) {
		return false
	}
	if !f.sets[JoinEUI].admit(msg.EffectiveJoinEUI()) {
		return false
	}
	return f.sets[AppEUI].admit(msg.AppEUI)
}

// AddToWhitelist adds a normalized EUI to the whitelist of the given kind.
func (f *MessageFilter) AddToWhitelist(kind Kind, eui string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[kind].whitelist.Add(string(types.NormalizeEUI(eui)))
}

// RemoveFromWhitelist removes an EUI from the whitelist of the given kind.
func (f *MessageFilter) RemoveFromWhitelist(kind Kind, eui string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[kind].whitelist.Remove(string(types.NormalizeEUI(eui)))
}

// AddToBlacklist adds a normalized EUI to the blacklist of the given kind.
func (f *MessageFilter) AddToBlacklist(kind Kind, eui string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[kind].blacklist.Add(string(types.NormalizeEUI(eui)))
}

// RemoveFromBlacklist removes an EUI from the blacklist of the given kind.
func (f *MessageFilter) RemoveFromBlacklist(kind Kind, eui string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[kind].blacklist.Remove(string(types.NormalizeEUI(eui)))
}

// AddRange adds an inclusive [min, max] range filter for the given kind.
func (f *MessageFilter) AddRange(kind Kind, min, max string) error {
	r, err := NewEUIRange(min, max)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sets[kind]
	s.ranges = append(s.ranges, r)
	return nil
}

// RemoveRange removes the range with exactly the given normalized boundaries.
// It reports whether a range was removed.
func (f *MessageFilter) RemoveRange(kind Kind, min, max string) bool {
	target := EUIRange{Min: types.NormalizeEUI(min), Max: types.NormalizeEUI(max)}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sets[kind]
	for i, r := range s.ranges {
		if r.Equal(target) {
			s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
			return true
		}
	}
	return false
}

// AddMask adds a mask pattern filter for the given kind.
func (f *MessageFilter) AddMask(kind Kind, pattern string) error {
	m, err := NewEUIMask(pattern)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sets[kind]
	s.masks = append(s.masks, m)
	return nil
}

// RemoveMask removes the mask whose pattern string matches, ignoring case.
// It reports whether a mask was removed.
func (f *MessageFilter) RemoveMask(kind Kind, pattern string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sets[kind]
	for i, m := range s.masks {
		if m.EqualPattern(pattern) {
			s.masks = append(s.masks[:i], s.masks[i+1:]...)
			return true
		}
	}
	return false
}
