package rules

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"deployhook/internal/security"
)

// Set is an immutable, ordered snapshot of deployment rules. Safe for
// concurrent use.
type Set struct {
	rules       []Rule
	fingerprint string
}

// NewSet copies list into a new snapshot.
func NewSet(list []Rule) *Set {
	copied := make([]Rule, len(list))
	copy(copied, list)

	return &Set{
		rules:       copied,
		fingerprint: fingerprint(copied),
	}
}

// Match returns the first rule, in file order, for repo and branch, with
// defaults applied. The boolean is false when no rule applies, which is a
// normal outcome.
func (s *Set) Match(repo, branch string) (Rule, bool) {
	if s == nil {
		return Rule{}, false
	}
	for _, r := range s.rules {
		if r.Matches(repo, branch) {
			return r.WithDefaults(), true
		}
	}
	return Rule{}, false
}

// Rules returns a copy of the rules in file order.
func (s *Set) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len returns the number of rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Fingerprint identifies the snapshot content ("blake3:<hex>").
func (s *Set) Fingerprint() string {
	if s == nil {
		return ""
	}
	return s.fingerprint
}

// Warnings lists rules that can never fire: rules shadowed by an earlier
// rule for the same repo/branch, and rules whose branch contains a slash
// (push branches are taken from the last segment of the ref only). It also
// flags targets and app names carrying shell metacharacters, which are
// passed through verbatim to the deploy command.
func (s *Set) Warnings() []string {
	if s == nil {
		return nil
	}

	var warnings []string
	seen := make(map[string]int)
	for i, r := range s.rules {
		r = r.WithDefaults()
		key := r.Repo + "\x00" + r.Branch
		if first, ok := seen[key]; ok {
			warnings = append(warnings, fmt.Sprintf("rule[%d] (%s) is shadowed by rule[%d]", i, r, first))
			continue
		}
		seen[key] = i

		if strings.Contains(r.Branch, "/") {
			warnings = append(warnings, fmt.Sprintf("rule[%d] (%s) can never match: only the last segment of a pushed ref is compared", i, r))
		}
		if security.ContainsShellMetachars(r.Target) || security.ContainsShellMetachars(r.AppName) {
			warnings = append(warnings, fmt.Sprintf("rule[%d] (%s) passes shell metacharacters to the deploy command", i, r))
		}
	}
	return warnings
}

func fingerprint(list []Rule) string {
	// Marshal of a slice of plain structs cannot fail
	data, _ := json.Marshal(list)
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}
