// Package filter decides which captured notifications are worth analyzing.
package filter

import (
	"sort"
	"strings"
	"sync"

	"msgguard/capture"
)

const (
	PackageKakaoTalk = "com.kakao.talk"
	PackageMessages  = "com.samsung.android.messaging"
)

// Target is a monitored messaging app.
type Target struct {
	Package string `json:"package" yaml:"package"`
	Label   string `json:"label" yaml:"label"`
}

func DefaultTargets() []Target {
	return []Target{
		{Package: PackageKakaoTalk, Label: "카카오톡"},
		{Package: PackageMessages, Label: "메세지"},
	}
}

// Rule rejects notifications of Package whose key, split by Separator, has
// Equals at index Part. Keys with fewer parts pass.
type Rule struct {
	Package   string `json:"package" yaml:"package"`
	Separator string `json:"separator" yaml:"separator"`
	Part      int    `json:"part" yaml:"part"`
	Equals    string `json:"equals" yaml:"equals"`
}

func (r Rule) matches(ev capture.Event) bool {
	if ev.PackageName != r.Package {
		return false
	}
	part, ok := ev.KeyPart(r.Separator, r.Part)
	return ok && part == r.Equals
}

// DefaultRules holds the KakaoTalk rule: summary and system notifications
// carry a "null" tag in the fourth key segment and are not messages.
func DefaultRules() []Rule {
	return []Rule{
		{Package: PackageKakaoTalk, Separator: "|", Part: 3, Equals: "null"},
	}
}

// Verdict is the filter decision for one event.
type Verdict int

const (
	Pass Verdict = iota
	NotTarget
	Suppressed
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case NotTarget:
		return "not-target"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Filter is safe for concurrent use. The target set can be replaced at any
// time while events are being evaluated.
type Filter struct {
	mu      sync.RWMutex
	targets map[string]string
	rules   []Rule
}

// New returns a filter for targets with the given suppression rules. A nil
// rules slice means DefaultRules; pass an empty slice to disable rules.
func New(targets []Target, rules []Rule) *Filter {
	if rules == nil {
		rules = DefaultRules()
	}
	f := &Filter{rules: append([]Rule(nil), rules...)}
	f.SetTargets(targets)
	return f
}

// Evaluate applies the target allow-list, then the suppression rules.
func (f *Filter) Evaluate(ev capture.Event) Verdict {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.targets[ev.PackageName]; !ok {
		return NotTarget
	}
	for _, r := range f.rules {
		if r.matches(ev) {
			return Suppressed
		}
	}
	return Pass
}

func (f *Filter) Keep(ev capture.Event) bool {
	return f.Evaluate(ev) == Pass
}

func (f *Filter) SetTargets(targets []Target) {
	m := make(map[string]string, len(targets))
	for _, t := range targets {
		pkg := strings.TrimSpace(t.Package)
		if pkg == "" {
			continue
		}
		m[pkg] = strings.TrimSpace(t.Label)
	}
	f.mu.Lock()
	f.targets = m
	f.mu.Unlock()
}

// Targets returns the target set sorted by package name.
func (f *Filter) Targets() []Target {
	f.mu.RLock()
	out := make([]Target, 0, len(f.targets))
	for pkg, label := range f.targets {
		out = append(out, Target{Package: pkg, Label: label})
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}

// SetPackages replaces the target set by package names. Labels of packages
// that stay in the set are kept.
func (f *Filter) SetPackages(pkgs []string) {
	f.mu.RLock()
	targets := make([]Target, 0, len(pkgs))
	for _, p := range pkgs {
		p = strings.TrimSpace(p)
		targets = append(targets, Target{Package: p, Label: f.targets[p]})
	}
	f.mu.RUnlock()
	f.SetTargets(targets)
}

func (f *Filter) Packages() []string {
	ts := f.Targets()
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Package
	}
	return out
}

// Label returns the human-readable name of a target package.
func (f *Filter) Label(pkg string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, ok := f.targets[pkg]
	return l, ok
}

func (f *Filter) Rules() []Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Rule(nil), f.rules...)
}
