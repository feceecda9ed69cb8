// Package usage provides the value types for metered resource consumption
// and pure functions for merging and deduplicating them.
// All functions are pure - no side effects.
package usage

import "strconv"

// TokenUsage records one LLM call's token consumption (immutable value type).
type TokenUsage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Signature returns the exact-match dedup key for a token entry.
// Two entries with the same model and token counts are considered
// duplicate reports of the same call.
func (t TokenUsage) Signature() string {
	return t.Model + "|" + strconv.FormatInt(t.InputTokens, 10) + "|" + strconv.FormatInt(t.OutputTokens, 10)
}

// ToolUsage records invocations of a single tool (immutable value type).
type ToolUsage struct {
	Name  string
	Count int64
}

// KBUsage records accesses to a single knowledge base (immutable value type).
type KBUsage struct {
	Name     string
	Accesses int64
}

// Set is the union of all usage gathered for one logical run.
type Set struct {
	Tokens []TokenUsage
	Tools  []ToolUsage
	KBs    []KBUsage
}

// Empty reports whether the set carries no usage at all.
func (s Set) Empty() bool {
	return len(s.Tokens) == 0 && len(s.Tools) == 0 && len(s.KBs) == 0
}

// Merge appends everything from other onto s and returns the result.
func Merge(s, other Set) Set {
	s.Tokens = append(s.Tokens, other.Tokens...)
	s.Tools = append(s.Tools, other.Tools...)
	s.KBs = append(s.KBs, other.KBs...)
	return s
}

// DedupKBs removes knowledge-base entries repeating a name already seen,
// keeping the first occurrence. One name models one logical access no
// matter how many callbacks reported it.
func DedupKBs(entries []KBUsage) []KBUsage {
	if len(entries) < 2 {
		return entries
	}
	seen := make(map[string]bool, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		if seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		out = append(out, e)
	}
	return out
}

// DedupTokens removes duplicate token entries, keeping the first
// occurrence of each unique signature. Order is otherwise preserved.
func DedupTokens(entries []TokenUsage) []TokenUsage {
	if len(entries) < 2 {
		return entries
	}
	seen := make(map[string]bool, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		sig := e.Signature()
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, e)
	}
	return out
}
