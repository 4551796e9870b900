// Package grammar implements the grammar state cache and jump-forward cache
// (spec.md §4.3/§4.7). Actual grammar compilation (JSON-schema or regex to a
// token-level automaton) is an external collaborator reached only through
// the Backend interface — xgrammar, outlines, or any other compiler can
// implement it; this package owns compile-once memoization, the
// per-request matcher with bounded rollback, and bitmask application.
package grammar

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Kind selects the grammar family. Regex support is backend-dependent; JSON
// schema is always expected to be supported.
type Kind string

const (
	KindJSON  Kind = "json"
	KindRegex Kind = "regex"
)

// MatcherState is the duck-typed capability set a concrete grammar backend's
// per-request cursor must expose (spec.md §9 "Duck-typed grammar backend").
type MatcherState interface {
	AcceptToken(tokenID int32) bool
	Clone() MatcherState
	FindJumpForwardString() string
	FillNextTokenBitmask(mask []uint32)
}

// CompiledGrammar is a backend's compiled representation of one (kind, spec)
// pair, shared read-only across every request that matches it.
type CompiledGrammar interface {
	NewMatcherState() MatcherState
}

// Backend compiles grammars on behalf of the cache. Supports reports whether
// a Kind can be compiled at all; Compile is only ever called for a Kind that
// Supports reports true for.
type Backend interface {
	Supports(kind Kind) bool
	Compile(kind Kind, spec string, vocabSize int32) (CompiledGrammar, error)
}

type cacheKey struct {
	kind Kind
	spec string
}

// StateCache memoizes compiled grammars keyed by (kind, spec) and hands out
// fresh per-request Matchers cloned from the cached compilation.
type StateCache struct {
	backend     Backend
	vocabSize   int32
	compiled    *lru.Cache[cacheKey, CompiledGrammar]
	jumpForward *JumpForwardCache
	log         *logrus.Entry
}

// NewStateCache creates a StateCache backed by backend, holding up to
// capacity compiled grammars and matching vocabulary size vocabSize.
func NewStateCache(backend Backend, vocabSize int32, capacity int, log *logrus.Entry) *StateCache {
	c, err := lru.New[cacheKey, CompiledGrammar](capacity)
	if err != nil {
		// capacity <= 0 is a caller bug, not a runtime condition.
		panic(err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StateCache{
		backend:     backend,
		vocabSize:   vocabSize,
		compiled:    c,
		jumpForward: NewJumpForwardCache(),
		log:         log,
	}
}

// Query compiles (or retrieves) the grammar named by kind/spec and returns a
// fresh Matcher bound to it. If kind is unsupported by the backend, Query
// logs a warning and returns (nil, nil): the caller proceeds unconstrained,
// per spec.md §4.3.
func (c *StateCache) Query(kind Kind, spec string) (*Matcher, error) {
	if !c.backend.Supports(kind) {
		c.log.WithFields(logrus.Fields{"kind": kind, "spec": spec}).
			Warn("grammar: backend does not support this kind, proceeding unconstrained")
		return nil, nil
	}
	key := cacheKey{kind: kind, spec: spec}
	compiled, ok := c.compiled.Get(key)
	if !ok {
		var err error
		compiled, err = c.backend.Compile(kind, spec, c.vocabSize)
		if err != nil {
			c.log.WithFields(logrus.Fields{"kind": kind, "spec": spec, "err": err}).
				Warn("grammar: compile failed, proceeding unconstrained")
			return nil, nil
		}
		c.compiled.Add(key, compiled)
	}
	return newMatcher(compiled.NewMatcherState(), string(kind)+"\x00"+spec, c.jumpForward), nil
}
