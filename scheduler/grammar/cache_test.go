package grammar

import (
	"errors"
	"testing"
)

type fakeCompiled struct{}

func (f fakeCompiled) NewMatcherState() MatcherState { return &fakeState{} }

type fakeBackend struct {
	supportsJSON bool
	compileCalls int
	failCompile  bool
}

func (b *fakeBackend) Supports(kind Kind) bool {
	if kind == KindJSON {
		return b.supportsJSON
	}
	return false
}

func (b *fakeBackend) Compile(kind Kind, spec string, vocabSize int32) (CompiledGrammar, error) {
	b.compileCalls++
	if b.failCompile {
		return nil, errCompileFailed
	}
	return fakeCompiled{}, nil
}

var errCompileFailed = errors.New("compile failed")

func TestStateCache_Query_UnsupportedKind_ReturnsNilNil(t *testing.T) {
	backend := &fakeBackend{supportsJSON: false}
	c := NewStateCache(backend, 32000, 4, nil)

	m, err := c.Query(KindJSON, "{}")

	if m != nil || err != nil {
		t.Errorf("Query with unsupported kind: got (%v, %v), want (nil, nil)", m, err)
	}
}

func TestStateCache_Query_CompilesOnceAndCaches(t *testing.T) {
	backend := &fakeBackend{supportsJSON: true}
	c := NewStateCache(backend, 32000, 4, nil)

	m1, err1 := c.Query(KindJSON, "spec-a")
	m2, err2 := c.Query(KindJSON, "spec-a")

	if err1 != nil || err2 != nil || m1 == nil || m2 == nil {
		t.Fatalf("Query: got (%v,%v) (%v,%v), want both non-nil, nil err", m1, err1, m2, err2)
	}
	if backend.compileCalls != 1 {
		t.Errorf("Compile calls: got %d, want 1 (memoized)", backend.compileCalls)
	}
}

func TestStateCache_Query_DistinctSpecsCompileSeparately(t *testing.T) {
	backend := &fakeBackend{supportsJSON: true}
	c := NewStateCache(backend, 32000, 4, nil)

	c.Query(KindJSON, "spec-a")
	c.Query(KindJSON, "spec-b")

	if backend.compileCalls != 2 {
		t.Errorf("Compile calls for distinct specs: got %d, want 2", backend.compileCalls)
	}
}

func TestStateCache_Query_CompileFailure_ReturnsNilNil(t *testing.T) {
	backend := &fakeBackend{supportsJSON: true, failCompile: true}
	c := NewStateCache(backend, 32000, 4, nil)

	m, err := c.Query(KindJSON, "spec-a")

	if m != nil || err != nil {
		t.Errorf("Query with failing backend: got (%v, %v), want (nil, nil) — proceed unconstrained", m, err)
	}
}
