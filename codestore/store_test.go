package codestore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jritten/rubinius/vm"
	"github.com/jritten/rubinius/vm/image"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "code.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testUnit(t *testing.T, name string) *image.CodeUnit {
	t.Helper()
	m := vm.NewMachine()
	code := vm.NewAssembler(name).
		PushLiteral(m.Heap().NewString("payload").ToValue()).
		Op(vm.OpRet).
		Build()
	unit, err := image.Encode(m, code)
	if err != nil {
		t.Fatal(err)
	}
	return unit
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	unit := testUnit(t, "greeter")

	hash, err := s.Put(unit)
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != 64 {
		t.Errorf("want a hex SHA-256 key, got %q", hash)
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "greeter" {
		t.Errorf("want name greeter, got %q", got.Name)
	}

	// The loaded unit still decodes and runs.
	m := vm.NewMachine()
	code, err := image.Decode(m, got)
	if err != nil {
		t.Fatal(err)
	}
	st := m.NewThread()
	defer m.Nexus().Unregister(st)
	v, err := m.RunCode(st, code, vm.Nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Heap().Get(v).Str != "payload" {
		t.Error("stored unit lost its behavior")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	unit := testUnit(t, "same")

	h1, err := s.Put(unit)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.Put(unit)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("same unit must hash to the same key: %s vs %s", h1, h2)
	}

	names, err := s.Names()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 {
		t.Errorf("want 1 stored unit, got %d", len(names))
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("deadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestHas(t *testing.T) {
	s := openTestStore(t)
	unit := testUnit(t, "present")

	hash, err := s.Put(unit)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.Has(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("Has should find a stored unit")
	}
	ok, err = s.Has("deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Has should miss an absent hash")
	}
}

func TestNames(t *testing.T) {
	s := openTestStore(t)

	ha, err := s.Put(testUnit(t, "alpha"))
	if err != nil {
		t.Fatal(err)
	}
	hb, err := s.Put(testUnit(t, "beta"))
	if err != nil {
		t.Fatal(err)
	}

	names, err := s.Names()
	if err != nil {
		t.Fatal(err)
	}
	if names[ha] != "alpha" || names[hb] != "beta" {
		t.Errorf("wrong listing: %v", names)
	}
}
