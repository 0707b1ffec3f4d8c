package sqlite

import (
	"path/filepath"
	"testing"
)

// NewSQLiteTest returns an in-memory store closed at the end of the test.
func NewSQLiteTest(t testing.TB) *Store {
	t.Helper()
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewSQLiteFileTest returns a WAL-mode store in a temp dir, for tests that
// need separate connections to contend.
func NewSQLiteFileTest(t testing.TB) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "relay.db"), nil)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
