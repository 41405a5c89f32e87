package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/patronage/internal/testutil"
)

// createTestStore opens a fresh store in a temp directory with a fake wall
// clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.SetNow(testutil.NewWallClock(testutil.Epoch, time.Second).Now)
	t.Cleanup(func() { s.Close() })
	return s
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// openSharedStores opens n handles on one database file, as separate
// processes would.
func openSharedStores(t *testing.T, n int) []*Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shared.db")
	stores := make([]*Store, n)
	for i := range stores {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() handle %d failed: %v", i, err)
		}
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}
	return stores
}
