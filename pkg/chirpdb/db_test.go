package chirpdb

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func TestRemoteDirectory(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "chirp.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	addr := netip.MustParseAddr("203.0.113.5")
	now := time.Unix(1700000000, 0)

	if rec, err := db.Get(0, addr, 6060); err != nil {
		t.Fatalf("get before touch: %v", err)
	} else if rec != nil {
		t.Fatalf("expected no record before touch, got %+v", rec)
	}

	if err := db.Touch(0, addr, 6060, now, 5); err != nil {
		t.Fatalf("touch: %v", err)
	}
	rec, err := db.Get(0, addr, 6060)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.SerialHWM != 5 || !rec.LastSeen.Equal(now) {
		t.Fatalf("unexpected record after first touch: %+v", rec)
	}

	// a touch with an older serial must not regress the high-water-mark.
	earlier := now.Add(-time.Minute)
	if err := db.Touch(0, addr, 6060, earlier, 2); err != nil {
		t.Fatalf("touch (older serial): %v", err)
	}
	rec, err = db.Get(0, addr, 6060)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.SerialHWM != 5 {
		t.Fatalf("serial high-water-mark regressed: got %d, want 5", rec.SerialHWM)
	}
	if !rec.LastSeen.Equal(earlier) {
		t.Fatalf("last_seen not updated by older touch: %+v", rec.LastSeen)
	}

	all, err := db.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 record, got %d", len(all))
	}

	n, err := db.Prune(now.Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}

	all, err = db.All()
	if err != nil {
		t.Fatalf("all after prune: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected 0 records after prune, got %d", len(all))
	}
}
