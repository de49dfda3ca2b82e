package storage

import (
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPeerDirectory(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertPeer("p1", "alice", "room-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertPeer("p2", "bob", "room-1"); err != nil {
		t.Fatal(err)
	}
	// Re-sighting updates the name and bumps the counter.
	if err := db.UpsertPeer("p1", "alice2", "room-1"); err != nil {
		t.Fatal(err)
	}

	peers, err := db.Peers()
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(peers))
	}
	var p1 *PeerRecord
	for i := range peers {
		if peers[i].PeerID == "p1" {
			p1 = &peers[i]
		}
	}
	if p1 == nil {
		t.Fatal("p1 missing")
	}
	if p1.DisplayName != "alice2" || p1.TimesSeen != 2 {
		t.Fatalf("p1 = %+v", p1)
	}
	if p1.FirstSeen == 0 || p1.LastSeen < p1.FirstSeen {
		t.Fatalf("timestamps: %+v", p1)
	}
}

func TestPrunePeers(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertPeer("old", "x", "r"); err != nil {
		t.Fatal(err)
	}

	n, err := db.PrunePeers(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	peers, _ := db.Peers()
	if len(peers) != 0 {
		t.Fatalf("peers after prune = %d", len(peers))
	}
}

func TestCallLog(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordCallStart("c1", []string{"a", "b", "c"}, true); err != nil {
		t.Fatal(err)
	}
	calls, err := db.RecentCalls(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].EndedAt != 0 {
		t.Fatal("in-progress call must have ended_at 0")
	}
	if !calls[0].Video || len(calls[0].Participants) != 3 {
		t.Fatalf("call = %+v", calls[0])
	}

	if err := db.RecordCallEnd("c1"); err != nil {
		t.Fatal(err)
	}
	calls, _ = db.RecentCalls(10)
	if calls[0].EndedAt == 0 {
		t.Fatal("ended call must carry an end timestamp")
	}

	// Ending twice must not move the timestamp.
	first := calls[0].EndedAt
	time.Sleep(5 * time.Millisecond)
	if err := db.RecordCallEnd("c1"); err != nil {
		t.Fatal(err)
	}
	calls, _ = db.RecentCalls(10)
	if calls[0].EndedAt != first {
		t.Fatal("second end must be a no-op")
	}
}
