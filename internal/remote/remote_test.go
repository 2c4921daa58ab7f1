package remote

import (
	"context"
	"errors"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Mid-D-Man/AirCode-sub001/internal/store"
)

func TestShardFor(t *testing.T) {
	s := NewSharded(NewMemory(), "attendance", nil)
	for partition, want := range map[string]string{"100": "Level100", "300": "Level300", "500": "Level500"} {
		got, err := s.ShardFor(partition)
		if err != nil || got != want {
			t.Errorf("ShardFor(%q) = %q, %v", partition, got, err)
		}
	}
	for _, partition := range []string{"", "600", "Level300"} {
		if _, err := s.ShardFor(partition); !errors.Is(err, ErrUnknownPartition) {
			t.Errorf("ShardFor(%q) error = %v", partition, err)
		}
	}
}

func TestShardedWriteAndLookup(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	s := NewSharded(mem, "attendance", nil)

	if err := s.Write(ctx, "300", "S1_U1", []byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	if got := mem.Fields("attendance", "Level300"); len(got) != 1 || got[0] != "S1_U1" {
		t.Fatalf("Level300 fields = %v", got)
	}

	before := mem.Requests()
	v, shard, err := s.Lookup(ctx, "300", "S1_U1")
	if err != nil || shard != "Level300" || string(v) != `{"ok":true}` {
		t.Fatalf("Lookup() = %q, %q, %v", v, shard, err)
	}
	if mem.Requests()-before != 1 {
		t.Fatalf("known partition lookup took %d reads", mem.Requests()-before)
	}

	// Unknown partitions scan every shard in order.
	v, shard, err = s.Lookup(ctx, "", "S1_U1")
	if err != nil || shard != "Level300" || string(v) != `{"ok":true}` {
		t.Fatalf("fallback Lookup() = %q, %q, %v", v, shard, err)
	}

	if _, _, err := s.Lookup(ctx, "200", "S1_U1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup in wrong shard error = %v", err)
	}
	if _, _, err := s.Lookup(ctx, "legacy", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fallback miss error = %v", err)
	}
	if err := s.Write(ctx, "legacy", "x", []byte("1")); !errors.Is(err, ErrUnknownPartition) {
		t.Fatalf("write to unknown partition error = %v", err)
	}
}

func TestShardedRemove(t *testing.T) {
	ctx := context.Background()
	s := NewSharded(NewMemory(), "sessions", nil)
	_ = s.Write(ctx, "100", "S1", []byte("k1"))
	_ = s.Write(ctx, "400", "S2", []byte("k2"))

	if err := s.Remove(ctx, "100", "S1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "", "S2"); err != nil {
		t.Fatalf("Remove() via scan failed: %v", err)
	}
	for _, f := range []string{"S1", "S2"} {
		if _, _, err := s.Lookup(ctx, "", f); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s still present: %v", f, err)
		}
	}
}

func TestMemoryAvailability(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	mem.SetAvailable(false)
	if err := mem.AddOrUpdateField(ctx, "c", "d", "f", []byte("v")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	mem.SetAvailable(true)
	if err := mem.AddOrUpdateField(ctx, "c", "d", "f", []byte("v")); err != nil {
		t.Fatal(err)
	}

	mem.SetLatency(time.Second)
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, _, err := mem.GetField(tctx, "c", "d", "f"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("slow read error = %v", err)
	}
}

func exerciseStore(t *testing.T, ds DocumentStore) {
	t.Helper()
	ctx := context.Background()
	coll := "test_" + uuid.NewString()[:8]
	field := "S1_MAT/2020.001_dev$1"

	if _, ok, err := ds.GetField(ctx, coll, "Level100", field); err != nil || ok {
		t.Fatalf("GetField() on empty store = %v, %v", ok, err)
	}
	if err := ds.AddOrUpdateField(ctx, coll, "Level100", field, []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddOrUpdateField(ctx, coll, "Level100", field, []byte(`{"a":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := ds.AddOrUpdateField(ctx, coll, "Level100", "other", []byte(`x`)); err != nil {
		t.Fatal(err)
	}
	v, ok, err := ds.GetField(ctx, coll, "Level100", field)
	if err != nil || !ok || string(v) != `{"a":2}` {
		t.Fatalf("GetField() = %q, %v, %v", v, ok, err)
	}
	if err := ds.RemoveField(ctx, coll, "Level100", field); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := ds.GetField(ctx, coll, "Level100", field); ok {
		t.Fatal("field present after RemoveField")
	}
	if _, ok, _ := ds.GetField(ctx, coll, "Level100", "other"); !ok {
		t.Fatal("sibling field removed")
	}
}

func TestMemoryStore(t *testing.T) {
	mem := NewMemory()
	exerciseStore(t, mem)
}

func TestMemoryFieldsSorted(t *testing.T) {
	mem := NewMemory()
	for _, f := range []string{"b", "a", "c"} {
		_ = mem.AddOrUpdateField(context.Background(), "c", "d", f, nil)
	}
	got := mem.Fields("c", "d")
	sort.Strings(got)
	if len(got) != 3 || got[0] != "a" {
		t.Fatalf("Fields() = %v", got)
	}
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := store.NewDB(context.Background(), url)
	if err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}
	defer db.Close()
	pg := NewPostgres(db.Client)
	if err := pg.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, pg)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m, err := store.NewMongo(ctx, uri, "attendance_test")
	if err != nil {
		t.Skipf("mongo not reachable at %s: %v", uri, err)
	}
	defer m.Close(context.Background())
	exerciseStore(t, NewMongo(m.DB))
}
