package remote

import (
	"context"
	"fmt"
	"strings"
)

// LevelShards are the shard documents of a level-partitioned collection in
// lookup order.
var LevelShards = []string{"Level100", "Level200", "Level300", "Level400", "Level500"}

// Sharded is a logical collection spread over several shard documents.
type Sharded struct {
	store      DocumentStore
	collection string
	shards     []string
	byKey      map[string]string
}

// NewSharded returns a view of collection split over shards. Partition keys
// are the shard names without their "Level" prefix, so "300" maps to
// "Level300". Nil shards means LevelShards.
func NewSharded(store DocumentStore, collection string, shards []string) *Sharded {
	if shards == nil {
		shards = LevelShards
	}
	byKey := make(map[string]string, len(shards))
	for _, s := range shards {
		byKey[strings.TrimPrefix(s, "Level")] = s
	}
	return &Sharded{store: store, collection: collection, shards: shards, byKey: byKey}
}

// Collection returns the collection name.
func (s *Sharded) Collection() string { return s.collection }

// ShardFor returns the shard document holding partition.
func (s *Sharded) ShardFor(partition string) (string, error) {
	shard, ok := s.byKey[partition]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPartition, partition)
	}
	return shard, nil
}

// Lookup finds field. A known partition is read from its shard only; an
// unknown or empty partition falls back to scanning every shard in order.
// It returns the value and the shard it was found in.
func (s *Sharded) Lookup(ctx context.Context, partition, field string) ([]byte, string, error) {
	if shard, err := s.ShardFor(partition); err == nil {
		v, ok, err := s.store.GetField(ctx, s.collection, shard, field)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", fmt.Errorf("%w: %s/%s", ErrNotFound, s.collection, field)
		}
		return v, shard, nil
	}
	for _, shard := range s.shards {
		v, ok, err := s.store.GetField(ctx, s.collection, shard, field)
		if err != nil {
			return nil, "", err
		}
		if ok {
			return v, shard, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s/%s", ErrNotFound, s.collection, field)
}

// Write stores field in the shard for partition.
func (s *Sharded) Write(ctx context.Context, partition, field string, value []byte) error {
	shard, err := s.ShardFor(partition)
	if err != nil {
		return err
	}
	return s.store.AddOrUpdateField(ctx, s.collection, shard, field, value)
}

// Remove deletes field. Unknown partitions are resolved by scanning.
func (s *Sharded) Remove(ctx context.Context, partition, field string) error {
	shard, err := s.ShardFor(partition)
	if err != nil {
		if _, shard, err = s.Lookup(ctx, partition, field); err != nil {
			return err
		}
	}
	return s.store.RemoveField(ctx, s.collection, shard, field)
}
