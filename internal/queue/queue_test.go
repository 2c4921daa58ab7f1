package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestInMemoryDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(4)
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, SyncTrigger("reconnect")); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-msgs:
		if msg.Type != TypeSync || string(msg.Body) != "reconnect" {
			t.Fatalf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	cancel()
	for range msgs {
	}
}

func TestInMemoryOfferWhenFull(t *testing.T) {
	q := NewInMemory(1)
	if !q.Offer(SyncTrigger("manual")) {
		t.Fatal("first offer refused")
	}
	if q.Offer(SyncTrigger("manual")) {
		t.Fatal("offer accepted on a full queue")
	}
}

func TestSerialize(t *testing.T) {
	msg := deserialize(serialize(Message{Type: "sync", Body: []byte("a|b")}))
	if msg.Type != "sync" || string(msg.Body) != "a|b" {
		t.Fatalf("got %+v", msg)
	}
	if msg := deserialize("bare"); msg.Type != "" || string(msg.Body) != "bare" {
		t.Fatalf("got %+v", msg)
	}
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: time.Second})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s", addr)
	}
	key := "attendance-test:sync:" + time.Now().Format("150405.000000")
	defer client.Del(context.Background(), key)

	q := NewRedisQueue(client, key)
	if err := q.Publish(ctx, SyncTrigger("manual")); err != nil {
		t.Fatal(err)
	}
	msgs, _ := q.Consume(ctx)
	select {
	case msg := <-msgs:
		if msg.Type != TypeSync || string(msg.Body) != "manual" {
			t.Fatalf("got %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}
