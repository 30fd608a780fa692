package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"cosmossdk.io/log"
)

func newTestStore() *Memory {
	return NewMemory(log.NewNopLogger())
}

func TestZSetOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	// Insert out of order, with two members sharing a score.
	entries := []struct {
		member string
		score  float64
	}{
		{"00000000000000000003:order-c", 151.0},
		{"00000000000000000001:order-a", 150.0},
		{"00000000000000000002:order-b", 150.0},
		{"00000000000000000004:order-d", 149.5},
	}
	for _, e := range entries {
		if err := s.ZAdd(ctx, "book:lit:AAPL:asks", e.score, e.member); err != nil {
			t.Fatalf("zadd: %v", err)
		}
	}

	got, err := s.ZRange(ctx, "book:lit:AAPL:asks", 0, -1, false)
	if err != nil {
		t.Fatalf("zrange: %v", err)
	}
	want := []string{
		"00000000000000000004:order-d",
		"00000000000000000001:order-a",
		"00000000000000000002:order-b",
		"00000000000000000003:order-c",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].Member != w {
			t.Errorf("position %d: expected %s, got %s", i, w, got[i].Member)
		}
	}

	// Reverse walk returns the mirror image.
	rev, err := s.ZRange(ctx, "book:lit:AAPL:asks", 0, 0, true)
	if err != nil {
		t.Fatalf("zrange rev: %v", err)
	}
	if len(rev) != 1 || rev[0].Member != "00000000000000000003:order-c" {
		t.Errorf("expected highest-score member first in reverse, got %+v", rev)
	}
}

func TestZSetRangeBounds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	for i, member := range []string{"a", "b", "c", "d"} {
		if err := s.ZAdd(ctx, "z", float64(i), member); err != nil {
			t.Fatalf("zadd: %v", err)
		}
	}

	testCases := []struct {
		name        string
		start, stop int64
		want        []string
	}{
		{"full range", 0, -1, []string{"a", "b", "c", "d"}},
		{"prefix", 0, 1, []string{"a", "b"}},
		{"negative start", -2, -1, []string{"c", "d"}},
		{"stop past end", 2, 100, []string{"c", "d"}},
		{"start past end", 10, 20, nil},
		{"inverted", 3, 1, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ZRange(ctx, "z", tc.start, tc.stop, false)
			if err != nil {
				t.Fatalf("zrange: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d entries, got %d", len(tc.want), len(got))
			}
			for i, w := range tc.want {
				if got[i].Member != w {
					t.Errorf("position %d: expected %s, got %s", i, w, got[i].Member)
				}
			}
		})
	}
}

func TestZRemAndUpdateScore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	if err := s.ZAdd(ctx, "z", 1, "a"); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := s.ZAdd(ctx, "z", 2, "b"); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	// Re-adding a member moves it, never duplicates it.
	if err := s.ZAdd(ctx, "z", 3, "a"); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	n, err := s.ZCard(ctx, "z")
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 members after score update, got %d", n)
	}
	got, _ := s.ZRange(ctx, "z", 0, 0, false)
	if got[0].Member != "b" {
		t.Errorf("expected b first after moving a, got %s", got[0].Member)
	}

	if err := s.ZRem(ctx, "z", "a", "missing"); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	n, _ = s.ZCard(ctx, "z")
	if n != 1 {
		t.Errorf("expected 1 member after removal, got %d", n)
	}

	// Removing the last member retires the key.
	if err := s.ZRem(ctx, "z", "b"); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	keys, _ := s.Keys(ctx, "z")
	if len(keys) != 0 {
		t.Errorf("expected empty zset key to disappear, still have %v", keys)
	}
}

func TestHashOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	if err := s.HSet(ctx, "order:1", map[string]string{"status": "open", "price": "150"}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	v, err := s.HGet(ctx, "order:1", "status")
	if err != nil {
		t.Fatalf("hget: %v", err)
	}
	if v != "open" {
		t.Errorf("expected open, got %s", v)
	}

	if _, err := s.HGet(ctx, "order:1", "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for absent field, got %v", err)
	}
	if _, err := s.HGet(ctx, "order:absent", "f"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for absent key, got %v", err)
	}

	all, err := s.HGetAll(ctx, "order:1")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 fields, got %d", len(all))
	}

	// The returned map is a copy.
	all["status"] = "mutated"
	v, _ = s.HGet(ctx, "order:1", "status")
	if v != "open" {
		t.Errorf("caller mutation leaked into the store: %s", v)
	}
}

func TestUpdateAtomicDecrement(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	if err := s.HSet(ctx, "order:1", map[string]string{"remaining": "10"}); err != nil {
		t.Fatalf("hset: %v", err)
	}

	errTooSmall := errors.New("remaining below requested")
	decrement := func(by int) error {
		return s.Update(ctx, "order:1", func(fields map[string]string) (map[string]string, error) {
			remaining, err := strconv.Atoi(fields["remaining"])
			if err != nil {
				return nil, err
			}
			if remaining < by {
				return nil, errTooSmall
			}
			return map[string]string{"remaining": strconv.Itoa(remaining - by)}, nil
		})
	}

	if err := decrement(4); err != nil {
		t.Fatalf("first decrement: %v", err)
	}
	if err := decrement(4); err != nil {
		t.Fatalf("second decrement: %v", err)
	}
	if err := decrement(4); !errors.Is(err, errTooSmall) {
		t.Errorf("expected guard error, got %v", err)
	}
	v, _ := s.HGet(ctx, "order:1", "remaining")
	if v != "2" {
		t.Errorf("expected remaining 2 after failed update left state intact, got %s", v)
	}
}

func TestListOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	if err := s.LPush(ctx, "txn:acc-1", "first"); err != nil {
		t.Fatalf("lpush: %v", err)
	}
	if err := s.LPush(ctx, "txn:acc-1", "second", "third"); err != nil {
		t.Fatalf("lpush: %v", err)
	}

	got, err := s.LRange(ctx, "txn:acc-1", 0, -1)
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	want := []string{"third", "second", "first"}
	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("position %d: expected %s, got %s", i, w, got[i])
		}
	}

	if err := s.LTrim(ctx, "txn:acc-1", 0, 1); err != nil {
		t.Fatalf("ltrim: %v", err)
	}
	got, _ = s.LRange(ctx, "txn:acc-1", 0, -1)
	if len(got) != 2 || got[1] != "second" {
		t.Errorf("expected [third second] after trim, got %v", got)
	}
}

func TestIncrAndKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "seq:order")
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != want {
			t.Errorf("expected counter %d, got %d", want, n)
		}
	}

	if err := s.HSet(ctx, "order:1", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := s.HSet(ctx, "order:2", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := s.Set(ctx, "lastprice:AAPL", "150"); err != nil {
		t.Fatalf("set: %v", err)
	}

	keys, err := s.Keys(ctx, "order:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 order keys, got %v", keys)
	}
	keys, _ = s.Keys(ctx, "*")
	if len(keys) != 4 {
		t.Errorf("expected 4 keys total, got %v", keys)
	}

	if err := s.Del(ctx, "order:1", "order:2"); err != nil {
		t.Fatalf("del: %v", err)
	}
	keys, _ = s.Keys(ctx, "order:*")
	if len(keys) != 0 {
		t.Errorf("expected no order keys after delete, got %v", keys)
	}
}

func TestWrongTypeRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	if err := s.HSet(ctx, "k", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := s.ZAdd(ctx, "k", 1, "m"); !errors.Is(err, ErrWrongType) {
		t.Errorf("expected ErrWrongType for zadd on hash, got %v", err)
	}
	if _, err := s.Incr(ctx, "k"); !errors.Is(err, ErrWrongType) {
		t.Errorf("expected ErrWrongType for incr on hash, got %v", err)
	}
}

func TestPubSubPatternDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore()

	trades, err := s.Subscribe(ctx, "trades:*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	all, err := s.Subscribe(ctx, "trades:*", "system")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.Publish(ctx, "trades:AAPL", []byte(`{"type":"trade"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.Publish(ctx, "system", []byte(`{"type":"latency"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.Publish(ctx, "orderbook:AAPL", []byte(`{"type":"orderbook"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-trades:
		if msg.Channel != "trades:AAPL" {
			t.Errorf("expected trades:AAPL, got %s", msg.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("trade subscriber received nothing")
	}
	select {
	case msg := <-trades:
		t.Errorf("trade subscriber received unexpected message on %s", msg.Channel)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case msg := <-all:
			if msg.Channel != "trades:AAPL" && msg.Channel != "system" {
				t.Errorf("unexpected channel %s", msg.Channel)
			}
		case <-time.After(time.Second):
			t.Fatal("multi-pattern subscriber starved")
		}
	}

	// Cancelling the context closes the channel.
	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-trades:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed after cancel")
		}
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore()

	ch, err := s.Subscribe(ctx, "system")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Nobody draining: overflow the buffer by one and verify the oldest
	// message was shed, not the newest.
	for i := 0; i <= subBufferSize; i++ {
		payload := []byte{byte(i % 256)}
		if err := s.Publish(ctx, "system", payload); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	first := <-ch
	if first.Payload[0] != 1 {
		t.Errorf("expected first queued message to be the second published, got %d", first.Payload[0])
	}
}
