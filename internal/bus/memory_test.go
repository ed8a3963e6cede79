package bus

import (
	"context"
	"testing"
	"time"
)

func TestQueuePushPopOrder(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if err := b.Push(ctx, "q", []byte(v)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := b.Pop(ctx, "q", 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if !ok {
			t.Fatalf("Pop() returned nothing, want %q", want)
		}
		if string(got) != want {
			t.Fatalf("Pop() = %q, want %q", got, want)
		}
	}

	if _, ok, _ := b.Pop(ctx, "q", 20*time.Millisecond); ok {
		t.Fatalf("Pop() on empty queue should time out")
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = b.Push(ctx, "q", []byte("late"))
	}()

	got, ok, err := b.Pop(ctx, "q", time.Second)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if !ok || string(got) != "late" {
		t.Fatalf("Pop() = %q ok=%v, want late", got, ok)
	}
}

func TestItemsDoesNotConsume(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	_ = b.Push(ctx, "q", []byte("x"))
	_ = b.Push(ctx, "q", []byte("y"))

	items, err := b.Items(ctx, "q")
	if err != nil {
		t.Fatalf("Items() error = %v", err)
	}
	if len(items) != 2 || string(items[0]) != "x" {
		t.Fatalf("Items() = %v, want [x y] oldest first", items)
	}

	again, _ := b.Items(ctx, "q")
	if len(again) != 2 {
		t.Fatalf("Items() consumed the queue")
	}
}

func TestRemoveDeletesFirstMatch(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	_ = b.Push(ctx, "q", []byte("x"))
	_ = b.Push(ctx, "q", []byte("y"))
	_ = b.Push(ctx, "q", []byte("x"))

	removed, err := b.Remove(ctx, "q", []byte("x"))
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !removed {
		t.Fatalf("Remove() = false, want true")
	}

	items, _ := b.Items(ctx, "q")
	if len(items) != 2 || string(items[0]) != "y" || string(items[1]) != "x" {
		t.Fatalf("after Remove, Items() = %v, want [y x]", items)
	}

	if removed, _ := b.Remove(ctx, "q", []byte("missing")); removed {
		t.Fatalf("Remove() of absent payload should return false")
	}
}

func TestSlotTTLExpiry(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	if err := b.Set(ctx, "k", []byte("v"), 40*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get() = %q ok=%v err=%v, want v", got, ok, err)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatalf("Get() after TTL should report absent")
	}
}

func TestSlotDelete(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	_ = b.Set(ctx, "k", []byte("v"), 0)
	if err := b.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatalf("Get() after Delete should report absent")
	}
}

func TestOrderedSetSinceAndMax(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	if _, ok, err := b.OrderedMax(ctx, "z"); err != nil || ok {
		t.Fatalf("OrderedMax() on empty set = ok=%v err=%v, want absent", ok, err)
	}

	for _, score := range []int64{3, 1, 2} {
		if err := b.OrderedAdd(ctx, "z", score, []byte{byte('0' + score)}); err != nil {
			t.Fatalf("OrderedAdd() error = %v", err)
		}
	}

	members, err := b.OrderedSince(ctx, "z", 1)
	if err != nil {
		t.Fatalf("OrderedSince() error = %v", err)
	}
	if len(members) != 2 || members[0].Score != 2 || members[1].Score != 3 {
		t.Fatalf("OrderedSince(1) = %+v, want scores [2 3] ascending", members)
	}

	max, ok, err := b.OrderedMax(ctx, "z")
	if err != nil || !ok || max != 3 {
		t.Fatalf("OrderedMax() = %d ok=%v err=%v, want 3", max, ok, err)
	}
}

func TestExpireDropsKey(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	_ = b.Push(ctx, "q", []byte("x"))
	if err := b.Expire(ctx, "q", 30*time.Millisecond); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	items, err := b.Items(ctx, "q")
	if err != nil {
		t.Fatalf("Items() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("queue should be gone after Expire, got %d items", len(items))
	}
}

func TestFactorySelectsMemoryWithoutURL(t *testing.T) {
	b, err := New(context.Background(), "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()
	if _, ok := b.(*MemoryBus); !ok {
		t.Fatalf("New(\"\") = %T, want *MemoryBus", b)
	}
}
