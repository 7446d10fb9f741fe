package util

import (
	"sync"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	t.Run("push below capacity", func(t *testing.T) {
		rb := NewRingBuffer[int](5)
		for i := 1; i <= 3; i++ {
			rb.Push(i)
		}
		if rb.Len() != 3 {
			t.Fatalf("expected len 3, got %d", rb.Len())
		}
		got := rb.Snapshot()
		for i, want := range []int{1, 2, 3} {
			if got[i] != want {
				t.Fatalf("snapshot[%d] = %d, want %d", i, got[i], want)
			}
		}
	})

	t.Run("overwrites oldest when full", func(t *testing.T) {
		rb := NewRingBuffer[int](3)
		for i := 1; i <= 5; i++ {
			rb.Push(i)
		}
		if rb.Len() != 3 {
			t.Fatalf("expected len 3, got %d", rb.Len())
		}
		got := rb.Snapshot()
		for i, want := range []int{3, 4, 5} {
			if got[i] != want {
				t.Fatalf("snapshot[%d] = %d, want %d", i, got[i], want)
			}
		}
	})

	t.Run("tail returns most recent oldest first", func(t *testing.T) {
		rb := NewRingBuffer[int](10)
		for i := 1; i <= 7; i++ {
			rb.Push(i)
		}
		got := rb.Tail(3)
		for i, want := range []int{5, 6, 7} {
			if got[i] != want {
				t.Fatalf("tail[%d] = %d, want %d", i, got[i], want)
			}
		}
	})

	t.Run("tail larger than contents", func(t *testing.T) {
		rb := NewRingBuffer[int](10)
		rb.Push(1)
		rb.Push(2)
		got := rb.Tail(5)
		if len(got) != 2 || got[0] != 1 || got[1] != 2 {
			t.Fatalf("unexpected tail %v", got)
		}
	})

	t.Run("tail after wraparound", func(t *testing.T) {
		rb := NewRingBuffer[int](4)
		for i := 1; i <= 9; i++ {
			rb.Push(i)
		}
		got := rb.Tail(2)
		if len(got) != 2 || got[0] != 8 || got[1] != 9 {
			t.Fatalf("unexpected tail %v", got)
		}
	})

	t.Run("concurrent push", func(t *testing.T) {
		rb := NewRingBuffer[int](64)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					rb.Push(n*100 + j)
				}
			}(i)
		}
		wg.Wait()
		if rb.Len() != 64 {
			t.Fatalf("expected full buffer, got %d", rb.Len())
		}
	})
}
