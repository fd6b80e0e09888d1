package clock

import (
	"sync"
	"testing"
	"time"
)

func TestMockClock_AdvanceAndSince(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	c.Advance(48 * time.Hour)

	if got := c.Since(start); got != 48*time.Hour {
		t.Errorf("expected 48h, got %v", got)
	}
}

func TestMockClock_ConcurrentAccess(t *testing.T) {
	c := NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
		go func() {
			defer wg.Done()
			_ = c.Now()
		}()
	}
	wg.Wait()

	want := time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)
	if !c.Now().Equal(want) {
		t.Errorf("expected %v, got %v", want, c.Now())
	}
}
