package failure

import (
	"sync"
	"testing"
	"time"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/clock"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

func setupTracker(t *testing.T, threshold int) (*Tracker, *clock.MockClock) {
	t.Helper()
	mockClock := clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	log, err := logger.New("", "test", "info")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return NewTracker(threshold, mockClock, log), mockClock
}

func TestTracker_LocksAtExactlyThreshold(t *testing.T) {
	tracker, _ := setupTracker(t, 3)

	for i := 1; i < 3; i++ {
		if n := tracker.RecordFailure(domain.Primary, domain.KeyClassSigned); n != i {
			t.Fatalf("expected count %d, got %d", i, n)
		}
		if tracker.IsLocked(domain.Primary) {
			t.Fatalf("expected identity unlocked after %d failures", i)
		}
	}

	tracker.RecordFailure(domain.Primary, domain.KeyClassSigned)
	if !tracker.IsLocked(domain.Primary) {
		t.Error("expected identity locked at threshold")
	}
	if tracker.IsLocked(domain.Secondary) {
		t.Error("expected secondary identity unaffected")
	}
	if !tracker.IsAnyLocked() {
		t.Error("expected IsAnyLocked to report true")
	}
}

func TestTracker_SuccessClearsOnlyItsPair(t *testing.T) {
	tracker, _ := setupTracker(t, 2)

	tracker.RecordFailure(domain.Primary, domain.KeyClassSigned)
	tracker.RecordFailure(domain.Primary, domain.KeyClassSigned)
	tracker.RecordFailure(domain.Primary, domain.KeyClassOneTime)
	tracker.RecordFailure(domain.Primary, domain.KeyClassOneTime)

	tracker.RecordSuccess(domain.Primary, domain.KeyClassSigned)

	if !tracker.IsLocked(domain.Primary) {
		t.Error("expected one-time failures to keep the identity locked")
	}
	snap := tracker.Snapshot(domain.Primary)
	if _, ok := snap[domain.KeyClassSigned]; ok {
		t.Error("expected signed counter to be cleared")
	}
	if snap[domain.KeyClassOneTime].Consecutive != 2 {
		t.Errorf("expected one-time count 2, got %d", snap[domain.KeyClassOneTime].Consecutive)
	}

	tracker.RecordSuccess(domain.Primary, domain.KeyClassOneTime)
	if tracker.IsLocked(domain.Primary) {
		t.Error("expected identity unlocked after both classes recovered")
	}
}

func TestTracker_InterveningSuccessResetsCount(t *testing.T) {
	tracker, _ := setupTracker(t, 3)

	tracker.RecordFailure(domain.Secondary, domain.KeyClassLastResortKyber)
	tracker.RecordFailure(domain.Secondary, domain.KeyClassLastResortKyber)
	tracker.RecordSuccess(domain.Secondary, domain.KeyClassLastResortKyber)

	if n := tracker.RecordFailure(domain.Secondary, domain.KeyClassLastResortKyber); n != 1 {
		t.Errorf("expected count to restart at 1, got %d", n)
	}
	if tracker.IsLocked(domain.Secondary) {
		t.Error("expected identity unlocked")
	}
}

func TestTracker_RecordsLastAttempt(t *testing.T) {
	tracker, mockClock := setupTracker(t, 5)

	tracker.RecordFailure(domain.Primary, domain.KeyClassOneTimeKyber)
	later := mockClock.Advance(time.Hour)
	tracker.RecordFailure(domain.Primary, domain.KeyClassOneTimeKyber)

	snap := tracker.Snapshot(domain.Primary)
	if !snap[domain.KeyClassOneTimeKyber].LastAttempt.Equal(later) {
		t.Errorf("expected last attempt %v, got %v", later, snap[domain.KeyClassOneTimeKyber].LastAttempt)
	}
}

func TestTracker_InvalidThresholdFallsBack(t *testing.T) {
	tracker, _ := setupTracker(t, 0)
	if tracker.Threshold() != 5 {
		t.Errorf("expected default threshold 5, got %d", tracker.Threshold())
	}
}

func TestTracker_ConcurrentFailures(t *testing.T) {
	tracker, _ := setupTracker(t, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.RecordFailure(domain.Primary, domain.KeyClassSigned)
		}()
	}
	wg.Wait()

	if n := tracker.Snapshot(domain.Primary)[domain.KeyClassSigned].Consecutive; n != 100 {
		t.Errorf("expected 100 failures, got %d", n)
	}
}
