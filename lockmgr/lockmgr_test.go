package lockmgr

import (
	"testing"
	"time"
)

func TestManager_SharedSharedOk(t *testing.T) {
	m := New(2, RuleStrict)
	if r := m.TryLock(1, 0, []byte("k"), ModeShared, time.Second); r != ResultAcquired {
		t.Fatalf("TryLock() = %v, want Acquired", r)
	}
	if r := m.TryLock(2, 0, []byte("k"), ModeShared, time.Second); r != ResultAcquired {
		t.Fatalf("TryLock() = %v, want Acquired", r)
	}
}

func TestManager_ExclusiveBlocksShared(t *testing.T) {
	m := New(2, RuleStrict)
	if r := m.TryLock(1, 0, []byte("k"), ModeExclusive, time.Second); r != ResultAcquired {
		t.Fatalf("TryLock() = %v, want Acquired", r)
	}
	if r := m.TryLock(2, 0, []byte("k"), ModeShared, 0); r != ResultTimedOut {
		t.Fatalf("TryLock() with zero timeout while exclusive held = %v, want TimedOut", r)
	}
}

func TestManager_NegativeTimeoutWaitsForeverUntilGranted(t *testing.T) {
	m := New(2, RuleStrict)
	if r := m.TryLock(1, 0, []byte("k"), ModeExclusive, time.Second); r != ResultAcquired {
		t.Fatalf("TryLock() = %v, want Acquired", r)
	}

	done := make(chan Result, 1)
	go func() {
		done <- m.TryLock(2, 0, []byte("k"), ModeShared, -1)
	}()

	select {
	case r := <-done:
		t.Fatalf("TryLock() with negative timeout returned early with %v before the exclusive holder unlocked", r)
	case <-time.After(50 * time.Millisecond):
	}

	m.Unlock(1, 0, []byte("k"))

	select {
	case r := <-done:
		if r != ResultAcquired {
			t.Fatalf("TryLock() with negative timeout after unlock = %v, want Acquired", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("TryLock() with negative timeout never returned after the lock was released")
	}
}

func TestManager_ReentrantSameModeIsOwned(t *testing.T) {
	m := New(2, RuleStrict)
	if r := m.TryLock(1, 0, []byte("k"), ModeShared, time.Second); r != ResultAcquired {
		t.Fatalf("TryLock() = %v, want Acquired", r)
	}
	if r := m.TryLock(1, 0, []byte("k"), ModeShared, time.Second); r != ResultOwnedShared {
		t.Fatalf("TryLock() reentrant shared = %v, want OwnedShared", r)
	}
}

func TestManager_UpgradableThenExclusiveIsUpgraded(t *testing.T) {
	m := New(2, RuleStrict)
	if r := m.TryLock(1, 0, []byte("k"), ModeUpgradable, time.Second); r != ResultAcquired {
		t.Fatalf("TryLock() = %v, want Acquired", r)
	}
	if r := m.TryLock(1, 0, []byte("k"), ModeExclusive, time.Second); r != ResultUpgraded {
		t.Fatalf("TryLock() upgrade = %v, want Upgraded", r)
	}
}

func TestManager_StrictRuleRejectsSharedToUpgradableWithOtherReader(t *testing.T) {
	m := New(2, RuleStrict)
	m.TryLock(1, 0, []byte("k"), ModeShared, time.Second)
	m.TryLock(2, 0, []byte("k"), ModeShared, time.Second)
	if r := m.TryLock(1, 0, []byte("k"), ModeUpgradable, time.Second); r != ResultIllegal {
		t.Fatalf("TryLock() strict upgrade with other reader = %v, want Illegal", r)
	}
}

func TestManager_LenientRuleAllowsSharedToUpgradableWithOtherReader(t *testing.T) {
	m := New(2, RuleLenient)
	m.TryLock(1, 0, []byte("k"), ModeShared, time.Second)
	m.TryLock(2, 0, []byte("k"), ModeShared, time.Second)
	if r := m.TryLock(1, 0, []byte("k"), ModeUpgradable, time.Second); r != ResultAcquired {
		t.Fatalf("TryLock() lenient upgrade with other reader = %v, want Acquired", r)
	}
}

func TestManager_UnlockWakesQueuedExclusive(t *testing.T) {
	m := New(2, RuleStrict)
	m.TryLock(1, 0, []byte("k"), ModeShared, time.Second)

	done := make(chan Result, 1)
	go func() {
		done <- m.TryLock(2, 0, []byte("k"), ModeExclusive, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Unlock(1, 0, []byte("k"))

	select {
	case r := <-done:
		if r != ResultAcquired {
			t.Fatalf("queued TryLock() = %v, want Acquired", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued TryLock() never woke up after Unlock()")
	}
}

func TestManager_DeadlockDetected(t *testing.T) {
	m := New(2, RuleStrict)
	if r := m.TryLock(1, 0, []byte("a"), ModeExclusive, time.Second); r != ResultAcquired {
		t.Fatalf("TryLock() = %v, want Acquired", r)
	}
	if r := m.TryLock(2, 0, []byte("b"), ModeExclusive, time.Second); r != ResultAcquired {
		t.Fatalf("TryLock() = %v, want Acquired", r)
	}

	owner2Blocked := make(chan Result, 1)
	go func() {
		owner2Blocked <- m.TryLock(2, 0, []byte("a"), ModeExclusive, 2*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	r := m.TryLock(1, 0, []byte("b"), ModeExclusive, 2*time.Second)
	if r != ResultDeadlock {
		t.Fatalf("TryLock() on cyclic wait = %v, want Deadlock", r)
	}

	m.Unlock(1, 0, []byte("a"))
	if got := <-owner2Blocked; got != ResultAcquired {
		t.Fatalf("owner 2's TryLock() = %v, want Acquired once owner 1 releases", got)
	}
}

func TestManager_GhostSetAndConsume(t *testing.T) {
	m := New(2, RuleStrict)
	m.TryLock(1, 0, []byte("k"), ModeExclusive, time.Second)
	if err := m.SetGhost(1, 0, []byte("k")); err != nil {
		t.Fatalf("SetGhost() error = %v", err)
	}
	if !m.ConsumeGhost(0, []byte("k")) {
		t.Errorf("ConsumeGhost() = false, want true after SetGhost")
	}
	if m.ConsumeGhost(0, []byte("k")) {
		t.Errorf("ConsumeGhost() = true on second call, want false (one-shot)")
	}
}

func TestManager_SetGhostRequiresExclusive(t *testing.T) {
	m := New(2, RuleStrict)
	m.TryLock(1, 0, []byte("k"), ModeShared, time.Second)
	if err := m.SetGhost(1, 0, []byte("k")); err == nil {
		t.Errorf("SetGhost() with only shared held = nil error, want error")
	}
}
