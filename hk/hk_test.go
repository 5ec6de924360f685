package hk

import (
	"testing"
	"time"
)

func TestRegRunsAndReschedules(t *testing.T) {
	name := "test.reschedule" + NameSuffix
	defer Unreg(name)

	calls := make(chan struct{}, 8)
	first := true
	Reg(name, 5*time.Millisecond, func() time.Duration {
		calls <- struct{}{}
		if first {
			first = false
			return 5 * time.Millisecond
		}
		return 0 // unregister after the second firing
	})

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("call %d never arrived", i)
		}
	}

	deadline := time.Now().Add(50 * time.Millisecond)
	for Registered(name) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if Registered(name) {
		t.Fatal("job returning <=0 should have unregistered itself")
	}
}

func TestRegIgnoresDuplicateName(t *testing.T) {
	name := "test.dup" + NameSuffix
	defer Unreg(name)

	var n int
	Reg(name, time.Hour, func() time.Duration { n++; return 0 })
	Reg(name, time.Hour, func() time.Duration { n += 100; return 0 }) // no-op: name already registered

	if !Registered(name) {
		t.Fatal("expected the first registration to still be live")
	}
}

func TestUnregIsIdempotent(t *testing.T) {
	name := "test.unreg" + NameSuffix
	Reg(name, time.Hour, func() time.Duration { return 0 })
	Unreg(name)
	Unreg(name) // must not panic on a name that's already gone
	if Registered(name) {
		t.Fatal("expected name to be gone after Unreg")
	}
}
