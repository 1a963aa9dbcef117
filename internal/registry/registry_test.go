package registry

import "testing"

func TestRegisterAllocatesLowestFreeSlot(t *testing.T) {
	r := New(0)
	d1, err := r.RegisterByFingerprint("fp-a")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := r.RegisterByFingerprint("fp-b")
	if err != nil {
		t.Fatal(err)
	}
	if d1.Slot != 0 || d2.Slot != 1 {
		t.Fatalf("expected slots 0,1; got %d,%d", d1.Slot, d2.Slot)
	}

	r.Unregister("fp-a")
	d3, err := r.RegisterByFingerprint("fp-c")
	if err != nil {
		t.Fatal(err)
	}
	if d3.Slot != 0 {
		t.Fatalf("expected slot 0 reused after unregister, got %d", d3.Slot)
	}
}

func TestRegisterIsIdempotentForSameFingerprint(t *testing.T) {
	r := New(0)
	d1, _ := r.RegisterByFingerprint("fp-a")
	d2, _ := r.RegisterByFingerprint("fp-a")
	if d1.DeviceID != d2.DeviceID || d1.Slot != d2.Slot {
		t.Fatalf("expected identical registration, got %+v vs %+v", d1, d2)
	}
}

func TestUnregisterThenReconnectPrefersOldSlot(t *testing.T) {
	r := New(0)
	d1, _ := r.RegisterByFingerprint("fp-a")
	_, _ = r.RegisterByFingerprint("fp-b") // takes slot 1
	r.Unregister("fp-a")

	d3, err := r.RegisterByFingerprint("fp-a")
	if err != nil {
		t.Fatal(err)
	}
	if d3.Slot != d1.Slot {
		t.Fatalf("expected reconnecting fingerprint to reclaim slot %d, got %d", d1.Slot, d3.Slot)
	}
}

func TestAllDevicesReturnsEveryRegisteredDevice(t *testing.T) {
	r := New(0)
	r.RegisterByFingerprint("fp-a")
	r.RegisterByFingerprint("fp-b")
	if len(r.AllDevices()) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(r.AllDevices()))
	}
}

func TestRegisterFailsWhenNoSlotsFree(t *testing.T) {
	r := New(4)
	for i := 0; i < 4; i++ {
		if _, err := r.RegisterByFingerprint(string(rune('a' + i))); err != nil {
			t.Fatalf("unexpected error filling slots: %v", err)
		}
	}
	if _, err := r.RegisterByFingerprint("overflow"); err == nil {
		t.Fatal("expected ErrNoFreeSlot once all slots are taken")
	}
}
