package handlertable

import "testing"

func TestAllocateReusesLowestFreeSlot(t *testing.T) {
	tbl := New(8)
	id0, err := tbl.AddEpoll()
	if err != nil || id0 != 0 {
		t.Fatalf("id0 = %d, err = %v", id0, err)
	}
	id1, err := tbl.AddEpoll()
	if err != nil || id1 != 1 {
		t.Fatalf("id1 = %d, err = %v", id1, err)
	}
	if err := tbl.Remove(id0); err != nil {
		t.Fatal(err)
	}
	id2, err := tbl.AddEpoll()
	if err != nil || id2 != 0 {
		t.Fatalf("id2 = %d, err = %v, want reused slot 0", id2, err)
	}
}

func TestTableFullReturnsError(t *testing.T) {
	tbl := New(1)
	if _, err := tbl.AddEpoll(); err != nil {
		t.Fatal(err)
	}
	_, err := tbl.AddEpoll()
	te, ok := err.(*TableError)
	if !ok || te.Kind != "full" {
		t.Fatalf("err = %v, want TableError{Kind: full}", err)
	}
}

func TestGetUnallocatedFails(t *testing.T) {
	tbl := New(4)
	_, err := tbl.Get(0)
	te, ok := err.(*TableError)
	if !ok || te.Kind != "not-allocated" {
		t.Fatalf("err = %v, want TableError{Kind: not-allocated}", err)
	}
}

func TestAddAttachTargetValidatesLivenessAndDuplicates(t *testing.T) {
	tbl := New(8)
	prog, err := tbl.AddProgram(ProgUprobe, "p", make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	perf, err := tbl.AddUprobe("/bin/target", 0x1000, -1, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := tbl.AddAttachTarget(prog, 999); err == nil {
		t.Fatal("expected error attaching to a non-live perf-event identifier")
	}
	if err := tbl.AddAttachTarget(999, perf); err == nil {
		t.Fatal("expected error attaching from a non-live program identifier")
	}
	if err := tbl.AddAttachTarget(prog, perf); err != nil {
		t.Fatal(err)
	}
	if err := tbl.AddAttachTarget(prog, perf); err == nil {
		t.Fatal("expected error on duplicate attach target")
	}

	h, err := tbl.Get(prog)
	if err != nil {
		t.Fatal(err)
	}
	ph := h.(*ProgramHandle)
	if len(ph.AttachTargets) != 1 || ph.AttachTargets[0] != perf {
		t.Fatalf("AttachTargets = %v, want [%d]", ph.AttachTargets, perf)
	}
}

func TestAddProgramRejectsMisalignedInstructions(t *testing.T) {
	tbl := New(8)
	if _, err := tbl.AddProgram(ProgKprobe, "bad", make([]byte, 5)); err == nil {
		t.Fatal("expected invariant-violation error for non-multiple-of-8 instruction stream")
	}
}

func TestAddLinkRequiresLiveEndpoints(t *testing.T) {
	tbl := New(8)
	prog, _ := tbl.AddProgram(ProgKprobe, "p", make([]byte, 8))
	perf, _ := tbl.AddTracepoint(-1, 7)
	if _, err := tbl.AddLink(prog, 999); err == nil {
		t.Fatal("expected error for dead target identifier")
	}
	id, err := tbl.AddLink(prog, perf)
	if err != nil {
		t.Fatal(err)
	}
	h, err := tbl.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	lh := h.(*LinkHandle)
	if lh.ProgID != prog || lh.TargetID != perf {
		t.Fatalf("link = %+v", lh)
	}
}

func TestIterateSkipsRemovedSlots(t *testing.T) {
	tbl := New(8)
	a, _ := tbl.AddEpoll()
	b, _ := tbl.AddEpoll()
	tbl.Remove(a)

	seen := map[int]bool{}
	tbl.Iterate(func(id int, h Handler) bool {
		seen[id] = true
		return true
	})
	if seen[a] {
		t.Fatalf("removed slot %d still visited", a)
	}
	if !seen[b] {
		t.Fatalf("live slot %d not visited", b)
	}
}

func TestArrayStorageRoundTrip(t *testing.T) {
	attr := MapAttr{MapType: MapArray, KeySize: 4, ValueSize: 8, MaxEntries: 4}
	s, err := NewMapStorage(attr)
	if err != nil {
		t.Fatal(err)
	}
	key := []byte{2, 0, 0, 0}
	if err := s.Update(key, []byte("12345678")); err != nil {
		t.Fatal(err)
	}
	v, ok := s.Lookup(key)
	if !ok || string(v) != "12345678" {
		t.Fatalf("Lookup = %q, %v", v, ok)
	}
}
