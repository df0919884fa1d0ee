package snapshot

import (
	"testing"

	"github.com/bpftimego/bpftime/internal/handlertable"
)

// TestRoundTrip reproduces spec §8 scenario 5: one program (16
// instructions), one hash map, two perf events, and one link, exported
// and re-imported into a cleared table with every identifier, variant,
// and attribute matching.
func TestRoundTrip(t *testing.T) {
	tbl := handlertable.New(64)

	progID, err := tbl.AddProgram(handlertable.ProgUprobe, "my_prog", make([]byte, 16*8))
	if err != nil {
		t.Fatal(err)
	}
	mapID, err := tbl.AddMap("my_map", handlertable.MapAttr{
		MapType: handlertable.MapHash, KeySize: 4, ValueSize: 8, MaxEntries: 1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	perf1, err := tbl.AddUprobe("/bin/target", 0x1000, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	perf2, err := tbl.AddUretprobe("/bin/target", 0x1000, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.AddAttachTarget(progID, perf1); err != nil {
		t.Fatal(err)
	}
	linkID, err := tbl.AddLink(progID, perf2)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := Export(tbl)
	if err != nil {
		t.Fatal(err)
	}

	tbl2 := handlertable.New(64)
	if err := Import(tbl2, doc); err != nil {
		t.Fatal(err)
	}

	for _, id := range []int{progID, mapID, perf1, perf2, linkID} {
		if !tbl2.IsAllocated(id) {
			t.Fatalf("identifier %d not restored", id)
		}
	}

	origProg, _ := tbl.Get(progID)
	gotProg, _ := tbl2.Get(progID)
	op, gp := origProg.(*handlertable.ProgramHandle), gotProg.(*handlertable.ProgramHandle)
	if op.Name != gp.Name || op.Type != gp.Type || string(op.Insns) != string(gp.Insns) {
		t.Fatalf("program mismatch: %+v vs %+v", op, gp)
	}
	if len(gp.AttachTargets) != 1 || gp.AttachTargets[0] != perf1 {
		t.Fatalf("program attach targets = %v, want [%d]", gp.AttachTargets, perf1)
	}

	origLink, _ := tbl.Get(linkID)
	gotLink, _ := tbl2.Get(linkID)
	if *origLink.(*handlertable.LinkHandle) != *gotLink.(*handlertable.LinkHandle) {
		t.Fatalf("link mismatch: %+v vs %+v", origLink, gotLink)
	}

	origMap, _ := tbl.Get(mapID)
	gotMap, _ := tbl2.Get(mapID)
	om, gm := origMap.(*handlertable.MapHandle), gotMap.(*handlertable.MapHandle)
	if om.Name != gm.Name || om.Attr != gm.Attr {
		t.Fatalf("map mismatch: %+v vs %+v", om.Attr, gm.Attr)
	}
}

func TestImportUnknownTagFails(t *testing.T) {
	tbl := handlertable.New(8)
	doc := Document{"0": record{Type: "not_a_real_handler"}}
	err := Import(tbl, doc)
	ce, ok := err.(*CodecError)
	if !ok || ce.Kind != "unknown-tag" {
		t.Fatalf("err = %v, want CodecError{Kind: unknown-tag}", err)
	}
}

func TestImportSparseKeysOnlyAllocatesNamedIdentifiers(t *testing.T) {
	tbl := handlertable.New(8)
	doc := Document{"3": record{Type: "epoll_handler"}}
	if err := Import(tbl, doc); err != nil {
		t.Fatal(err)
	}
	if tbl.IsAllocated(0) || tbl.IsAllocated(1) || tbl.IsAllocated(2) {
		t.Fatal("import must not allocate identifiers below the sparse key")
	}
	if !tbl.IsAllocated(3) {
		t.Fatal("import must allocate the named identifier")
	}
}
