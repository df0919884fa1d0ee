package attach

import "testing"

func TestStateTransitions(t *testing.T) {
	s := &site{}
	if s.state() != stateUnhooked {
		t.Fatalf("fresh site state = %v, want unhooked", s.state())
	}

	s.entries = append(s.entries, entryRegistration{id: 1})
	if s.state() != stateEntryOnly {
		t.Fatalf("state = %v, want entry-only", s.state())
	}
	if !s.canInstallReturn() || s.canInstallReplace() {
		t.Fatal("entry-only: expected canInstallReturn true, canInstallReplace false")
	}

	s.returns = append(s.returns, returnRegistration{id: 2})
	if s.state() != stateEntryAndReturn {
		t.Fatalf("state = %v, want entry-and-return", s.state())
	}

	s.removeEntry(1)
	if s.state() != stateReturnOnly {
		t.Fatalf("state = %v, want return-only", s.state())
	}

	s.removeReturn(2)
	if s.state() != stateUnhooked || !s.empty() {
		t.Fatalf("state = %v, empty = %v, want unhooked/true", s.state(), s.empty())
	}

	s.replace = &replaceRegistration{id: 3}
	if s.state() != stateReplaced {
		t.Fatalf("state = %v, want replaced", s.state())
	}
	if s.canInstallEntry() || s.canInstallReturn() || s.canInstallReplace() {
		t.Fatal("replaced: no further installs should be legal")
	}
}

func TestRemoveEntryPreservesInstallOrder(t *testing.T) {
	s := &site{}
	s.entries = append(s.entries,
		entryRegistration{id: 1},
		entryRegistration{id: 2},
		entryRegistration{id: 3},
	)
	s.removeEntry(2)
	if len(s.entries) != 2 || s.entries[0].id != 1 || s.entries[1].id != 3 {
		t.Fatalf("entries = %+v", s.entries)
	}
}

func TestRemoveReplaceOnlyMatchingID(t *testing.T) {
	s := &site{replace: &replaceRegistration{id: 5}}
	if s.removeReplace(6) {
		t.Fatal("removeReplace should not match a different id")
	}
	if s.replace == nil {
		t.Fatal("non-matching removeReplace must not clear the registration")
	}
	if !s.removeReplace(5) || s.replace != nil {
		t.Fatal("removeReplace should clear the matching registration")
	}
}
