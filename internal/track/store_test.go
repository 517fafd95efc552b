package track

import (
	"testing"

	"github.com/apptrace/collector/internal/usage"
)

func TestApplyForeground(t *testing.T) {
	s := NewStore()
	s.Apply(usage.Transition{Subject: "editor", Kind: usage.Foreground, Time: 1.5})

	st, ok := s.Get("editor")
	if !ok {
		t.Fatal("subject missing after Apply")
	}
	if !st.Active {
		t.Error("subject not active after foreground")
	}
	if st.OpenedAt != 1.5 || st.LastSeenAt != 1.5 {
		t.Errorf("timestamps = %v/%v, want 1.5/1.5", st.OpenedAt, st.LastSeenAt)
	}
	if st.Transitions != 1 {
		t.Errorf("transitions = %d, want 1", st.Transitions)
	}
}

func TestSingleActiveSubject(t *testing.T) {
	s := NewStore()
	s.Apply(usage.Transition{Subject: "editor", Kind: usage.Foreground, Time: 1})
	s.Apply(usage.Transition{Subject: "browser", Kind: usage.Foreground, Time: 2})

	if got := s.ActiveCount(); got != 1 {
		t.Errorf("active count = %d, want 1", got)
	}
	if st, _ := s.Get("editor"); st.Active {
		t.Error("editor still active after browser went foreground")
	}
	if st, _ := s.Get("browser"); !st.Active {
		t.Error("browser not active")
	}
}

func TestBackgroundDeactivates(t *testing.T) {
	s := NewStore()
	s.Apply(usage.Transition{Subject: "editor", Kind: usage.Foreground, Time: 1})
	s.Apply(usage.Transition{Subject: "editor", Kind: usage.Background, Time: 2})

	st, _ := s.Get("editor")
	if st.Active {
		t.Error("editor still active after background")
	}
	if st.LastKind != usage.Background {
		t.Errorf("last kind = %s, want background", st.LastKind)
	}
	if st.LastSeenAt != 2 {
		t.Errorf("last seen = %v, want 2", st.LastSeenAt)
	}
	if got := s.ActiveCount(); got != 0 {
		t.Errorf("active count = %d, want 0", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Apply(usage.Transition{Subject: "editor", Kind: usage.Foreground, Time: 1})

	st, _ := s.Get("editor")
	st.Active = false
	st.Transitions = 99

	fresh, _ := s.Get("editor")
	if !fresh.Active || fresh.Transitions != 1 {
		t.Error("mutating a returned state leaked into the store")
	}
}

func TestGetAllSorted(t *testing.T) {
	s := NewStore()
	s.Apply(usage.Transition{Subject: "zsh", Kind: usage.Foreground, Time: 1})
	s.Apply(usage.Transition{Subject: "awk", Kind: usage.Foreground, Time: 2})
	s.Apply(usage.Transition{Subject: "make", Kind: usage.Foreground, Time: 3})

	all := s.GetAll()
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	want := []string{"awk", "make", "zsh"}
	for i, w := range want {
		if all[i].Subject != w {
			t.Errorf("subject %d = %s, want %s", i, all[i].Subject, w)
		}
	}
}

func TestUnknownSubjectAbsent(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get("nope"); ok {
		t.Error("Get on unknown subject returned ok")
	}
}
