package session

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/rawblock/mpc-swap-node/internal/mpc"
)

func TestCreateGeneratesUniqueIDs(t *testing.T) {
	// A retried intent must never collide with the prior session.
	st := NewStore()
	a, err := st.Create("0xabc", []int{0, 1, 2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := st.Create("0xabc", []int{0, 1, 2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Errorf("duplicate session IDs for retried intent: %s", a.ID)
	}
	if !strings.HasPrefix(a.ID, "0xabc-") {
		t.Errorf("session ID %s does not start with intent ID", a.ID)
	}
	// intent_id + "-" + 8 hex nibbles
	suffix := strings.TrimPrefix(a.ID, "0xabc-")
	if len(suffix) != 8 {
		t.Errorf("suffix %q is not 8 hex nibbles", suffix)
	}
}

func TestPutShareWriteOnce(t *testing.T) {
	st := NewStore()
	s, _ := st.Create("0xdef", []int{0, 1, 2}, 1)

	v := mpc.View{A: big.NewInt(1), B: big.NewInt(2)}
	if err := s.PutShare("capacity_0", v); err != nil {
		t.Fatal(err)
	}
	// Second write for the same name must be rejected.
	err := s.PutShare("capacity_0", mpc.View{A: big.NewInt(9), B: big.NewInt(9)})
	if !errors.Is(err, ErrShareExists) {
		t.Errorf("expected ErrShareExists, got %v", err)
	}
	got, err := s.GetShare("capacity_0")
	if err != nil {
		t.Fatal(err)
	}
	if got.A.Cmp(big.NewInt(1)) != 0 {
		t.Error("original share was overwritten")
	}
}

func TestGetShareCopies(t *testing.T) {
	st := NewStore()
	s, _ := st.Create("0x1", []int{0, 1, 2}, 0)
	_ = s.PutShare("x", mpc.View{A: big.NewInt(5), B: big.NewInt(6)})
	got, _ := s.GetShare("x")
	got.A.SetInt64(999)
	again, _ := s.GetShare("x")
	if again.A.Cmp(big.NewInt(5)) != 0 {
		t.Error("GetShare leaked internal state")
	}
}

func TestLookupByIntent(t *testing.T) {
	st := NewStore()
	s, _ := st.Create("0xbeef", []int{0, 1, 2}, 2)
	found, err := st.GetByIntentID("0xbeef")
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != s.ID {
		t.Error("GetByIntentID returned wrong session")
	}
	if _, err := st.GetByIntentID("0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGCOnlyReapsTerminalSessions(t *testing.T) {
	st := NewStore()
	active, _ := st.Create("0xactive", []int{0, 1, 2}, 0)
	done, _ := st.Create("0xdone", []int{0, 1, 2}, 0)

	_ = st.UpdateStatus(active.ID, StatusComputing)
	_ = st.UpdateStatus(done.ID, StatusCompleted)

	// Backdate the completed session past the retention window.
	done.mu.Lock()
	done.endTime = time.Now().Add(-2 * time.Hour)
	done.mu.Unlock()

	if n := st.GC(time.Hour); n != 1 {
		t.Errorf("GC removed %d sessions, want 1", n)
	}
	if _, err := st.GetBySessionID(active.ID); err != nil {
		t.Error("GC removed an active session")
	}
	if _, err := st.GetBySessionID(done.ID); err == nil {
		t.Error("GC kept an expired completed session")
	}
}

func TestGCKeepsRecentlyCompleted(t *testing.T) {
	// Sessions must linger at least the retention window after completion.
	st := NewStore()
	s, _ := st.Create("0xfresh", []int{0, 1, 2}, 0)
	_ = st.UpdateStatus(s.ID, StatusFailed)
	if n := st.GC(time.Hour); n != 0 {
		t.Errorf("GC reaped a freshly failed session (%d removed)", n)
	}
}
