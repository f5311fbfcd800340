package busqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/mevansam/gobus/internal/busmsg"
)

type recorder struct {
	mu  sync.Mutex
	got []*busmsg.Message
}

func (r *recorder) OnMessage(msg *busmsg.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestQueueOrdersBySubjectAndPostTime(t *testing.T) {
	q := New(nil)
	q.Start()
	defer q.Stop()

	rec := &recorder{}
	now := busmsg.NowMS()

	m1 := busmsg.New("s", busmsg.KindP2PSub, busmsg.ContentUnknown)
	m1.PostTimeMS = now
	m2 := busmsg.New("s", busmsg.KindP2PSub, busmsg.ContentUnknown)
	m2.PostTimeMS = now

	q.Post(m2, []Listener{rec})
	q.Post(m1, []Listener{rec})

	waitFor(t, func() bool { return rec.count() >= 2 }, time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.got[0].ID != m2.ID {
		t.Fatalf("expected insertion order tiebreak, got %s first", rec.got[0].ID)
	}
}

func TestSubscriptionTicksAndCancel(t *testing.T) {
	q := New(nil)
	q.Start()
	defer q.Stop()

	rec := &recorder{}
	sub := busmsg.New("sub/topic", busmsg.KindP2PSub, busmsg.ContentUnknown)
	sub.DelayMS = 10
	sub.PostTimeMS = busmsg.NowMS()

	q.Post(sub, []Listener{rec})

	waitFor(t, func() bool { return rec.count() >= 2 }, time.Second)

	ctrl := busmsg.New("sub/topic", busmsg.KindP2PSub, busmsg.ContentUnknown)
	ctrl.ControlAction = busmsg.ControlCancel
	ctrl.TargetMsgID = sub.ID
	ctrl.PostTimeMS = busmsg.NowMS()
	q.Post(ctrl, nil)

	time.Sleep(50 * time.Millisecond)
	countAfterCancel := rec.count()

	time.Sleep(60 * time.Millisecond)
	if rec.count() != countAfterCancel {
		t.Fatalf("expected no further ticks after cancel, got %d -> %d", countAfterCancel, rec.count())
	}
}

func TestActivityFilterVetoesPost(t *testing.T) {
	q := New(nil)
	q.RegisterFilter(busmsg.KindP2P, func(*busmsg.Message) bool { return true })

	m := busmsg.New("s", busmsg.KindP2P, busmsg.ContentUnknown)
	if q.Post(m, nil) {
		t.Fatal("expected filter to veto post")
	}
}

func TestSuspendStopsDispatchUntilResume(t *testing.T) {
	q := New(nil)
	q.Start()
	defer q.Stop()

	rec := &recorder{}
	sub := busmsg.New("sub/b", busmsg.KindP2PSub, busmsg.ContentUnknown)
	sub.DelayMS = 15
	sub.PostTimeMS = busmsg.NowMS()
	q.Post(sub, []Listener{rec})

	waitFor(t, func() bool { return rec.count() >= 1 }, time.Second)

	suspend := busmsg.New("sub/b", busmsg.KindP2PSub, busmsg.ContentUnknown)
	suspend.ControlAction = busmsg.ControlSuspend
	suspend.TargetMsgID = sub.ID
	suspend.PostTimeMS = busmsg.NowMS()
	q.Post(suspend, nil)

	// Applying the suspend fires the subscription's listeners once with
	// the control attached; let that settle before taking the baseline.
	time.Sleep(20 * time.Millisecond)
	countAtSuspend := rec.count()
	time.Sleep(80 * time.Millisecond)
	if rec.count() != countAtSuspend {
		t.Fatalf("expected no ticks while suspended, got %d -> %d", countAtSuspend, rec.count())
	}

	resume := busmsg.New("sub/b", busmsg.KindP2PSub, busmsg.ContentUnknown)
	resume.ControlAction = busmsg.ControlResume
	resume.TargetMsgID = sub.ID
	resume.PostTimeMS = busmsg.NowMS()
	q.Post(resume, nil)

	waitFor(t, func() bool { return rec.count() > countAtSuspend }, time.Second)
}
