package correlator

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestReplyCompletesPending(t *testing.T) {
	c := New()
	ch := c.Create("req-1", KindHTTP, time.Second)

	if !c.Complete("req-1", Result{Status: 200, Payload: json.RawMessage(`{"ok":true}`)}) {
		t.Fatal("Complete returned false for pending id")
	}

	select {
	case res := <-ch:
		if res.Err != nil || res.Status != 200 {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d after completion", c.Pending())
	}
}

func TestTimeoutCompletesPending(t *testing.T) {
	c := New()
	ch := c.Create("req-1", KindHTTP, 10*time.Millisecond)

	select {
	case res := <-ch:
		if !errors.Is(res.Err, ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	if c.Pending() != 0 {
		t.Errorf("entry survived its deadline, pending = %d", c.Pending())
	}

	// A reply arriving after the timeout is discarded.
	if c.Complete("req-1", Result{Status: 200}) {
		t.Error("late reply was accepted")
	}
}

func TestDuplicateReplyIsDiscarded(t *testing.T) {
	c := New()
	ch := c.Create("req-1", KindWS, time.Second)

	first := c.Complete("req-1", Result{Status: 200})
	second := c.Complete("req-1", Result{Status: 500})
	if !first || second {
		t.Errorf("first = %v, second = %v; want true, false", first, second)
	}

	res := <-ch
	if res.Status != 200 {
		t.Errorf("delivered status = %d, want the first reply's 200", res.Status)
	}
	select {
	case res := <-ch:
		t.Errorf("second result delivered: %+v", res)
	default:
	}
}

func TestUnknownIDIsDropped(t *testing.T) {
	c := New()
	if c.Complete("never-created", Result{Status: 200}) {
		t.Error("unknown id was accepted")
	}
}

func TestKindAndDrop(t *testing.T) {
	c := New()
	c.Create("req-1", KindMPC, time.Second)

	if k, ok := c.Kind("req-1"); !ok || k != KindMPC {
		t.Errorf("Kind = (%v, %v)", k, ok)
	}
	c.Drop("req-1")
	if _, ok := c.Kind("req-1"); ok {
		t.Error("entry survived Drop")
	}
	if c.Complete("req-1", Result{}) {
		t.Error("dropped id was accepted")
	}
}
