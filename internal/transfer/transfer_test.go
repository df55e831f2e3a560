package transfer

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF", true},
		{" aa:bb:cc:dd:ee:ff ", "AA:BB:CC:DD:EE:FF", true},
		{"aa-bb-cc-dd-ee-ff", "AA:BB:CC:DD:EE:FF", true},
		{"6ba7b810-9dad-11d1-80b4-00c04fd430c8", "6BA7B810-9DAD-11D1-80B4-00C04FD430C8", true},
		{"bad-id", "", false},
		{"AA:BB:CC:DD:EE", "", false},
		{"AA:BB-CC:DD:EE:FF", "", false},
		{"GG:BB:CC:DD:EE:FF", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, err := NormalizeAddress(c.in)
		if c.ok {
			if err != nil || got != c.want {
				t.Fatalf("NormalizeAddress(%q) = %q, %v", c.in, got, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidDevice) {
			t.Fatalf("NormalizeAddress(%q) err = %v, want ErrInvalidDevice", c.in, err)
		}
	}
}

func TestDelegateForReportsTaggedEvents(t *testing.T) {
	ch := make(chan Event, 4)
	d := DelegateFor(NewChanReporter(ch))
	at := time.Now()
	d.OnProgress(1, 2, at)
	d.OnFailed(errors.New("x"))
	d.OnCanceled()
	d.OnCompleted([]byte{7})

	ev := <-ch
	if ev.Type != EventProgress || ev.Progress == nil || ev.Progress.Completed != 1 || ev.Progress.Total != 2 || !ev.Progress.At.Equal(at) {
		t.Fatalf("unexpected progress event %#v", ev)
	}
	if ev = <-ch; ev.Type != EventFailed || ev.Err == nil {
		t.Fatalf("unexpected failed event %#v", ev)
	}
	if ev = <-ch; ev.Type != EventCancelled || !ev.Type.Terminal() {
		t.Fatalf("unexpected cancel event %#v", ev)
	}
	if ev = <-ch; ev.Type != EventComplete || len(ev.Data) != 1 {
		t.Fatalf("unexpected complete event %#v", ev)
	}
	if EventProgress.Terminal() {
		t.Fatalf("progress must not be terminal")
	}
}

func TestErrorFormatting(t *testing.T) {
	base := errors.New("timeout")
	e := &Error{Op: "fs read", Code: 5, Err: base}
	if e.Error() != "fs read: rc=5: timeout" {
		t.Fatalf("unexpected message %q", e.Error())
	}
	if !errors.Is(e, base) {
		t.Fatalf("expected unwrap to base")
	}
}
