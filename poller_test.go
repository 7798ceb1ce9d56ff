//go:build linux

package evserve

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newTestPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := NewPoller()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPollerDeliversReadReadiness(t *testing.T) {
	p := newTestPoller(t)

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	const id = uint64(42)
	if err := p.Register(fds[0], id, Readable); err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatal(err)
	}

	events := make([]Event, 8)
	n, err := p.Wait(events)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || events[0].ID != id || !events[0].Readable {
		t.Fatalf("Got %d events, first %+v", n, events[0])
	}

	if err := p.Deregister(fds[0]); err != nil {
		t.Fatal(err)
	}
}

func TestPollerWakeup(t *testing.T) {
	p := newTestPoller(t)

	go func() { p.Wakeup() }()

	events := make([]Event, 8)
	n, err := p.Wait(events)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || events[0].ID != wakeupID {
		t.Fatalf("Got %d events, first %+v", n, events[0])
	}
	p.DrainWakeup()
}

func TestPollerReregisterFlipsInterest(t *testing.T) {
	p := newTestPoller(t)

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	// write end of an empty pipe is writable immediately
	const id = uint64(7)
	if err := p.Register(fds[1], id, None); err != nil {
		t.Fatal(err)
	}
	if err := p.Reregister(fds[1], id, Writable); err != nil {
		t.Fatal(err)
	}

	events := make([]Event, 8)
	n, err := p.Wait(events)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || events[0].ID != id || !events[0].Writable {
		t.Fatalf("Got %d events, first %+v", n, events[0])
	}
}

func TestEventIDRoundTrip(t *testing.T) {
	for _, id := range []uint64{0, 1, 2, 1 << 31, 1<<32 + 5, 1<<40 + 123} {
		ev := encodeEvent(id, Readable)
		if got := decodeEvent(ev).ID; got != id {
			t.Fatalf("ID %d decoded as %d", id, got)
		}
	}
}
