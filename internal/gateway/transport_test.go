package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"apertus-bridge/internal/retry"
)

type readResult struct {
	data string
	err  error
}

// fakePort is an in-memory serial.Port. Reads are served from a script;
// once exhausted it behaves like a read timeout.
type fakePort struct {
	mu      sync.Mutex
	reads   []readResult
	written bytes.Buffer
	closed  bool
	timeout time.Duration
	dtr     bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(p.reads) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	r := p.reads[0]
	p.reads = p.reads[1:]
	p.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	return copy(b, r.data), nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.written.Write(b)
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) SetMode(*serial.Mode) error { return nil }
func (p *fakePort) Drain() error               { return nil }
func (p *fakePort) ResetInputBuffer() error    { return nil }
func (p *fakePort) ResetOutputBuffer() error   { return nil }
func (p *fakePort) SetDTR(dtr bool) error {
	p.mu.Lock()
	p.dtr = dtr
	p.mu.Unlock()
	return nil
}
func (p *fakePort) SetRTS(bool) error { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}
func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}
func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
func (p *fakePort) Break(time.Duration) error { return nil }

// portSequence hands out ports in order, failing while it has none left
// or while failures remain.
type portSequence struct {
	mu       sync.Mutex
	failures int
	ports    []*fakePort
	opens    int
}

func (s *portSequence) open(string, *serial.Mode) (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("no such device")
	}
	if len(s.ports) == 0 {
		return nil, errors.New("no such device")
	}
	p := s.ports[0]
	s.ports = s.ports[1:]
	return p, nil
}

func (s *portSequence) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTransport(seq *portSequence) *Transport {
	return NewTransport("/dev/ttyTEST", 115200, testLogger(),
		WithOpener(seq.open),
		WithBackoff(retry.Fixed(time.Millisecond)),
		WithFaultDelay(time.Millisecond),
		WithReadTimeout(50*time.Millisecond),
	)
}

func TestReadLineAssemblesChunks(t *testing.T) {
	port := &fakePort{reads: []readResult{
		{data: `{"src":20,"rssi"`},
		{data: ":-72}\n{\"gateway\":"},
		{data: "\"apertus_ready\"}\r\n"},
	}}
	tr := newTestTransport(&portSequence{ports: []*fakePort{port}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	want := []string{`{"src":20,"rssi":-72}`, `{"gateway":"apertus_ready"}`}
	for _, w := range want {
		got, err := tr.ReadLine(ctx)
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if got != w {
			t.Errorf("line = %q, want %q", got, w)
		}
	}
	if port.timeout != 50*time.Millisecond {
		t.Errorf("read timeout = %v, want 50ms", port.timeout)
	}
	if !port.dtr {
		t.Error("DTR not asserted")
	}
}

func TestOpenRetriesUntilSuccess(t *testing.T) {
	seq := &portSequence{failures: 3, ports: []*fakePort{{}}}
	tr := newTestTransport(seq)

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if seq.Opens() != 4 {
		t.Errorf("open attempts = %d, want 4", seq.Opens())
	}
	if tr.State() != retry.Connected {
		t.Errorf("state = %v, want connected", tr.State())
	}

	// Already open: no further attempts.
	if err := tr.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if seq.Opens() != 4 {
		t.Errorf("open attempts after reopen = %d, want 4", seq.Opens())
	}
}

func TestOpenStopsOnCancel(t *testing.T) {
	seq := &portSequence{failures: 1 << 30}
	tr := NewTransport("/dev/ttyTEST", 115200, testLogger(),
		WithOpener(seq.open),
		WithBackoff(retry.Fixed(time.Hour)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := tr.Open(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Open err = %v, want context.Canceled", err)
	}
	if tr.State() != retry.Disconnected {
		t.Errorf("state = %v, want disconnected", tr.State())
	}
}

func TestReadLineReconnectsAfterFault(t *testing.T) {
	first := &fakePort{reads: []readResult{
		{data: "{\"a\":1}\n{\"partial"},
		{err: io.ErrUnexpectedEOF},
	}}
	second := &fakePort{reads: []readResult{{data: "{\"b\":2}\n"}}}
	seq := &portSequence{ports: []*fakePort{first, second}}
	tr := newTestTransport(seq)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := tr.ReadLine(ctx)
	if err != nil || got != `{"a":1}` {
		t.Fatalf("first line = %q, %v", got, err)
	}

	// The partial record from the broken port must not leak into the next one.
	got, err = tr.ReadLine(ctx)
	if err != nil {
		t.Fatalf("ReadLine after fault: %v", err)
	}
	if got != `{"b":2}` {
		t.Errorf("line after reconnect = %q, want %q", got, `{"b":2}`)
	}
	if !first.IsClosed() {
		t.Error("faulted port was not closed")
	}
	if seq.Opens() != 2 {
		t.Errorf("opens = %d, want 2", seq.Opens())
	}
}

func TestReadLineDropsInvalidUTF8(t *testing.T) {
	port := &fakePort{reads: []readResult{{data: "ab\xffc\n"}}}
	tr := newTestTransport(&portSequence{ports: []*fakePort{port}})

	got, err := tr.ReadLine(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "abc" {
		t.Errorf("line = %q, want %q", got, "abc")
	}
}

func TestWriteLineNotOpen(t *testing.T) {
	tr := newTestTransport(&portSequence{})
	if err := tr.WriteLine("20", "OPEN"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("WriteLine err = %v, want ErrNotOpen", err)
	}
}

func TestWriteLineFormat(t *testing.T) {
	port := &fakePort{}
	tr := newTestTransport(&portSequence{ports: []*fakePort{port}})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := tr.WriteLine("20", "OPEN"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if got := port.Written(); got != "TO:20:OPEN\n" {
		t.Errorf("written = %q, want %q", got, "TO:20:OPEN\n")
	}
}

func TestLinesSequence(t *testing.T) {
	port := &fakePort{reads: []readResult{{data: "one\ntwo\nthree\n"}}}
	tr := newTestTransport(&portSequence{ports: []*fakePort{port}})

	var got []string
	for line := range tr.Lines(context.Background()) {
		got = append(got, line)
		if len(got) == 2 {
			break
		}
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("lines = %v, want [one two]", got)
	}

	// Restartable: a new sequence continues where the last one stopped.
	for line := range tr.Lines(context.Background()) {
		if line != "three" {
			t.Errorf("next line = %q, want three", line)
		}
		break
	}
}

func TestCloseStopsReader(t *testing.T) {
	port := &fakePort{}
	tr := newTestTransport(&portSequence{ports: []*fakePort{port}})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := tr.ReadLine(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("ReadLine err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadLine did not return after Close")
	}
	if err := tr.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close err = %v, want ErrClosed", err)
	}
}

func TestFormatCommand(t *testing.T) {
	if got := FormatCommand("7", `{"op":"stop"}`); got != "TO:7:{\"op\":\"stop\"}\n" {
		t.Errorf("FormatCommand = %q", got)
	}
}
