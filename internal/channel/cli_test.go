package channel

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"frontdesk/internal/bus"
	"frontdesk/internal/domain"
)

// syncBuffer is a bytes.Buffer safe for the REPL goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestCLI_PublishesLinesUntilQuit(t *testing.T) {
	out := &syncBuffer{}
	cli := NewCLI(CLIConfig{
		Logger: testChannelLogger(),
		In:     strings.NewReader("hello\n\n  menu  \n/quit\nignored\n"),
		Out:    out,
	})
	b := bus.New(8, testChannelLogger())

	if err := cli.Start(context.Background(), b); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-b.Subscribe():
			if msg.Channel != "cli" || msg.ChatID != "console" {
				t.Errorf("routing = %+v", msg)
			}
			got = append(got, msg.Content)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0] != "hello" || got[1] != "menu" {
		t.Errorf("got %v", got)
	}
	select {
	case msg := <-b.Subscribe():
		t.Errorf("nothing after /quit should be published, got %+v", msg)
	default:
	}
}

func TestCLI_SendTextAndMedia(t *testing.T) {
	out := &syncBuffer{}
	cli := NewCLI(CLIConfig{Logger: testChannelLogger(), In: strings.NewReader(""), Out: out})
	ctx := context.Background()

	if err := cli.SendText(ctx, "console", "Welcome!"); err != nil {
		t.Fatal(err)
	}
	media := domain.Media{FileName: "pool.jpg", MimeType: "image/jpeg", Data: []byte("abcd")}
	if err := cli.SendMedia(ctx, "console", media, "Swimming pool"); err != nil {
		t.Fatal(err)
	}
	if err := cli.SendText(ctx, "staff", "New guest request"); err != nil {
		t.Fatal(err)
	}

	s := out.String()
	for _, want := range []string{"Welcome!", "[image/jpeg: pool.jpg, 4 bytes] Swimming pool", "--- To staff ---"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestCLI_Contact(t *testing.T) {
	cli := NewCLI(CLIConfig{Logger: testChannelLogger(), GuestName: "Walk-in"})
	c, _ := cli.Contact(context.Background(), "console")
	if c.DisplayName != "Walk-in" || c.Address != "cli:console" {
		t.Errorf("contact = %+v", c)
	}
}
