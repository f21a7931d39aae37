package watcher

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
	"github.com/fenilsonani/mailbox-gateway/internal/push"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []push.Event
}

func (p *recordingPublisher) Broadcast(accountID string, ev push.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) snapshot() []push.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]push.Event(nil), p.events...)
}

// serveScriptedInbox speaks just enough IMAP for one watcher connection.
// SELECT reports UIDNEXT 1002, and the first IDLE is answered with an
// EXISTS announcement. The UID FETCH reply includes a message at UID 1000,
// below the baseline, the way servers answer a `{n}:*` range that exceeds
// the highest UID.
func serveScriptedInbox(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	fmt.Fprintf(conn, "* OK [CAPABILITY IMAP4rev1 IDLE] scripted server ready\r\n")

	br := bufio.NewReader(conn)
	var idleTag string
	announced := false
	for {
		raw, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "DONE" {
			fmt.Fprintf(conn, "%s OK IDLE terminated\r\n", idleTag)
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		tag, cmd := fields[0], strings.ToUpper(fields[1])
		switch cmd {
		case "CAPABILITY":
			fmt.Fprintf(conn, "* CAPABILITY IMAP4rev1 IDLE\r\n%s OK done\r\n", tag)
		case "LOGIN":
			fmt.Fprintf(conn, "%s OK authenticated\r\n", tag)
		case "SELECT":
			fmt.Fprintf(conn, "* 3 EXISTS\r\n")
			fmt.Fprintf(conn, "* OK [UIDVALIDITY 7] valid\r\n")
			fmt.Fprintf(conn, "* OK [UIDNEXT 1002] predicted\r\n")
			fmt.Fprintf(conn, "%s OK [READ-WRITE] selected\r\n", tag)
		case "IDLE":
			idleTag = tag
			fmt.Fprintf(conn, "+ idling\r\n")
			if !announced {
				announced = true
				fmt.Fprintf(conn, "* 4 EXISTS\r\n")
			}
		case "UID":
			fmt.Fprintf(conn, "* 2 FETCH (UID 1000 FLAGS (\\Seen) INTERNALDATE \"01-Jun-2026 10:00:00 +0000\")\r\n")
			fmt.Fprintf(conn, "* 4 FETCH (UID 1002 FLAGS (\\Recent) INTERNALDATE \"01-Jun-2026 10:05:00 +0000\")\r\n")
			fmt.Fprintf(conn, "%s OK fetched\r\n", tag)
		case "UNSELECT", "CLOSE":
			fmt.Fprintf(conn, "%s OK done\r\n", tag)
		case "LOGOUT":
			fmt.Fprintf(conn, "* BYE logging out\r\n%s OK bye\r\n", tag)
			return
		default:
			fmt.Fprintf(conn, "%s OK done\r\n", tag)
		}
	}
}

func TestWatcherBaselinesAndPublishesNewMail(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go serveScriptedInbox(ln)

	pub := &recordingPublisher{}
	cfg := DefaultConfig()
	// Keep the keepalive timer out of the test's way.
	cfg.Keepalive = time.Minute

	settings := gwmail.ServerSettings{
		Host: "127.0.0.1", Port: 143,
		Username: "u", Password: "p",
		Connection: gwmail.ConnectionTLS,
	}
	w := New("acc", settings, cfg, pub, nil)
	w.dialFn = func(_ gwmail.ServerSettings, _ gwmail.Timeouts, _ time.Duration, opts *imapclient.Options) (*imapclient.Client, error) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return nil, err
		}
		c := imapclient.New(conn, opts)
		if err := c.WaitGreeting(); err != nil {
			c.Close()
			return nil, err
		}
		if err := c.Login("u", "p").Wait(); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}

	w.Start()

	waitFor(t, 3*time.Second, func() bool {
		for _, ev := range pub.snapshot() {
			if ev.Type == push.TypeEmailReceived {
				return true
			}
		}
		return false
	})

	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop")
	}

	events := pub.snapshot()
	if len(events) == 0 || events[0].Type != push.TypeWatcherReady {
		t.Fatalf("expected WatcherReady before any mail event, got %+v", events)
	}

	var received []uint32
	for _, ev := range events {
		switch ev.Type {
		case push.TypeError:
			t.Fatalf("unexpected error event: %s", ev.Message)
		case push.TypeEmailReceived:
			received = append(received, ev.UID)
		}
	}
	if len(received) != 1 || received[0] != 1002 {
		t.Fatalf("expected exactly one notification for uid 1002, got %v", received)
	}
}
