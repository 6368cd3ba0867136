package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Control is the slice of the runtime's control protocol the orchestrator
// needs. The production implementation speaks the line protocol over a
// loopback TCP port; tests substitute a fake.
type Control interface {
	// BootstrapPhase reports the runtime's bootstrap progress.
	BootstrapPhase() (progress int, tag, summary string, err error)
	// AddOnion publishes a hidden service. keySpec is either
	// "NEW:ED25519-V3" or "ED25519-V3:<key>". privateKey is empty when the
	// runtime was asked to discard it or when an existing key was supplied.
	AddOnion(keySpec string, virtualPort, targetPort int, discardPK bool) (serviceID, privateKey string, err error)
	// DelOnion removes an ephemeral hidden service.
	DelOnion(serviceID string) error
	// HSDescUploaded streams the service ids of successful descriptor
	// uploads.
	HSDescUploaded() <-chan string
	Close() error
}

var ErrControlClosed = errors.New("control connection is closed")

const controlReplyTimeout = 10 * time.Second

// ControlClient is the production control-channel implementation. A single
// reader goroutine owns the wire; replies and async events are split onto
// separate channels so a request never races the event stream.
type ControlClient struct {
	reqMu   sync.Mutex
	conn    *textproto.Conn
	replies chan string
	events  chan string
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// DialControl connects and authenticates against the control port.
// cookiePath may be empty for null authentication.
func DialControl(ctx context.Context, addr, cookiePath string) (*ControlClient, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &ControlClient{
		conn:    textproto.NewConn(raw),
		replies: make(chan string, 32),
		events:  make(chan string, 8),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	if err := c.authenticate(cookiePath); err != nil {
		_ = c.Close()
		return nil, err
	}
	if _, err := c.request("SETEVENTS HS_DESC"); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *ControlClient) authenticate(cookiePath string) error {
	cmd := "AUTHENTICATE"
	if cookiePath != "" {
		cookie, err := os.ReadFile(cookiePath)
		if err != nil {
			return fmt.Errorf("read control cookie: %w", err)
		}
		cmd = fmt.Sprintf("AUTHENTICATE %X", cookie)
	}
	_, err := c.request(cmd)
	return err
}

func (c *ControlClient) BootstrapPhase() (int, string, string, error) {
	lines, err := c.request("GETINFO status/bootstrap-phase")
	if err != nil {
		return 0, "", "", err
	}
	for _, line := range lines {
		if idx := strings.Index(line, "BOOTSTRAP"); idx >= 0 {
			return parseBootstrapLine(line[idx:])
		}
	}
	return 0, "", "", fmt.Errorf("bootstrap phase missing from reply")
}

func (c *ControlClient) AddOnion(keySpec string, virtualPort, targetPort int, discardPK bool) (string, string, error) {
	cmd := "ADD_ONION " + keySpec
	if discardPK {
		cmd += " Flags=DiscardPK"
	}
	cmd += fmt.Sprintf(" Port=%d,127.0.0.1:%d", virtualPort, targetPort)
	lines, err := c.request(cmd)
	if err != nil {
		return "", "", err
	}
	var serviceID, privateKey string
	for _, line := range lines {
		if v, ok := strings.CutPrefix(line, "ServiceID="); ok {
			serviceID = v
		}
		if v, ok := strings.CutPrefix(line, "PrivateKey="); ok {
			privateKey = v
		}
	}
	if serviceID == "" {
		return "", "", fmt.Errorf("ADD_ONION reply missing ServiceID")
	}
	return serviceID, privateKey, nil
}

func (c *ControlClient) DelOnion(serviceID string) error {
	_, err := c.request("DEL_ONION " + serviceID)
	return err
}

func (c *ControlClient) HSDescUploaded() <-chan string {
	return c.events
}

func (c *ControlClient) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.conn.Close()
}

// request sends one command and collects its 250 reply lines.
func (c *ControlClient) request(cmd string) ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.conn.PrintfLine("%s", cmd); err != nil {
		return nil, err
	}
	var out []string
	timeout := time.NewTimer(controlReplyTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-c.done:
			return nil, ErrControlClosed
		case <-timeout.C:
			return nil, fmt.Errorf("control reply timeout for %q", firstWord(cmd))
		case line := <-c.replies:
			switch {
			case strings.HasPrefix(line, "250 "), line == "250", line == "250 OK":
				return out, nil
			case strings.HasPrefix(line, "250-"), strings.HasPrefix(line, "250+"):
				out = append(out, line[4:])
			case line == ".":
				// end of a dot-terminated data section
			default:
				return nil, fmt.Errorf("control error: %s", line)
			}
		}
	}
}

// readLoop owns the wire: async 650 events go to the event channel,
// everything else is a reply line.
func (c *ControlClient) readLoop() {
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			return
		}
		if strings.HasPrefix(line, "650") {
			c.dispatchEvent(line)
			continue
		}
		select {
		case c.replies <- line:
		case <-c.done:
			return
		}
	}
}

// dispatchEvent forwards the service id of a successful descriptor upload.
// "650 HS_DESC UPLOADED <service-id> ..." is the accepted shape; UPLOAD and
// FAILED lines are ignored.
func (c *ControlClient) dispatchEvent(line string) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[1] != "HS_DESC" || fields[2] != "UPLOADED" {
		return
	}
	select {
	case c.events <- fields[3]:
	default:
	}
}

// parseBootstrapLine extracts PROGRESS, TAG and SUMMARY from a bootstrap
// status line.
func parseBootstrapLine(line string) (int, string, string, error) {
	progress := 0
	tag := ""
	summary := ""
	for _, field := range strings.Fields(line) {
		if v, ok := strings.CutPrefix(field, "PROGRESS="); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, "", "", fmt.Errorf("bad PROGRESS value %q", v)
			}
			progress = n
		}
		if v, ok := strings.CutPrefix(field, "TAG="); ok {
			tag = v
		}
	}
	if idx := strings.Index(line, `SUMMARY="`); idx >= 0 {
		rest := line[idx+len(`SUMMARY="`):]
		if end := strings.Index(rest, `"`); end >= 0 {
			summary = rest[:end]
		}
	}
	return progress, tag, summary, nil
}

func firstWord(s string) string {
	if idx := strings.IndexByte(s, ' '); idx > 0 {
		return s[:idx]
	}
	return s
}
