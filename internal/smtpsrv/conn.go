// Package smtpsrv implements the inbound SMTP side of the bridge: per-
// connection protocol state, command parsing, DATA-mode framing, and
// dispatch to the message assembler, sender policy, and ACS client.
package smtpsrv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ArrEssJay/smtp-acs-bridge/internal/acs"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/envelope"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/message"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/policy"
	"github.com/ArrEssJay/smtp-acs-bridge/internal/trace"
)

// maxCommandLineLen is the SMTP command-line cap (1024 bytes, matching the
// protocol's minimum required line length plus slack for extensions).
const maxCommandLineLen = 1024

// errLineTooLong signals a recoverable protocol violation: the client sent
// a command line over the cap. The session replies 500 and continues
// rather than closing, unlike a genuine I/O error.
var errLineTooLong = errors.New("line too long")

// sessionState is the SMTP session's current protocol state. Representing
// it as its own type (rather than inferring it from which envelope fields
// happen to be set) makes illegal combinations - e.g. recipients present
// while still in Greet - unrepresentable.
type sessionState int

const (
	stateGreet sessionState = iota
	stateIdle
	stateMail
	stateRcpt
	stateData
	stateDone
)

func (s sessionState) String() string {
	switch s {
	case stateGreet:
		return "Greet"
	case stateIdle:
		return "Idle"
	case stateMail:
		return "Mail"
	case stateRcpt:
		return "Rcpt"
	case stateData:
		return "Data"
	case stateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Conn represents one inbound SMTP connection.
type Conn struct {
	hostname string

	maxDataSize    int64
	commandTimeout time.Duration
	dataTimeout    time.Duration
	acsTimeout     time.Duration

	defaultSender        string
	allowedSenderDomains map[string]bool

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	tr *trace.Trace

	sender acs.Sender

	// shutdown is closed by the supervisor to signal a graceful shutdown
	// is in progress; sessions observing it mid-command finish the
	// current command, reply 421, and close.
	shutdown <-chan struct{}

	state      sessionState
	ehloDomain string
	mailFrom   string
	rcptTo     []string
	data       []byte
}

// NewConn builds a Conn wrapping an accepted socket.
func NewConn(c net.Conn, hostname string, maxDataSize int64, commandTimeout, dataTimeout, acsTimeout time.Duration,
	defaultSender string, allowedSenderDomains map[string]bool, sender acs.Sender, shutdown <-chan struct{}) *Conn {
	return &Conn{
		hostname:             hostname,
		maxDataSize:          maxDataSize,
		commandTimeout:       commandTimeout,
		dataTimeout:          dataTimeout,
		acsTimeout:           acsTimeout,
		defaultSender:        defaultSender,
		allowedSenderDomains: allowedSenderDomains,
		conn:                 c,
		sender:               sender,
		shutdown:             shutdown,
		state:                stateGreet,
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() {
	c.conn.Close()
}

// Handle runs the connection's protocol loop until the client disconnects,
// issues QUIT, or the supervisor signals shutdown.
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()

	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	c.conn.SetDeadline(time.Now().Add(c.commandTimeout))
	c.printfLine("220 %s ESMTP ready", c.hostname)
	c.tr.Debugf("connected")

	for {
		select {
		case <-c.shutdown:
			c.writeResponse(421, "4.3.2 Service shutting down")
			c.tr.Printf("closing for shutdown")
			return
		default:
		}

		c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

		cmd, params, err := c.readCommand()
		if err == errLineTooLong {
			c.tr.Debugf("command line too long")
			if err := c.writeResponse(500, "5.2.3 Line too long"); err != nil {
				c.tr.Errorf("write error: %v", err)
				return
			}
			continue
		}
		if err != nil {
			c.tr.Debugf("read error: %v", err)
			return
		}

		if cmd == "AUTH" {
			c.tr.Debugf("-> AUTH <redacted>")
		} else {
			c.tr.Debugf("-> %s %s", cmd, params)
		}

		code, msg := c.dispatch(cmd, params)
		if code == 0 {
			// QUIT has already written its own final reply and the
			// caller should stop.
			return
		}

		c.tr.Debugf("<- %d %s", code, msg)
		if err := c.writeResponse(code, msg); err != nil {
			c.tr.Errorf("write error: %v", err)
			return
		}
	}
}

func (c *Conn) dispatch(cmd, params string) (code int, msg string) {
	switch cmd {
	case "HELO":
		return c.HELO(params)
	case "EHLO":
		return c.EHLO(params)
	case "MAIL":
		return c.MAIL(params)
	case "RCPT":
		return c.RCPT(params)
	case "DATA":
		return c.DATA(params)
	case "RSET":
		return c.RSET(params)
	case "NOOP":
		return 250, "2.0.0 OK"
	case "AUTH":
		return c.AUTH(params)
	case "HELP", "VRFY", "EXPN":
		return 502, "5.5.1 Command not implemented"
	case "QUIT":
		c.writeResponse(221, "2.0.0 Bye")
		c.state = stateDone
		return 0, ""
	default:
		return 500, "5.5.1 Command not recognized"
	}
}

// HELO handler: valid from any state, resets the envelope and moves to Idle.
func (c *Conn) HELO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 Syntax error in parameters"
	}
	c.ehloDomain = strings.Fields(params)[0]
	c.resetEnvelope()
	c.state = stateIdle
	return 250, fmt.Sprintf("%s greets %s", c.hostname, c.ehloDomain)
}

// EHLO handler: valid from any state, resets the envelope and moves to Idle.
func (c *Conn) EHLO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 Syntax error in parameters"
	}
	c.ehloDomain = strings.Fields(params)[0]
	c.resetEnvelope()
	c.state = stateIdle

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", c.hostname)
	fmt.Fprintf(&b, "SIZE %d\n", c.maxDataSize)
	fmt.Fprintf(&b, "8BITMIME\n")
	fmt.Fprintf(&b, "AUTH PLAIN LOGIN")
	return 250, b.String()
}

// MAIL handles "MAIL FROM:<addr>".
func (c *Conn) MAIL(params string) (int, string) {
	if c.state != stateIdle {
		return 503, "5.5.1 Bad sequence of commands"
	}
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 501, "5.5.4 Syntax error in parameters"
	}

	addr, err := parseAddr(strings.TrimSpace(params[len("from:"):]))
	if err != nil {
		return 501, "5.1.7 Sender address malformed"
	}

	c.mailFrom = addr
	c.state = stateMail
	return 250, "2.1.0 OK"
}

// RCPT handles "RCPT TO:<addr>".
func (c *Conn) RCPT(params string) (int, string) {
	if c.state != stateMail && c.state != stateRcpt {
		return 503, "5.5.1 Bad sequence of commands"
	}
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 501, "5.5.4 Syntax error in parameters"
	}

	addr, err := parseAddr(strings.TrimSpace(params[len("to:"):]))
	if err != nil || addr == "<>" {
		return 501, "5.1.3 Malformed destination address"
	}

	c.rcptTo = append(c.rcptTo, addr)
	c.state = stateRcpt
	return 250, "2.1.5 OK"
}

// RSET handles RSET: valid from any non-Data state.
func (c *Conn) RSET(params string) (int, string) {
	if c.state == stateData {
		return 503, "5.5.1 Bad sequence of commands"
	}
	c.resetEnvelope()
	c.state = stateIdle
	return 250, "2.0.0 OK"
}

// AUTH is accepted in any mechanism but never actually validated: this
// relay is a trust boundary convenience for legacy senders, not an
// authentication gateway.
func (c *Conn) AUTH(params string) (int, string) {
	if c.state != stateIdle {
		return 503, "5.5.1 Bad sequence of commands"
	}
	mech := strings.Fields(params)
	if len(mech) == 0 {
		return 501, "5.5.4 Syntax error in parameters"
	}
	c.tr.Printf("AUTH %s accepted without validation", mech[0])
	return 235, "2.7.0 Authentication successful"
}

// DATA reads the message body, hands it to the message assembler and ACS
// client, and maps the result to an SMTP reply.
func (c *Conn) DATA(params string) (int, string) {
	if c.state != stateRcpt {
		return 503, "5.5.1 Bad sequence of commands"
	}

	if err := c.writeResponse(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return 554, fmt.Sprintf("5.4.0 error writing DATA response: %v", err)
	}
	c.state = stateData

	c.conn.SetDeadline(time.Now().Add(c.dataTimeout))
	raw, err := readUntilDot(c.reader, c.maxDataSize)
	if err == errMessageTooLarge {
		c.resetEnvelope()
		c.state = stateIdle
		return 552, "5.3.4 Message size exceeds fixed limit"
	}
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 error reading DATA: %v", err)
	}

	c.data = crlfize(raw)
	c.tr.WithField("bytes", len(c.data)).Debugf("received message body")

	parsed, err := message.Parse(c.data)
	if err != nil {
		c.tr.Errorf("message parse failed: %v", err)
		parsed = &message.Parsed{}
	}
	if parsed.PlainText == "" && parsed.HTML == "" {
		c.tr.Printf("no readable body part, forwarding empty plain-text body")
	}

	sender, decision := policy.Sender(c.mailFrom, c.defaultSender, c.allowedSenderDomains)
	c.tr.WithField("sender_decision", decision).Debugf("chose sender %s", sender)

	env := acs.BuildEnvelope(sender, parsed, c.rcptTo)

	ctx, cancel := context.WithTimeout(context.Background(), c.acsTimeout)
	defer cancel()

	sendTr := c.tr.NewChild("ACS.Send", "emails:send")
	sendTr.WithField("recipient_count", len(env.Recipients.To)+len(env.Recipients.Cc)+len(env.Recipients.Bcc))
	outcome, err := c.sender.Send(ctx, env)
	if err != nil {
		sendTr.Errorf("send error: %v", err)
		c.resetEnvelope()
		c.state = stateIdle
		return 451, "4.7.1 Temporary failure, try again later"
	}
	sendTr.Finish()

	c.resetEnvelope()
	c.state = stateIdle

	reply := fmt.Sprintf("%s %s", outcome.EnhancedStatus, outcome.Message)
	if outcome.OperationID != "" {
		reply = fmt.Sprintf("%s %s", reply, outcome.OperationID)
	}
	return outcome.Code, reply
}

func (c *Conn) resetEnvelope() {
	c.mailFrom = ""
	c.rcptTo = nil
	c.data = nil
}

// parseAddr extracts an address from the angle-bracketed or bare form
// accepted after "FROM:"/"TO:", allowing the empty reverse-path "<>".
func parseAddr(s string) (string, error) {
	s = strings.TrimSpace(s)
	// Strip a trailing SMTP parameter list, e.g. "<a@b> BODY=8BITMIME".
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	if s == "<>" {
		return "<>", nil
	}
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	}
	if s == "" || !strings.Contains(s, "@") {
		return "", fmt.Errorf("malformed address %q", s)
	}
	if envelope.UserOf(s) == "" || envelope.DomainOf(s) == "" {
		return "", fmt.Errorf("malformed address %q", s)
	}
	return s, nil
}

// crlfize restores CRLF line endings onto the LF-only buffer readUntilDot
// returns, since that's our internal representation convenience but ACS
// and downstream consumers expect conventional line endings.
func crlfize(data []byte) []byte {
	var out []byte
	for _, b := range data {
		if b == '\n' {
			out = append(out, '\r', '\n')
		} else {
			out = append(out, b)
		}
	}
	return out
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	line, err := c.readLine()
	if err != nil {
		return "", "", err
	}

	sp := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}
	return cmd, params, nil
}

func (c *Conn) readLine() (string, error) {
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}

	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.6
	if len(l) > maxCommandLineLen || more {
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", errLineTooLong
	}

	return string(l), nil
}

func (c *Conn) writeResponse(code int, msg string) error {
	defer c.writer.Flush()
	return writeResponse(c.writer, code, msg)
}

func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

// writeResponse writes a (possibly multi-line) SMTP reply:
// "<code>-<text>" on all but the last line, "<code> <text>" on the last.
func writeResponse(w interface{ Write([]byte) (int, error) }, code int, msg string) error {
	lines := strings.Split(msg, "\n")
	for i := 0; i < len(lines)-1; i++ {
		if _, err := w.Write([]byte(strconv.Itoa(code) + "-" + lines[i] + "\r\n")); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte(strconv.Itoa(code) + " " + lines[len(lines)-1] + "\r\n"))
	return err
}
