package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// maxLineLength bounds a single reply line (RFC 5321 allows 512, servers
// often send longer EHLO lines).
const maxLineLength = 4096

var (
	errLineTooLong    = errors.New("reply line too long")
	errMalformedReply = errors.New("malformed reply")
)

// Reply is one, possibly multi-line, server response.
type Reply struct {
	Code  int
	Lines []string
}

// Message joins the reply text lines.
func (r Reply) Message() string {
	return strings.Join(r.Lines, " ")
}

// Positive reports a 2xx or 3xx reply.
func (r Reply) Positive() bool {
	return r.Code >= 200 && r.Code < 400
}

// wire is the command/reply transport of one session. The underlying
// connection can be swapped for a TLS one without losing the session.
type wire struct {
	ctx     context.Context
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
}

func newWire(ctx context.Context, conn net.Conn, timeout time.Duration) *wire {
	return &wire{
		ctx:     ctx,
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		timeout: timeout,
	}
}

// replace rebinds the reader and writer to conn. Used after a TLS upgrade;
// anything buffered from the plaintext phase is discarded.
func (w *wire) replace(conn net.Conn) {
	w.conn = conn
	w.r = bufio.NewReader(conn)
	w.w = bufio.NewWriter(conn)
}

// arm sets the I/O deadline for the next exchange, bounded by the context.
func (w *wire) arm() {
	deadline := time.Now().Add(w.timeout)
	if d, ok := w.ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetDeadline(deadline)
}

func (w *wire) writeLine(line string) error {
	w.arm()
	if _, err := w.w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *wire) readLine() (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := w.r.ReadLine()
		if err != nil {
			return "", err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLineLength {
			return "", errLineTooLong
		}
		if !isPrefix {
			return string(buf), nil
		}
	}
}

// readReplyWithin reads one reply under timeout instead of the per-command
// timeout.
func (w *wire) readReplyWithin(timeout time.Duration) (Reply, error) {
	saved := w.timeout
	w.timeout = timeout
	defer func() { w.timeout = saved }()
	return w.readReply()
}

// readReply reads a complete reply: "250-..." lines continue, "250 ..." or
// a bare "250" ends it.
func (w *wire) readReply() (Reply, error) {
	w.arm()
	var reply Reply
	for {
		line, err := w.readLine()
		if err != nil {
			return reply, err
		}
		if len(line) < 3 {
			return reply, fmt.Errorf("%w: %q", errMalformedReply, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return reply, fmt.Errorf("%w: %q", errMalformedReply, line)
		}
		if reply.Code != 0 && code != reply.Code {
			return reply, fmt.Errorf("%w: code changed from %d to %d", errMalformedReply, reply.Code, code)
		}
		reply.Code = code

		if len(line) == 3 {
			return reply, nil
		}
		sep, text := line[3], line[4:]
		switch sep {
		case '-':
			reply.Lines = append(reply.Lines, text)
		case ' ':
			reply.Lines = append(reply.Lines, text)
			return reply, nil
		default:
			return reply, fmt.Errorf("%w: %q", errMalformedReply, line)
		}
	}
}

// cmd sends one command line and reads the reply.
func (w *wire) cmd(line string) (Reply, error) {
	if err := w.writeLine(line); err != nil {
		return Reply{}, err
	}
	return w.readReply()
}

// writeData sends a message body in DATA form: CRLF line endings, lines
// starting with a dot are doubled, and the bare "." line terminates it.
func (w *wire) writeData(msg []byte) error {
	w.arm()
	msg = bytes.ReplaceAll(msg, []byte("\r\n"), []byte("\n"))
	lines := bytes.Split(msg, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	for _, line := range lines {
		if len(line) > 0 && line[0] == '.' {
			if err := w.w.WriteByte('.'); err != nil {
				return err
			}
		}
		if _, err := w.w.Write(line); err != nil {
			return err
		}
		if _, err := w.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := w.w.WriteString(".\r\n"); err != nil {
		return err
	}
	return w.w.Flush()
}
