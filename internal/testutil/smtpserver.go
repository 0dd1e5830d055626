package testutil

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// SMTPServerConfig scripts the replies of a fake SMTP server. Zero codes use
// the normal success reply for that step.
type SMTPServerConfig struct {
	// ImplicitTLS makes the listener speak TLS from the first byte.
	ImplicitTLS bool
	// StartTLS advertises STARTTLS and upgrades the session on request.
	StartTLS bool
	// SilentGreeting accepts connections but never sends the banner.
	SilentGreeting bool

	GreetingCode int // default 220
	StartTLSCode int // default 220
	AuthUserCode int // reply to the username line, default 334
	AuthPassCode int // reply to the password line, default 235
	MailCode     int // default 250
	RcptCode     int // default 250
	DataCode     int // default 354
	FinalCode    int // reply after the terminating dot, default 250
}

// SMTPSession records what one client connection did.
type SMTPSession struct {
	Commands []string
	TLS      bool
	Username string
	Password string
	MailFrom string
	RcptTo   []string
	Data     string
	Quit     bool
}

// SMTPServer is a scripted SMTP server listening on 127.0.0.1.
type SMTPServer struct {
	Addr      string
	Host      string
	Port      int
	ClientTLS *tls.Config

	cfg       SMTPServerConfig
	serverTLS *tls.Config
	ln        net.Listener
	wg        sync.WaitGroup

	mu       sync.Mutex
	sessions []*SMTPSession
}

// NewSMTPServer starts a fake server and stops it when the test ends.
func NewSMTPServer(t testing.TB, cfg SMTPServerConfig) *SMTPServer {
	t.Helper()
	serverTLS, clientTLS := TestCertificate(t)

	var ln net.Listener
	var err error
	if cfg.ImplicitTLS {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	s := &SMTPServer{
		Addr:      ln.Addr().String(),
		Host:      host,
		Port:      port,
		ClientTLS: clientTLS,
		cfg:       cfg,
		serverTLS: serverTLS,
		ln:        ln,
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Close stops accepting and waits for open sessions to finish.
func (s *SMTPServer) Close() {
	s.ln.Close()
	s.wg.Wait()
}

// Sessions returns a snapshot of the recorded sessions.
func (s *SMTPServer) Sessions() []SMTPSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SMTPSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		cp.Commands = append([]string(nil), sess.Commands...)
		cp.RcptTo = append([]string(nil), sess.RcptTo...)
		out = append(out, cp)
	}
	return out
}

func (s *SMTPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func orDefault(code, def int) int {
	if code == 0 {
		return def
	}
	return code
}

func (s *SMTPServer) handle(conn net.Conn) {
	sess := &SMTPSession{TLS: s.cfg.ImplicitTLS}
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	record := func(f func()) {
		s.mu.Lock()
		defer s.mu.Unlock()
		f()
	}

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(code int, lines ...string) {
		if len(lines) == 0 {
			lines = []string{"ok"}
		}
		for i, line := range lines {
			sep := "-"
			if i == len(lines)-1 {
				sep = " "
			}
			fmt.Fprintf(w, "%d%s%s\r\n", code, sep, line)
		}
		w.Flush()
	}
	readLine := func() (string, bool) {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", false
		}
		return strings.TrimRight(line, "\r\n"), true
	}

	if s.cfg.SilentGreeting {
		// wait for the client to give up
		readLine()
		return
	}
	greeting := orDefault(s.cfg.GreetingCode, 220)
	reply(greeting, "fake.smtp.test ESMTP")
	if greeting != 220 {
		return
	}

	for {
		line, ok := readLine()
		if !ok {
			return
		}
		verb := strings.ToUpper(line)
		record(func() { sess.Commands = append(sess.Commands, commandName(verb)) })

		switch {
		case strings.HasPrefix(verb, "EHLO"), strings.HasPrefix(verb, "HELO"):
			lines := []string{"fake.smtp.test"}
			if s.cfg.StartTLS && !sess.TLS {
				lines = append(lines, "STARTTLS")
			}
			lines = append(lines, "AUTH LOGIN", "8BITMIME")
			reply(250, lines...)
		case verb == "STARTTLS":
			code := orDefault(s.cfg.StartTLSCode, 220)
			if !s.cfg.StartTLS {
				code = 502
			}
			reply(code, "go ahead")
			if code != 220 {
				continue
			}
			tlsConn := tls.Server(conn, s.serverTLS)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			r = bufio.NewReader(conn)
			w = bufio.NewWriter(conn)
			record(func() { sess.TLS = true })
		case verb == "AUTH LOGIN":
			reply(334, "VXNlcm5hbWU6")
			user, ok := readLine()
			if !ok {
				return
			}
			decoded, _ := base64.StdEncoding.DecodeString(user)
			record(func() { sess.Username = string(decoded) })
			userCode := orDefault(s.cfg.AuthUserCode, 334)
			reply(userCode, "UGFzc3dvcmQ6")
			if userCode != 334 {
				continue
			}
			pass, ok := readLine()
			if !ok {
				return
			}
			decoded, _ = base64.StdEncoding.DecodeString(pass)
			record(func() { sess.Password = string(decoded) })
			passCode := orDefault(s.cfg.AuthPassCode, 235)
			if passCode == 235 {
				reply(passCode, "2.7.0 Authentication successful")
			} else {
				reply(passCode, "5.7.8 Authentication credentials invalid")
			}
		case strings.HasPrefix(verb, "MAIL FROM:"):
			record(func() { sess.MailFrom = line[len("MAIL FROM:"):] })
			reply(orDefault(s.cfg.MailCode, 250))
		case strings.HasPrefix(verb, "RCPT TO:"):
			record(func() { sess.RcptTo = append(sess.RcptTo, line[len("RCPT TO:"):]) })
			code := orDefault(s.cfg.RcptCode, 250)
			if code == 250 {
				reply(code)
			} else {
				reply(code, "5.1.1 mailbox unavailable")
			}
		case verb == "DATA":
			code := orDefault(s.cfg.DataCode, 354)
			reply(code, "end data with <CR><LF>.<CR><LF>")
			if code != 354 {
				continue
			}
			var data strings.Builder
			for {
				dl, ok := readLine()
				if !ok {
					return
				}
				if dl == "." {
					break
				}
				data.WriteString(strings.TrimPrefix(dl, "."))
				data.WriteString("\r\n")
			}
			record(func() { sess.Data = data.String() })
			reply(orDefault(s.cfg.FinalCode, 250), "queued")
		case verb == "QUIT":
			record(func() { sess.Quit = true })
			reply(221, "bye")
			return
		case verb == "RSET", verb == "NOOP":
			reply(250)
		default:
			reply(502, "command not implemented")
		}
	}
}

// commandName keeps the verb of a command and hides arguments, so recorded
// sessions never contain credentials.
func commandName(verb string) string {
	switch {
	case strings.HasPrefix(verb, "MAIL FROM:"):
		return "MAIL FROM"
	case strings.HasPrefix(verb, "RCPT TO:"):
		return "RCPT TO"
	case strings.HasPrefix(verb, "EHLO"):
		return "EHLO"
	case strings.HasPrefix(verb, "HELO"):
		return "HELO"
	default:
		return verb
	}
}
