package smtp

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/testutil"
)

// countingDialer records dials and closes so tests can assert that every
// send opens and releases exactly one socket.
type countingDialer struct {
	dials  atomic.Int32
	closes atomic.Int32
	err    error
}

type countingConn struct {
	net.Conn
	d *countingDialer
}

func (c *countingConn) Close() error {
	c.d.closes.Add(1)
	return c.Conn.Close()
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: conn, d: d}, nil
}

func (d *countingDialer) assertHygiene(t *testing.T) {
	t.Helper()
	if n := d.dials.Load(); n != 1 {
		t.Errorf("expected exactly 1 dial, got %d", n)
	}
	if n := d.closes.Load(); n != 1 {
		t.Errorf("expected exactly 1 close, got %d", n)
	}
}

func profileFor(srv *testutil.SMTPServer, mode models.EncryptionMode) models.ServerProfile {
	return models.ServerProfile{
		Host:          srv.Host,
		Port:          srv.Port,
		Encryption:    mode,
		SenderAddress: "noreply@example.com",
		SenderName:    "Akademia",
	}
}

func newTestClient(srv *testutil.SMTPServer, d *countingDialer) *Client {
	return NewClient(
		WithDialer(d),
		WithTLSConfig(srv.ClientTLS),
		WithCommandTimeout(2*time.Second),
		WithConnectTimeout(2*time.Second),
		WithLocalName("mailpipe.test"),
	)
}

func TestSendPlaintextSuccess(t *testing.T) {
	srv := testutil.NewSMTPServer(t, testutil.SMTPServerConfig{})
	d := &countingDialer{}
	c := newTestClient(srv, d)

	err := c.Send(context.Background(), profileFor(srv, models.EncryptionNone), "anna@example.com", "Witaj Anna", "<p>.leading dot\n<b>Anna</b></p>")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	srv.Close()
	d.assertHygiene(t)

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	want := []string{"EHLO", "MAIL FROM", "RCPT TO", "DATA", "QUIT"}
	if strings.Join(s.Commands, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected command sequence %v", s.Commands)
	}
	if s.MailFrom != "<noreply@example.com>" {
		t.Errorf("unexpected MAIL FROM %q", s.MailFrom)
	}
	if len(s.RcptTo) != 1 || s.RcptTo[0] != "<anna@example.com>" {
		t.Errorf("unexpected RCPT TO %v", s.RcptTo)
	}
	if !strings.Contains(s.Data, "Subject: =?UTF-8?B?") || !strings.Contains(s.Data, "multipart/alternative") {
		t.Errorf("message headers missing from data:\n%s", s.Data)
	}
	if s.Username != "" {
		t.Error("AUTH must be skipped for profiles without credentials")
	}
}

func TestSendImplicitTLSWithAuth(t *testing.T) {
	srv := testutil.NewSMTPServer(t, testutil.SMTPServerConfig{ImplicitTLS: true})
	d := &countingDialer{}
	c := newTestClient(srv, d)

	p := profileFor(srv, models.EncryptionTLS)
	p.Username, p.Password = "mailer", "s3cret"
	if err := c.Send(context.Background(), p, "anna@example.com", "Hi", "<p>hi</p>"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	srv.Close()
	d.assertHygiene(t)

	s := srv.Sessions()[0]
	if !s.TLS {
		t.Error("expected TLS session")
	}
	if s.Username != "mailer" || s.Password != "s3cret" {
		t.Errorf("unexpected credentials received: %q/%q", s.Username, s.Password)
	}
}

func TestSendStartTLSUpgradesAndReissuesEHLO(t *testing.T) {
	srv := testutil.NewSMTPServer(t, testutil.SMTPServerConfig{StartTLS: true})
	d := &countingDialer{}
	c := newTestClient(srv, d)

	p := profileFor(srv, models.EncryptionStartTLS)
	p.Username, p.Password = "mailer", "s3cret"
	if err := c.Send(context.Background(), p, "anna@example.com", "Hi", "<p>hi</p>"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	srv.Close()
	d.assertHygiene(t)

	s := srv.Sessions()[0]
	want := []string{"EHLO", "STARTTLS", "EHLO", "AUTH LOGIN", "MAIL FROM", "RCPT TO", "DATA", "QUIT"}
	if strings.Join(s.Commands, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected command sequence %v", s.Commands)
	}
	if !s.TLS {
		t.Error("session was not upgraded to TLS")
	}
}

func TestSendStartTLSAuthFailure(t *testing.T) {
	srv := testutil.NewSMTPServer(t, testutil.SMTPServerConfig{StartTLS: true, AuthPassCode: 535})
	d := &countingDialer{}
	c := newTestClient(srv, d)

	p := profileFor(srv, models.EncryptionStartTLS)
	p.Username, p.Password = "mailer", "wrong"
	err := c.Send(context.Background(), p, "anna@example.com", "Hi", "<p>hi</p>")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	var se *SendError
	if !errors.As(err, &se) || se.Code != 535 {
		t.Errorf("expected reply code 535, got %+v", se)
	}
	if strings.Contains(err.Error(), "wrong") {
		t.Error("error message leaks the password")
	}
	srv.Close()
	d.assertHygiene(t)
}

func TestSendErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		cfg  testutil.SMTPServerConfig
		mode models.EncryptionMode
		want error
	}{
		{"greeting rejected", testutil.SMTPServerConfig{GreetingCode: 554}, models.EncryptionNone, ErrProtocolViolation},
		{"starttls refused", testutil.SMTPServerConfig{StartTLS: true, StartTLSCode: 454}, models.EncryptionStartTLS, ErrTLSUpgradeFailed},
		{"starttls not offered", testutil.SMTPServerConfig{}, models.EncryptionStartTLS, ErrTLSUpgradeFailed},
		{"implicit tls against plaintext server", testutil.SMTPServerConfig{}, models.EncryptionTLS, ErrTLSUpgradeFailed},
		{"auth username rejected", testutil.SMTPServerConfig{AuthUserCode: 501}, models.EncryptionNone, ErrAuthFailed},
		{"mail from rejected", testutil.SMTPServerConfig{MailCode: 550}, models.EncryptionNone, ErrProtocolViolation},
		{"recipient rejected", testutil.SMTPServerConfig{RcptCode: 550}, models.EncryptionNone, ErrRecipientRejected},
		{"data refused", testutil.SMTPServerConfig{DataCode: 451}, models.EncryptionNone, ErrProtocolViolation},
		{"terminator not acknowledged", testutil.SMTPServerConfig{FinalCode: 552}, models.EncryptionNone, ErrTransmissionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewSMTPServer(t, tt.cfg)
			d := &countingDialer{}
			c := newTestClient(srv, d)

			p := profileFor(srv, tt.mode)
			p.Username, p.Password = "mailer", "s3cret"
			err := c.Send(context.Background(), p, "anna@example.com", "Hi", "<p>hi</p>")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			srv.Close()
			d.assertHygiene(t)
		})
	}
}

func TestSendConnectFailure(t *testing.T) {
	d := &countingDialer{err: os.ErrDeadlineExceeded}
	c := NewClient(WithDialer(d))

	p := models.ServerProfile{Host: "smtp.example.com", Port: 25, SenderAddress: "noreply@example.com"}
	err := c.Send(context.Background(), p, "anna@example.com", "Hi", "<p>hi</p>")
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	if KindOf(err) != KindConnectTimeout {
		t.Errorf("unexpected kind %q", KindOf(err))
	}
	if d.closes.Load() != 0 {
		t.Error("no connection was opened, nothing should be closed")
	}
}

func TestSendGreetingTimeout(t *testing.T) {
	srv := testutil.NewSMTPServer(t, testutil.SMTPServerConfig{SilentGreeting: true})
	d := &countingDialer{}
	// The command timeout is long: only the connect timeout may end the wait.
	c := NewClient(WithDialer(d), WithConnectTimeout(200*time.Millisecond), WithCommandTimeout(time.Minute))

	start := time.Now()
	err := c.Send(context.Background(), profileFor(srv, models.EncryptionNone), "anna@example.com", "Hi", "<p>hi</p>")
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("expected a deadline error, got %v", err)
	}
	var se *SendError
	if !errors.As(err, &se) || se.Step != "greeting" {
		t.Errorf("expected failure at the greeting step, got %+v", se)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("greeting read was not bounded by the connect timeout, took %v", elapsed)
	}
	srv.Close()
	d.assertHygiene(t)
}

func TestSendInvalidProfileDoesNotDial(t *testing.T) {
	d := &countingDialer{}
	c := NewClient(WithDialer(d))

	err := c.Send(context.Background(), models.ServerProfile{Port: 25}, "anna@example.com", "Hi", "")
	if !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
	if d.dials.Load() != 0 {
		t.Error("invalid profile must not open a connection")
	}
}
