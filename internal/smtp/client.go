// Package smtp implements the SMTP submission client used for every outbound
// email.
//
// One call to Client.Send owns exactly one connection: it dials, runs the
// EHLO/STARTTLS/AUTH/MAIL/RCPT/DATA/QUIT exchange and closes the connection on
// every path. The client never retries; retry policy belongs to the caller.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"os"
	"time"

	"github.com/BTreeMap/MailPipe/internal/message"
	"github.com/BTreeMap/MailPipe/internal/models"
)

// Default client configuration constants
const (
	// DefaultConnectTimeout bounds dialing, the implicit TLS handshake and
	// the server greeting.
	DefaultConnectTimeout = 20 * time.Second
	// DefaultCommandTimeout bounds every read and write after connecting.
	DefaultCommandTimeout = 30 * time.Second
	// DefaultLocalName is the identity sent with EHLO.
	DefaultLocalName = "localhost"
)

// Dialer opens the TCP connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Opts holds client configuration.
type Opts struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	LocalName      string
	Dialer         Dialer
	TLSConfig      *tls.Config
}

// Option configures a Client.
type Option func(*Opts)

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ConnectTimeout = d }
}

// WithCommandTimeout overrides DefaultCommandTimeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Opts) { o.CommandTimeout = d }
}

// WithLocalName sets the EHLO identity.
func WithLocalName(name string) Option {
	return func(o *Opts) { o.LocalName = name }
}

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option {
	return func(o *Opts) { o.Dialer = d }
}

// WithTLSConfig sets the base TLS configuration. ServerName is filled from the
// profile host when empty.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *Opts) { o.TLSConfig = cfg }
}

// Client sends single messages over SMTP. It holds no per-send state and is
// safe for concurrent use; each Send opens its own connection.
type Client struct {
	opts Opts
}

// NewClient creates a Client with defaults applied.
func NewClient(opts ...Option) *Client {
	cfg := Opts{
		ConnectTimeout: DefaultConnectTimeout,
		CommandTimeout: DefaultCommandTimeout,
		LocalName:      DefaultLocalName,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = DefaultLocalName
	}
	return &Client{opts: cfg}
}

// Send delivers one HTML message to one recipient through profile.
func (c *Client) Send(ctx context.Context, profile models.ServerProfile, to, subject, htmlBody string) error {
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	payload, err := message.New(mail.Address{Name: profile.SenderName, Address: profile.SenderAddress}, to, subject, htmlBody).Build()
	if err != nil {
		return fmt.Errorf("build message failed: %w", err)
	}

	start := time.Now()
	slog.Debug("Client.Send: connecting", "addr", profile.Addr(), "encryption", profile.Encryption, "to", to)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	conn, err := c.opts.Dialer.DialContext(dialCtx, "tcp", profile.Addr())
	cancel()
	if err != nil {
		slog.Warn("Client.Send: connect failed", "addr", profile.Addr(), "error", err)
		return newIOError(KindConnectTimeout, "connect", err)
	}

	w := newWire(ctx, conn, c.opts.CommandTimeout)
	defer func() {
		// w.conn is the TLS connection after an upgrade; closing it closes
		// the socket underneath exactly once.
		if cerr := w.conn.Close(); cerr != nil {
			slog.Debug("Client.Send: close returned error", "addr", profile.Addr(), "error", cerr)
		}
	}()

	if err := c.session(ctx, w, profile, to, payload); err != nil {
		slog.Warn("Client.Send: send failed", "addr", profile.Addr(), "to", to, "kind", KindOf(err), "error", err, "elapsed", time.Since(start))
		return err
	}
	slog.Info("Client.Send: message accepted", "addr", profile.Addr(), "to", to, "elapsed", time.Since(start))
	return nil
}

// session runs the protocol state machine on an open connection.
func (c *Client) session(ctx context.Context, w *wire, profile models.ServerProfile, to string, payload []byte) error {
	if profile.Encryption == models.EncryptionTLS {
		secure, err := c.upgradeToTLS(ctx, w.conn, profile.Host, c.opts.ConnectTimeout)
		if err != nil {
			return newIOError(KindTLSUpgradeFailed, "TLS handshake", err)
		}
		w.replace(secure)
	}

	// The connect timeout covers the banner: a server that accepts the
	// socket but never greets has not completed the connection.
	greeting, err := w.readReplyWithin(c.opts.ConnectTimeout)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return newIOError(KindConnectTimeout, "greeting", err)
		}
		return newIOError(KindProtocolViolation, "greeting", err)
	}
	if greeting.Code != 220 {
		return newReplyError(KindProtocolViolation, "greeting", greeting)
	}

	if err := c.ehlo(w); err != nil {
		return err
	}

	if profile.Encryption == models.EncryptionStartTLS {
		reply, err := w.cmd("STARTTLS")
		if err != nil {
			return newIOError(KindTLSUpgradeFailed, "STARTTLS", err)
		}
		if reply.Code != 220 {
			return newReplyError(KindTLSUpgradeFailed, "STARTTLS", reply)
		}
		secure, err := c.upgradeToTLS(ctx, w.conn, profile.Host, c.opts.CommandTimeout)
		if err != nil {
			return newIOError(KindTLSUpgradeFailed, "STARTTLS handshake", err)
		}
		w.replace(secure)
		if err := c.ehlo(w); err != nil {
			return err
		}
	}

	if profile.HasCredentials() {
		if err := authLogin(w, profile); err != nil {
			return err
		}
	}

	if err := expect(w, "MAIL FROM:<"+profile.SenderAddress+">", "MAIL FROM", KindProtocolViolation, 250); err != nil {
		return err
	}
	if err := expect(w, "RCPT TO:<"+to+">", "RCPT TO", KindRecipientRejected, 250, 251, 252); err != nil {
		return err
	}
	if err := expect(w, "DATA", "DATA", KindProtocolViolation, 354); err != nil {
		return err
	}

	if err := w.writeData(payload); err != nil {
		return newIOError(KindTransmissionFailed, "message body", err)
	}
	final, err := w.readReply()
	if err != nil {
		return newIOError(KindTransmissionFailed, "end of data", err)
	}
	if final.Code != 250 {
		return newReplyError(KindTransmissionFailed, "end of data", final)
	}

	// The message is accepted at this point; QUIT problems are not failures.
	if reply, err := w.cmd("QUIT"); err != nil {
		slog.Debug("Client.session: QUIT failed", "error", err)
	} else if reply.Code != 221 {
		slog.Debug("Client.session: unexpected QUIT reply", "code", reply.Code)
	}
	return nil
}

func (c *Client) ehlo(w *wire) error {
	reply, err := w.cmd("EHLO " + c.opts.LocalName)
	if err != nil {
		return newIOError(KindProtocolViolation, "EHLO", err)
	}
	if reply.Code != 250 {
		return newReplyError(KindProtocolViolation, "EHLO", reply)
	}
	slog.Debug("Client.ehlo: extensions", "lines", reply.Lines)
	return nil
}

// expect sends line and fails with kind unless the reply code is one of codes.
func expect(w *wire, line, step string, kind Kind, codes ...int) error {
	reply, err := w.cmd(line)
	if err != nil {
		return newIOError(kind, step, err)
	}
	for _, code := range codes {
		if reply.Code == code {
			return nil
		}
	}
	return newReplyError(kind, step, reply)
}

// upgradeToTLS wraps an open connection in TLS and completes the handshake.
// The returned connection has the same read/write contract as conn.
func (c *Client) upgradeToTLS(ctx context.Context, conn net.Conn, host string, timeout time.Duration) (net.Conn, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.opts.TLSConfig != nil {
		cfg = c.opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	// A deadline bounds the handshake instead of HandshakeContext, which
	// closes conn itself on cancellation.
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	slog.Debug("Client.upgradeToTLS: handshake complete", "host", host, "version", tls.VersionName(tlsConn.ConnectionState().Version))
	return tlsConn, nil
}
