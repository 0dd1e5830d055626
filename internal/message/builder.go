// Package message assembles the MIME representation of an outbound email.
//
// Every message is multipart/alternative with a text/plain rendering derived
// from the HTML body and the HTML body itself.
package message

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// lineLength is the RFC 2045 limit for encoded body lines.
	lineLength = 76

	// maxEncodedWord is the RFC 2047 limit for one encoded word.
	maxEncodedWord    = 75
	encodedWordPrefix = "=?UTF-8?B?"
	encodedWordSuffix = "?="
)

var (
	ErrMissingFrom = errors.New("message sender is required")
	ErrMissingTo   = errors.New("message recipient is required")
)

// Builder owns boundary generation and part assembly for one message.
type Builder struct {
	From      mail.Address
	To        string
	Subject   string
	HTML      string
	Date      time.Time
	MessageID string
	Boundary  string
}

// New returns a Builder with a fresh boundary, Message-ID and date.
func New(from mail.Address, to, subject, html string) *Builder {
	return &Builder{
		From:      from,
		To:        to,
		Subject:   subject,
		HTML:      html,
		Date:      time.Now(),
		MessageID: newMessageID(from.Address),
		Boundary:  newBoundary(),
	}
}

// Build renders the message with CRLF line endings, ready for the DATA stage.
func (b *Builder) Build() ([]byte, error) {
	if b.From.Address == "" {
		return nil, ErrMissingFrom
	}
	if b.To == "" {
		return nil, ErrMissingTo
	}
	if b.Boundary == "" {
		b.Boundary = newBoundary()
	}
	if b.MessageID == "" {
		b.MessageID = newMessageID(b.From.Address)
	}
	if b.Date.IsZero() {
		b.Date = time.Now()
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", b.From.String())
	writeHeader(&buf, "To", b.To)
	writeHeader(&buf, "Subject", EncodeSubject(b.Subject))
	writeHeader(&buf, "Date", b.Date.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", b.MessageID)
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", b.Boundary))
	buf.WriteString("\r\n")

	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(b.Boundary); err != nil {
		return nil, fmt.Errorf("invalid boundary: %w", err)
	}

	textPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=UTF-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, fmt.Errorf("create text part failed: %w", err)
	}
	qp := quotedprintable.NewWriter(textPart)
	if _, err := qp.Write([]byte(strings.ReplaceAll(PlainText(b.HTML), "\n", "\r\n"))); err != nil {
		return nil, fmt.Errorf("write text part failed: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("close text part failed: %w", err)
	}

	htmlPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=UTF-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, fmt.Errorf("create html part failed: %w", err)
	}
	if _, err := htmlPart.Write(wrapBase64([]byte(b.HTML))); err != nil {
		return nil, fmt.Errorf("write html part failed: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer failed: %w", err)
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// EncodeSubject encodes s as one or more RFC 2047 B-encoded words. Words are
// split on rune boundaries and folded onto continuation lines.
func EncodeSubject(s string) string {
	// Each 3 input bytes take 4 output bytes; keep whole runes per word.
	maxRaw := (maxEncodedWord - len(encodedWordPrefix) - len(encodedWordSuffix)) / 4 * 3

	var words []string
	for len(s) > 0 || len(words) == 0 {
		n := 0
		for n < len(s) {
			_, size := utf8.DecodeRuneInString(s[n:])
			if n+size > maxRaw {
				break
			}
			n += size
		}
		if n == 0 && len(s) > 0 {
			n = 1
		}
		words = append(words, encodedWordPrefix+base64.StdEncoding.EncodeToString([]byte(s[:n]))+encodedWordSuffix)
		s = s[n:]
	}
	return strings.Join(words, "\r\n ")
}

// wrapBase64 encodes data and breaks it into CRLF terminated lines.
func wrapBase64(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	for len(encoded) > lineLength {
		out.WriteString(encoded[:lineLength])
		out.WriteString("\r\n")
		encoded = encoded[lineLength:]
	}
	out.WriteString(encoded)
	out.WriteString("\r\n")
	return out.Bytes()
}

func newBoundary() string {
	return "mailpipe_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newMessageID(sender string) string {
	domain := "localhost"
	if at := strings.LastIndex(sender, "@"); at >= 0 && at < len(sender)-1 {
		domain = sender[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
