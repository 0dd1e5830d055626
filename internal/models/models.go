// Package models defines the core data structures for MailPipe.
//
// It includes SMTP server profiles, email templates, inbound send requests,
// delivery log entries and job run ledger rows, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// EncryptionMode selects how the SMTP connection is secured.
type EncryptionMode string

const (
	// EncryptionNone keeps the whole session in plaintext.
	EncryptionNone EncryptionMode = "none"
	// EncryptionStartTLS upgrades a plaintext session with the STARTTLS command.
	EncryptionStartTLS EncryptionMode = "starttls"
	// EncryptionTLS wraps the TCP connection in TLS before the greeting.
	EncryptionTLS EncryptionMode = "tls"
)

// Validation constants for input validation
const (
	// MaxTemplateKeyLength bounds the length of a template key.
	MaxTemplateKeyLength = 128
	// MaxDedupeKeyLength bounds the length of a caller supplied dedupe key.
	MaxDedupeKeyLength = 256
)

// Error variables for better error handling and testability
var (
	ErrEmptyHost            = errors.New("smtp host cannot be empty")
	ErrInvalidPort          = errors.New("smtp port must be between 1 and 65535")
	ErrInvalidEncryption    = errors.New("invalid encryption mode")
	ErrEmptySender          = errors.New("sender address cannot be empty")
	ErrIncompleteCredential = errors.New("username is set but password is empty")
	ErrEmptyTemplateKey     = errors.New("template key cannot be empty")
	ErrTemplateKeyTooLong   = errors.New("template key exceeds maximum length")
	ErrEmptyRecipient       = errors.New("recipient email cannot be empty")
	ErrInvalidRecipient     = errors.New("recipient email is not a valid address")
	ErrDedupeKeyTooLong     = errors.New("dedupe key exceeds maximum length")
)

// IsValidEncryption checks if the given encryption mode is supported.
func IsValidEncryption(mode EncryptionMode) bool {
	switch mode {
	case EncryptionNone, EncryptionStartTLS, EncryptionTLS:
		return true
	default:
		return false
	}
}

// ServerProfile is one SMTP server configuration. Exactly one profile is active
// for outbound sends at any time.
type ServerProfile struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Host          string         `json:"host" yaml:"host"`
	Port          int            `json:"port" yaml:"port"`
	Encryption    EncryptionMode `json:"encryption" yaml:"encryption"`
	Username      string         `json:"username,omitempty" yaml:"username"`
	Password      string         `json:"-" yaml:"password"`
	SenderAddress string         `json:"sender_address" yaml:"sender_address"`
	SenderName    string         `json:"sender_name,omitempty" yaml:"sender_name"`
	Active        bool           `json:"active" yaml:"active"`
}

// Addr returns the host:port dial address of the profile.
func (p ServerProfile) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// HasCredentials reports whether the profile authenticates with AUTH LOGIN.
func (p ServerProfile) HasCredentials() bool {
	return p.Username != ""
}

// Validate checks that the profile is usable for a send.
func (p *ServerProfile) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return ErrEmptyHost
	}
	if p.Port < 1 || p.Port > 65535 {
		return ErrInvalidPort
	}
	if p.Encryption == "" {
		p.Encryption = EncryptionNone
	}
	if !IsValidEncryption(p.Encryption) {
		return fmt.Errorf("%w: %q", ErrInvalidEncryption, p.Encryption)
	}
	if strings.TrimSpace(p.SenderAddress) == "" {
		return ErrEmptySender
	}
	if p.Username != "" && p.Password == "" {
		return ErrIncompleteCredential
	}
	return nil
}

// Template is a named email template. Subject, Body and Footer may contain
// {{name}} placeholders.
type Template struct {
	Key          string    `json:"key" yaml:"key"`
	Subject      string    `json:"subject" yaml:"subject"`
	Body         string    `json:"body" yaml:"body"`
	Footer       string    `json:"footer,omitempty" yaml:"footer"`
	Placeholders []string  `json:"placeholders,omitempty" yaml:"placeholders"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the template key.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Key) == "" {
		return ErrEmptyTemplateKey
	}
	if len(t.Key) > MaxTemplateKeyLength {
		return ErrTemplateKeyTooLong
	}
	return nil
}

// SendRequest is the inbound call contract used by calling features. Callers
// never supply SMTP credentials.
type SendRequest struct {
	TemplateKey     string            `json:"templateKey"`
	RecipientEmail  string            `json:"recipientEmail"`
	RecipientUserID string            `json:"recipientUserId,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	DedupeKey       string            `json:"dedupeKey,omitempty"`
	ExpiresAt       *time.Time        `json:"expiresAt,omitempty"`
}

// Validate checks the request and canonicalizes the recipient address.
func (r *SendRequest) Validate() error {
	if strings.TrimSpace(r.TemplateKey) == "" {
		return ErrEmptyTemplateKey
	}
	if len(r.TemplateKey) > MaxTemplateKeyLength {
		return ErrTemplateKeyTooLong
	}
	if strings.TrimSpace(r.RecipientEmail) == "" {
		return ErrEmptyRecipient
	}
	addr, err := mail.ParseAddress(r.RecipientEmail)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	r.RecipientEmail = addr.Address
	if len(r.DedupeKey) > MaxDedupeKeyLength {
		return ErrDedupeKeyTooLong
	}
	return nil
}
