package models

import (
	"errors"
	"testing"
	"time"
)

func TestServerProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		profile ServerProfile
		wantErr error
	}{
		{
			name:    "plaintext without credentials",
			profile: ServerProfile{Host: "smtp.example.com", Port: 25, SenderAddress: "noreply@example.com"},
		},
		{
			name:    "starttls with credentials",
			profile: ServerProfile{Host: "smtp.example.com", Port: 587, Encryption: EncryptionStartTLS, Username: "u", Password: "p", SenderAddress: "noreply@example.com"},
		},
		{
			name:    "missing host",
			profile: ServerProfile{Port: 25, SenderAddress: "noreply@example.com"},
			wantErr: ErrEmptyHost,
		},
		{
			name:    "port out of range",
			profile: ServerProfile{Host: "h", Port: 70000, SenderAddress: "noreply@example.com"},
			wantErr: ErrInvalidPort,
		},
		{
			name:    "unknown encryption",
			profile: ServerProfile{Host: "h", Port: 25, Encryption: "ssl3", SenderAddress: "noreply@example.com"},
			wantErr: ErrInvalidEncryption,
		},
		{
			name:    "missing sender",
			profile: ServerProfile{Host: "h", Port: 25},
			wantErr: ErrEmptySender,
		},
		{
			name:    "username without password",
			profile: ServerProfile{Host: "h", Port: 25, Username: "u", SenderAddress: "noreply@example.com"},
			wantErr: ErrIncompleteCredential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestServerProfileValidateDefaultsEncryption(t *testing.T) {
	p := ServerProfile{Host: "h", Port: 25, SenderAddress: "a@example.com"}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Encryption != EncryptionNone {
		t.Errorf("expected encryption %q, got %q", EncryptionNone, p.Encryption)
	}
	if p.Addr() != "h:25" {
		t.Errorf("expected addr h:25, got %q", p.Addr())
	}
}

func TestSendRequestValidate(t *testing.T) {
	req := SendRequest{TemplateKey: "welcome_registration", RecipientEmail: "Anna Nowak <anna@example.com>"}
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.RecipientEmail != "anna@example.com" {
		t.Errorf("expected canonical address, got %q", req.RecipientEmail)
	}

	bad := SendRequest{TemplateKey: "welcome_registration", RecipientEmail: "not-an-address"}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient, got %v", err)
	}

	noKey := SendRequest{RecipientEmail: "anna@example.com"}
	if err := noKey.Validate(); !errors.Is(err, ErrEmptyTemplateKey) {
		t.Errorf("expected ErrEmptyTemplateKey, got %v", err)
	}
}

func TestLogEntryExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (&LogEntry{}).Expired(now) {
		t.Error("entry without deadline should never expire")
	}
	if !(&LogEntry{ExpiresAt: &past}).Expired(now) {
		t.Error("entry with past deadline should be expired")
	}
	if (&LogEntry{ExpiresAt: &future}).Expired(now) {
		t.Error("entry with future deadline should not be expired")
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected error response: %+v", r)
	}
	if r := Queued("x"); r.Status != string(APIStatusQueued) || r.Result != "x" {
		t.Errorf("unexpected queued response: %+v", r)
	}
}
