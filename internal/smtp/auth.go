package smtp

import (
	"encoding/base64"
	"log/slog"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// redacted stands in for credentials in every log line.
const redacted = "[redacted]"

// authLogin runs the AUTH LOGIN exchange: the username and the password are
// each sent base64 encoded after a 334 challenge. Only a final 235 succeeds.
func authLogin(w *wire, profile models.ServerProfile) error {
	slog.Debug("Client.authLogin: starting AUTH LOGIN", "host", profile.Host, "username", redacted)

	reply, err := w.cmd("AUTH LOGIN")
	if err != nil {
		return newIOError(KindAuthFailed, "AUTH LOGIN", err)
	}
	if reply.Code != 334 {
		return newReplyError(KindAuthFailed, "AUTH LOGIN", reply)
	}

	reply, err = w.cmd(base64.StdEncoding.EncodeToString([]byte(profile.Username)))
	if err != nil {
		return newIOError(KindAuthFailed, "AUTH username", err)
	}
	if reply.Code != 334 {
		return newReplyError(KindAuthFailed, "AUTH username", reply)
	}

	reply, err = w.cmd(base64.StdEncoding.EncodeToString([]byte(profile.Password)))
	if err != nil {
		return newIOError(KindAuthFailed, "AUTH password", err)
	}
	if reply.Code != 235 {
		slog.Warn("Client.authLogin: authentication rejected", "host", profile.Host, "code", reply.Code, "password", redacted)
		return newReplyError(KindAuthFailed, "AUTH password", reply)
	}

	slog.Debug("Client.authLogin: authenticated", "host", profile.Host)
	return nil
}
