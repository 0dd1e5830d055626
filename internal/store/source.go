package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// QuerySource discovers recipients with an eligibility query against the
// application database. The query must return the columns
// (dedupe_key, recipient_email, recipient_user_id, variables_json).
// A NULL or empty variables_json yields no variables.
type QuerySource struct {
	DB          *sql.DB
	Name        string
	TemplateKey string
	Query       string
}

// NewQuerySource creates a source bound to a template.
func NewQuerySource(db *sql.DB, name, templateKey, query string) *QuerySource {
	return &QuerySource{DB: db, Name: name, TemplateKey: templateKey, Query: query}
}

// SourceName identifies the source in logs and errors.
func (q *QuerySource) SourceName() string {
	return q.Name
}

// Discover runs the query and converts each row into a send request.
func (q *QuerySource) Discover(ctx context.Context) ([]models.SendRequest, error) {
	rows, err := q.DB.QueryContext(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("source %s: query failed: %w", q.Name, err)
	}
	defer rows.Close()

	var out []models.SendRequest
	for rows.Next() {
		var dedupeKey, email string
		var userID, varsJSON sql.NullString
		if err := rows.Scan(&dedupeKey, &email, &userID, &varsJSON); err != nil {
			return nil, fmt.Errorf("source %s: scan failed: %w", q.Name, err)
		}
		req := models.SendRequest{
			TemplateKey:     q.TemplateKey,
			RecipientEmail:  email,
			RecipientUserID: userID.String,
			DedupeKey:       dedupeKey,
		}
		if varsJSON.Valid && varsJSON.String != "" {
			if err := json.Unmarshal([]byte(varsJSON.String), &req.Variables); err != nil {
				slog.Warn("QuerySource.Discover: ignoring malformed variables", "source", q.Name, "dedupeKey", dedupeKey, "error", err)
				req.Variables = nil
			}
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source %s: iteration failed: %w", q.Name, err)
	}
	slog.Debug("QuerySource.Discover", "source", q.Name, "count", len(out))
	return out, nil
}
