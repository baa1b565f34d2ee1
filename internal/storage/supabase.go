// Package storage archives finished conversations.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/conversation"
)

// Uploader stores one object under key in a bucket.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
}

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// SupabaseUploader writes objects through the Supabase Storage API.
type SupabaseUploader struct {
	client *supabase.Client
	bucket string
}

func NewSupabaseUploader(cfg SupabaseConfig) (*SupabaseUploader, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("missing Supabase bucket")
	}
	client, err := supabase.NewClient(strings.TrimRight(cfg.URL, "/"), cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create Supabase client: %w", err)
	}
	return &SupabaseUploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload ignores ctx cancellation once the request has started; the storage
// client has no context-aware call.
func (s *SupabaseUploader) Upload(ctx context.Context, key, _ string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}

// Archiver serializes a conversation record to JSON and uploads it as
// <session-id>.json.
type Archiver struct {
	up     Uploader
	logger *zap.Logger
}

func NewArchiver(up Uploader, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{up: up, logger: logger.With(zap.String("component", "archive"))}
}

func (a *Archiver) Archive(ctx context.Context, rec conversation.Record) error {
	if rec.SessionID == "" {
		return errors.New("archive: record has no session id")
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode record: %w", err)
	}
	key := ObjectKey(rec.SessionID)
	if err := a.up.Upload(ctx, key, "application/json", body); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	a.logger.Info("transcript archived", zap.String("key", key), zap.Int("turns", len(rec.Turns)), zap.Int("bytes", len(body)))
	return nil
}

func ObjectKey(sessionID string) string { return sessionID + ".json" }
