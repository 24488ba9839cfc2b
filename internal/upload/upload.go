// Package upload validates and stores files sent through the adapters.
// Uploads are opaque handles: the client only ever sees the id and the
// original name, never a server path. Every write is confined to the
// canonical uploads root.
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kolapsis/remotewiz/internal/audit"
	"github.com/kolapsis/remotewiz/internal/store"
)

const (
	// MaxSize is the hard upload cap.
	MaxSize = 10 << 20

	// TTL after which an unconsumed upload is deleted.
	TTL = 24 * time.Hour

	textProbeLen    = 4096
	maxControlChars = 8
)

// ErrRejected wraps every validation refusal.
var ErrRejected = errors.New("upload rejected")

// mimeExt maps each whitelisted MIME type to its stored extension.
var mimeExt = map[string]string{
	"image/png":        "png",
	"image/jpeg":       "jpg",
	"image/gif":        "gif",
	"image/webp":       "webp",
	"text/plain":       "txt",
	"text/markdown":    "md",
	"application/json": "json",
	"text/csv":         "csv",
}

// Service stores validated uploads under a confined root directory.
type Service struct {
	root      string
	canonRoot string
	store     *store.Store
	audit     *audit.Log
}

// New prepares the uploads root and resolves its canonical path.
func New(root string, s *store.Store, log *audit.Log) (*Service, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating uploads root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolving uploads root: %w", err)
	}
	return &Service{root: root, canonRoot: canon, store: s, audit: log}, nil
}

// Ref is what the client gets back: the handle and the original name.
type Ref struct {
	ID           string
	OriginalName string
}

// Save validates content against the declared MIME type and persists it
// under <root>/<project>/<scope>/<uuid>.<ext>.
func (s *Service) Save(project, scope, originalName, declaredMIME string, data []byte) (*Ref, error) {
	if err := s.validate(declaredMIME, data); err != nil {
		s.audit.Record(audit.Entry{
			Project: project,
			Action:  audit.ActionUploadRejected,
			Detail: map[string]any{
				"name":   originalName,
				"mime":   declaredMIME,
				"reason": err.Error(),
			},
		})
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(s.root, project, scope)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(dir, id+"."+mimeExt[declaredMIME])

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing upload: %w", err)
	}

	// The written file must canonicalize strictly beneath the canonical
	// root; anything else is rolled back.
	canon, err := filepath.EvalSymlinks(path)
	if err != nil || !strings.HasPrefix(canon, s.canonRoot+string(os.PathSeparator)) {
		_ = os.Remove(path)
		s.audit.Record(audit.Entry{
			Project: project,
			Action:  audit.ActionUploadRejected,
			Detail:  map[string]any{"name": originalName, "reason": "path escapes uploads root"},
		})
		return nil, fmt.Errorf("%w: path escapes uploads root", ErrRejected)
	}

	now := time.Now()
	rec := &store.UploadRecord{
		ID:           id,
		Project:      project,
		OriginalName: originalName,
		ServerPath:   path,
		CreatedAt:    now,
		ExpiresAt:    now.Add(TTL),
	}
	if err := s.store.CreateUpload(rec); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("recording upload: %w", err)
	}

	s.audit.Record(audit.Entry{
		Project: project,
		Action:  audit.ActionUploadCreated,
		Detail:  map[string]any{"upload_id": id, "name": originalName, "mime": declaredMIME, "size": len(data)},
	})
	return &Ref{ID: id, OriginalName: originalName}, nil
}

// Resolve returns the stored record for a handle.
func (s *Service) Resolve(id string) (*store.UploadRecord, error) {
	return s.store.GetUpload(id)
}

// MarkConsumed flags an upload as used by a task. Returns false when it was
// already consumed.
func (s *Service) MarkConsumed(id string) (bool, error) {
	return s.store.MarkUploadConsumed(id)
}

// CleanupScope removes the on-disk directory for one project scope.
func (s *Service) CleanupScope(project, scope string) {
	dir := filepath.Join(s.root, project, scope)
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("upload scope cleanup failed", "project", project, "scope", scope, "error", err)
	}
}

// PruneExpired deletes uploads past their TTL, files first.
func (s *Service) PruneExpired() {
	expired, err := s.store.ExpiredUploads(time.Now())
	if err != nil {
		slog.Warn("upload expiry scan failed", "error", err)
		return
	}
	for _, rec := range expired {
		if err := os.Remove(rec.ServerPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("expired upload file not removed", "upload_id", rec.ID, "error", err)
			continue
		}
		if err := s.store.DeleteUpload(rec.ID); err != nil {
			slog.Warn("expired upload row not removed", "upload_id", rec.ID, "error", err)
		}
	}
	if len(expired) > 0 {
		slog.Debug("expired uploads pruned", "count", len(expired))
	}
}

func (s *Service) validate(declaredMIME string, data []byte) error {
	if len(data) > MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrRejected, len(data), MaxSize)
	}
	if _, ok := mimeExt[declaredMIME]; !ok {
		return fmt.Errorf("%w: type %q is not allowed", ErrRejected, declaredMIME)
	}

	if strings.HasPrefix(declaredMIME, "image/") {
		if sniffed := sniffImage(data); sniffed != declaredMIME {
			return fmt.Errorf("%w: content signature %q does not match declared type %q", ErrRejected, sniffed, declaredMIME)
		}
		return nil
	}
	if !looksLikeText(data) {
		return fmt.Errorf("%w: content is not text", ErrRejected)
	}
	return nil
}

// sniffImage identifies the image format from its magic bytes.
func sniffImage(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return ""
	}
}

// looksLikeText probes the first 4 KiB: no NUL bytes and only a handful of
// control characters outside tab/newline/carriage-return.
func looksLikeText(data []byte) bool {
	probe := data
	if len(probe) > textProbeLen {
		probe = probe[:textProbeLen]
	}
	control := 0
	for _, b := range probe {
		if b == 0 {
			return false
		}
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			control++
			if control >= maxControlChars {
				return false
			}
		}
	}
	return true
}
