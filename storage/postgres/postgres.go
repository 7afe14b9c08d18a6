// Package postgres implements the blob storage service on PostgreSQL. Blobs
// live in a bytea table; download URLs are HMAC-signed with an expiry and
// served back through the Handler, so persisted run states only ever carry
// URLs and storage ids, never raw bytes.
package postgres

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/strand"
)

// Storage implements strand.StorageService backed by a pgx connection pool.
type Storage struct {
	pool *pgxpool.Pool
	// baseURL prefixes minted download URLs, e.g. "https://host/files".
	baseURL string
	// secret signs download URLs.
	secret []byte
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// New creates a Storage. baseURL is the external prefix under which the
// Handler is mounted; secret signs the minted URLs.
func New(pool *pgxpool.Pool, baseURL string, secret []byte, opts ...Option) *Storage {
	s := &Storage{
		pool:    pool,
		baseURL: baseURL,
		secret:  secret,
		logger:  slog.New(slog.DiscardHandler),
		clock:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the blobs table.
func (s *Storage) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS blobs (
		folder TEXT NOT NULL,
		id TEXT NOT NULL,
		filename TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		data BYTEA NOT NULL,
		size BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (folder, id)
	)`)
	if err != nil {
		return fmt.Errorf("create blobs table: %w", err)
	}
	return nil
}

// Upload stores one blob. Re-uploading the same folder/id overwrites.
func (s *Storage) Upload(ctx context.Context, folder string, p strand.UploadPayload) error {
	data, err := io.ReadAll(p.Reader)
	if err != nil {
		return strand.WrapError(strand.CodeInternal, "read upload payload", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO blobs (folder, id, filename, media_type, data, size)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (folder, id) DO UPDATE SET
			filename = EXCLUDED.filename, media_type = EXCLUDED.media_type,
			data = EXCLUDED.data, size = EXCLUDED.size`,
		folder, p.ID, p.Filename, p.MediaType, data, int64(len(data)))
	if err != nil {
		return strand.WrapError(strand.CodeInternal, "store blob", err)
	}
	s.logger.Debug("blob stored", "folder", folder, "id", p.ID, "size", len(data))
	return nil
}

// DownloadURL mints a signed URL for a stored blob, valid for ttl.
func (s *Storage) DownloadURL(ctx context.Context, folder, id, filename string, ttl time.Duration) (string, error) {
	expires := s.clock().Add(ttl).Unix()
	sig := s.sign(folder, id, expires)
	u := fmt.Sprintf("%s/%s/%s?expires=%d&sig=%s&filename=%s",
		s.baseURL, url.PathEscape(folder), url.PathEscape(id),
		expires, sig, url.QueryEscape(filename))
	return u, nil
}

// sign computes the hex HMAC-SHA256 over folder, id, and expiry.
func (s *Storage) sign(folder, id string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", folder, id, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Handler serves signed download URLs. Mount it under the path matching the
// configured base URL. Expected shape: <base>/{folder...}/{id}?expires=&sig=.
func (s *Storage) Handler() http.Handler {
	return http.HandlerFunc(s.serveBlob)
}

func (s *Storage) serveBlob(w http.ResponseWriter, r *http.Request) {
	folder, id, ok := splitBlobPath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil || s.clock().Unix() > expires {
		http.Error(w, "link expired", http.StatusForbidden)
		return
	}
	sig := r.URL.Query().Get("sig")
	if !hmac.Equal([]byte(sig), []byte(s.sign(folder, id, expires))) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var filename, mediaType string
	var data []byte
	err = s.pool.QueryRow(r.Context(),
		`SELECT filename, media_type, data FROM blobs WHERE folder = $1 AND id = $2`,
		folder, id).Scan(&filename, &mediaType, &data)
	if err == pgx.ErrNoRows {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("blob load failed", "folder", folder, "id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if mediaType != "" {
		w.Header().Set("Content-Type", mediaType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	}
	w.Write(data)
}

// splitBlobPath extracts folder and id from the trailing path segments. The
// id is the last segment; everything between the mount point and the id is
// the folder.
func splitBlobPath(path string) (folder, id string, ok bool) {
	trimmed := path
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	last := -1
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] == '/' {
			last = i
			break
		}
	}
	if last <= 0 || last == len(trimmed)-1 {
		return "", "", false
	}
	folder, err := url.PathUnescape(trimmed[:last])
	if err != nil {
		return "", "", false
	}
	id, err = url.PathUnescape(trimmed[last+1:])
	if err != nil {
		return "", "", false
	}
	return folder, id, true
}

// compile-time check
var _ strand.StorageService = (*Storage)(nil)
