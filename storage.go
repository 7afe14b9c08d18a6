package strand

import (
	"context"
	"io"
	"time"
)

// UploadPayload describes one blob upload.
type UploadPayload struct {
	ID        string
	Filename  string
	MediaType string
	Reader    io.Reader
	Size      int64
}

// StorageService stages binary message content outside the state cache, so
// persisted run states stay text-only. Implementations mint signed download
// URLs that can be re-issued when a state is loaded.
type StorageService interface {
	// Upload stores a blob under folder/payload.ID.
	Upload(ctx context.Context, folder string, payload UploadPayload) error
	// DownloadURL mints a signed URL for a previously uploaded blob.
	DownloadURL(ctx context.Context, folder, fileID, filename string, expiresIn time.Duration) (string, error)
}
