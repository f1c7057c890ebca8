package threads

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// fileBlob is an immutable uploaded file. Bytes are never mutated after
// insertion; lookup by file id is global across the hub.
type fileBlob struct {
	fileID     string
	filename   string
	mime       string
	size       int64
	bytes      []byte
	uploaderID string
	uploadTS   int64
}

// putFile stores a blob and returns its id. The write is atomic under the
// store lock, so a partially decoded upload is never observable.
func (s *store) putFile(data []byte, filename, mime, uploader string, ts int64) string {
	blob := &fileBlob{
		fileID:     uuid.NewString(),
		filename:   filename,
		mime:       mime,
		size:       int64(len(data)),
		bytes:      data,
		uploaderID: uploader,
		uploadTS:   ts,
	}

	s.mu.Lock()
	s.files[blob.fileID] = blob
	s.mu.Unlock()

	return blob.fileID
}

func (s *store) getFile(fileID string) (*fileBlob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.files[fileID]
	return blob, ok
}

// handleUploadFile decodes the base64 payload, enforces the per-blob size
// cap, and returns the new file id.
func (m *Mod) handleUploadFile(sender string, content map[string]any) {
	filename, _ := stringParam(content, "filename")
	mime, _ := stringParam(content, "mime")
	encoded, _ := stringParam(content, "data")
	if filename == "" || encoded == "" {
		m.fail(sender, "upload_file", ErrBadRequest)
		return
	}

	// Cheap pre-check on the encoded length before decoding: base64 inflates
	// by 4/3, so an encoded payload this long cannot fit the cap. Up to two
	// trailing bytes may be padding, so allow for them; the exact check after
	// decoding is authoritative.
	if m.cfg.MaxFileSize > 0 && int64(len(encoded))/4*3-2 > m.cfg.MaxFileSize {
		m.fail(sender, "upload_file", ErrFileTooLarge)
		return
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		m.fail(sender, "upload_file", ErrBadRequest)
		return
	}
	if m.cfg.MaxFileSize > 0 && int64(len(data)) > m.cfg.MaxFileSize {
		m.fail(sender, "upload_file", ErrFileTooLarge)
		return
	}

	fileID := m.store.putFile(data, filename, mime, sender, nowMillis(m.clk))
	m.log.Info("file uploaded", "fileID", fileID, "filename", filename, "size", len(data), "uploader", sender)

	m.respond(sender, "upload_file", map[string]any{
		"file_id":  fileID,
		"filename": filename,
		"size":     len(data),
	})
}

// handleDownloadFile returns the blob bytes base64-encoded, or not_found.
func (m *Mod) handleDownloadFile(sender string, content map[string]any) {
	fileID, _ := stringParam(content, "file_id")
	if fileID == "" {
		m.fail(sender, "download_file", ErrBadRequest)
		return
	}

	blob, ok := m.store.getFile(fileID)
	if !ok {
		m.fail(sender, "download_file", ErrNotFound)
		return
	}

	m.respond(sender, "download_file", map[string]any{
		"file_id":     blob.fileID,
		"filename":    blob.filename,
		"mime":        blob.mime,
		"size":        blob.size,
		"data":        base64.StdEncoding.EncodeToString(blob.bytes),
		"uploader_id": blob.uploaderID,
		"upload_ts":   blob.uploadTS,
	})
}
