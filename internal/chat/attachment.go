package chat

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const MaxAttachmentBytes = 20 << 20

var ErrFileTooLarge = errors.New("file exceeds the 20 MiB attachment limit")

// CheckSize rejects a declared size before any bytes are read.
func CheckSize(size, limit int64) error {
	if limit <= 0 {
		limit = MaxAttachmentBytes
	}
	if size > limit {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size)
	}
	return nil
}

// NewFileRef base64-encodes data. An empty mimeType is sniffed.
func NewFileRef(name, mimeType string, data []byte) (FileRef, error) {
	if err := CheckSize(int64(len(data)), MaxAttachmentBytes); err != nil {
		return FileRef{}, err
	}
	return encodeFileRef(name, mimeType, data), nil
}

func encodeFileRef(name, mimeType string, data []byte) FileRef {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
		if idx := strings.IndexByte(mimeType, ';'); idx > 0 {
			mimeType = mimeType[:idx]
		}
	}
	return FileRef{
		Name:     name,
		MimeType: mimeType,
		Base64:   base64.StdEncoding.EncodeToString(data),
	}
}

// ReadFileRef reads at most limit bytes from r; anything longer is rejected.
func ReadFileRef(name, mimeType string, r io.Reader, limit int64) (FileRef, error) {
	if limit <= 0 {
		limit = MaxAttachmentBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return FileRef{}, fmt.Errorf("read attachment %q: %w", name, err)
	}
	if int64(len(data)) > limit {
		return FileRef{}, fmt.Errorf("%w: %s", ErrFileTooLarge, name)
	}
	return encodeFileRef(name, mimeType, data), nil
}

func (f FileRef) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}
