package zip

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrSkip returned from an Entry's Open omits that entry from the archive.
var ErrSkip = errors.New("zip: skip entry")

// Entry is one file in an archive. Open is called only when the entry is
// written, so large sets never sit in memory together.
type Entry struct {
	Name     string
	Modified time.Time
	Open     func() (io.ReadCloser, error)
}

// Write streams entries into w and returns how many were stored.
func Write(w io.Writer, entries []Entry) (int, error) {
	zw := zip.NewWriter(w)
	written := 0
	for _, e := range entries {
		rc, err := e.Open()
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			_ = zw.Close()
			return written, fmt.Errorf("zip: open %s: %w", e.Name, err)
		}
		hdr := &zip.FileHeader{Name: e.Name, Method: zip.Store, Modified: e.Modified}
		// PNG data is already compressed.
		dst, err := zw.CreateHeader(hdr)
		if err == nil {
			_, err = io.Copy(dst, rc)
		}
		_ = rc.Close()
		if err != nil {
			_ = zw.Close()
			return written, fmt.Errorf("zip: write %s: %w", e.Name, err)
		}
		written++
	}
	return written, zw.Close()
}
