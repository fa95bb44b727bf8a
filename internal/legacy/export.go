// Package legacy reads the warranty system's XML export and turns its rows
// into normalized LegacyRecords.
//
// The export looks like:
//
//	<export>
//	  <table name="Customers">
//	    <row>
//	      <field name="CustomerID">5</field>
//	      <field name="Email">a@x.com</field>
//	    </row>
//	  </table>
//	</export>
//
// "column" is accepted in place of "field", and row attributes are read as fields.
package legacy

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Veraticus/legacy-reconcile/internal/common"
)

// Source re-opens the export for every pass so extraction can be restarted.
type Source interface {
	Open() (io.ReadCloser, error)
	Name() string
}

// FileSource reads the export from disk.
type FileSource struct {
	Path string
}

// Open opens the export file.
func (s FileSource) Open() (io.ReadCloser, error) {
	return os.Open(s.Path)
}

// Name returns the file path.
func (s FileSource) Name() string {
	return s.Path
}

// BytesSource serves an in-memory export. Used by tests and fixtures.
type BytesSource struct {
	Label string
	Data  []byte
}

// Open returns a reader over the data.
func (s BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

// Name returns the label, or "memory".
func (s BytesSource) Name() string {
	if s.Label == "" {
		return "memory"
	}
	return s.Label
}

// charsetReader accepts the single-byte charsets the legacy system declared.
// The stream has already been repaired to UTF-8, so the input passes through.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "iso-8859-1", "iso8859-1", "latin1", "latin-1", "windows-1252", "cp1252", "us-ascii", "ascii":
		return input, nil
	}
	return nil, fmt.Errorf("%w: unsupported charset %q", common.ErrExportUnreadable, label)
}
