package email

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"
)

// badTransferEncoding matches "Content-Transfer-Encoding: utf-8" header lines, which
// some mailers emit and strict MIME parsers reject
var badTransferEncoding = regexp.MustCompile(`(?im)^(content-transfer-encoding:[ \t]*)utf-?8([ \t]*\r?)$`)

// RepairTransferEncoding rewrites non-standard utf-8 transfer encodings to 8bit
func RepairTransferEncoding(raw []byte) []byte {
	return badTransferEncoding.ReplaceAll(raw, []byte("${1}8bit${2}"))
}

// Extracted holds the bodies pulled out of one message
type Extracted struct {
	Text []byte
	HTML []byte
	Raw  []byte
}

// Stager stages raw messages on disk and extracts their text and html bodies
type Stager struct {
	dir    string
	logger *logrus.Entry
}

// NewStager creates a stager writing temporary files under dir
func NewStager(dir string, logger *logrus.Logger) *Stager {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Stager{
		dir:    dir,
		logger: logger.WithField("component", "stager"),
	}
}

// staged is one set of temporary files for a single message
type staged struct {
	raw  string
	text *os.File
	html *os.File
}

// Extract stages raw, parses its MIME tree and returns the collected bodies.
// Temporary files are removed before it returns.
func (s *Stager) Extract(raw []byte) (*Extracted, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	st, err := s.stage(raw)
	if st != nil {
		defer s.cleanup(st)
	}
	if err != nil {
		return nil, err
	}

	f, err := os.Open(st.raw)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged message: %w", err)
	}
	defer f.Close()

	root, err := enmime.ReadParts(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err := walkParts(root, st.text, st.html); err != nil {
		return nil, err
	}

	out := &Extracted{}
	if out.Raw, err = os.ReadFile(st.raw); err != nil {
		return nil, fmt.Errorf("failed to read staged message: %w", err)
	}
	if out.Text, err = readBack(st.text); err != nil {
		return nil, err
	}
	if out.HTML, err = readBack(st.html); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Stager) stage(raw []byte) (*staged, error) {
	id := uuid.NewString()
	st := &staged{raw: filepath.Join(s.dir, "mailsync-"+id+".eml")}

	if err := os.WriteFile(st.raw, RepairTransferEncoding(raw), 0o600); err != nil {
		return st, fmt.Errorf("failed to stage message: %w", err)
	}

	var err error
	if st.text, err = os.Create(filepath.Join(s.dir, "mailsync-"+id+".txt")); err != nil {
		return st, fmt.Errorf("failed to create text staging file: %w", err)
	}
	if st.html, err = os.Create(filepath.Join(s.dir, "mailsync-"+id+".html")); err != nil {
		return st, fmt.Errorf("failed to create html staging file: %w", err)
	}
	return st, nil
}

func (s *Stager) cleanup(st *staged) {
	paths := []string{st.raw}
	for _, f := range []*os.File{st.text, st.html} {
		if f == nil {
			continue
		}
		f.Close() //nolint:errcheck
		paths = append(paths, f.Name())
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("path", p).Warn("Failed to remove staging file")
		}
	}
}

// walkParts appends text/plain and text/html parts depth-first, skipping attachments
func walkParts(p *enmime.Part, text, html io.Writer) error {
	if p == nil {
		return nil
	}
	if strings.EqualFold(p.Disposition, "attachment") {
		return nil
	}

	mediaType := strings.ToLower(p.ContentType)
	switch {
	case mediaType == "text/plain" || (mediaType == "" && p.Parent == nil && p.FirstChild == nil):
		if _, err := text.Write(p.Content); err != nil {
			return fmt.Errorf("failed to stage text part: %w", err)
		}
	case mediaType == "text/html":
		if _, err := html.Write(p.Content); err != nil {
			return fmt.Errorf("failed to stage html part: %w", err)
		}
	case strings.HasPrefix(mediaType, "multipart/"):
		for child := p.FirstChild; child != nil; child = child.NextSibling {
			if err := walkParts(child, text, html); err != nil {
				return err
			}
		}
	}
	return nil
}

func readBack(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind staging file: %w", err)
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging file: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	return b, nil
}
