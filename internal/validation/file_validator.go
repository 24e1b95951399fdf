// Package validation screens document uploads before they enter the
// ingestion pipeline: size bounds, extension allow-list, magic-number
// checks, and content scanning.
package validation

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/rmkernel/rmk/internal/rmkerr"
)

// Limits bound accepted uploads.
const (
	DefaultMaxFileSize    = 10 * 1024 * 1024
	DefaultMinFileSize    = 100
	DefaultMaxFilenameLen = 255
)

// FileInfo describes an upload that passed validation.
type FileInfo struct {
	Size         int    `json:"size"`
	Extension    string `json:"extension"`
	SafeFilename string `json:"safe_filename"`
	MimeType     string `json:"mime_type"`
}

// Validator screens uploads. The zero value is not usable; call New.
type Validator struct {
	maxFileSize    int
	minFileSize    int
	maxFilenameLen int
	// extension -> accepted magic prefixes; empty slice accepts any.
	allowedExtensions  map[string][][]byte
	suspiciousPatterns [][]byte
	pathTraversal      *regexp.Regexp
	invalidChars       *regexp.Regexp
}

// New returns a validator with the default security settings.
func New() *Validator {
	return &Validator{
		maxFileSize:    DefaultMaxFileSize,
		minFileSize:    DefaultMinFileSize,
		maxFilenameLen: DefaultMaxFilenameLen,
		allowedExtensions: map[string][][]byte{
			".txt":  {},
			".md":   {},
			".csv":  {},
			".json": {[]byte("{"), []byte("[")},
			".pdf":  {[]byte("%PDF")},
			".html": {[]byte("<html"), []byte("<HTML"), []byte("<!DOCTYPE ")},
			".htm":  {[]byte("<html"), []byte("<HTML"), []byte("<!DOCTYPE ")},
			".xml":  {[]byte("<?xml"), []byte("<xml")},
		},
		suspiciousPatterns: [][]byte{
			[]byte("<script"),
			[]byte("javascript:"),
			[]byte("vbscript:"),
			[]byte("data:text/html"),
			[]byte("powershell"),
			[]byte("cmd.exe"),
			[]byte("/bin/sh"),
			[]byte("curl "),
			[]byte("wget "),
			// Office macro entry points.
			[]byte("autoopen"),
			[]byte("document_open"),
			[]byte("workbook_open"),
			// Executable headers.
			{'M', 'Z'},
			{0x7f, 'E', 'L', 'F'},
		},
		pathTraversal: regexp.MustCompile(`\.\.[\/\\]`),
		invalidChars:  regexp.MustCompile(`[<>:"|?*\x00-\x1f]`),
	}
}

// SetSizeLimits overrides the accepted size range.
func (v *Validator) SetSizeLimits(minSize, maxSize int) {
	v.minFileSize = minSize
	v.maxFileSize = maxSize
}

// AllowExtension adds an extension, optionally with magic prefixes.
func (v *Validator) AllowExtension(ext string, magic ...[]byte) {
	ext = strings.ToLower(ext)
	if ext == "" {
		return
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	v.allowedExtensions[ext] = magic
}

// ValidateBase64 decodes and validates a base64 upload body.
func (v *Validator) ValidateBase64(contentB64, filename string) ([]byte, *FileInfo, error) {
	if contentB64 == "" {
		return nil, nil, rmkerr.New(rmkerr.KindInvalidInput, "file content is empty")
	}
	// Bound the encoded length before decoding.
	if len(contentB64) > v.maxFileSize*4/3+4 {
		return nil, nil, rmkerr.Newf(rmkerr.KindInvalidInput, "file exceeds the %d byte limit", v.maxFileSize)
	}
	content, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return nil, nil, rmkerr.Wrap(rmkerr.KindInvalidInput, "invalid base64 content", err)
	}
	info, err := v.Validate(content, filename)
	if err != nil {
		return nil, nil, err
	}
	return content, info, nil
}

// Validate checks raw upload bytes against every rule. All failures are
// InvalidInput; the message names the failing rule.
func (v *Validator) Validate(content []byte, filename string) (*FileInfo, error) {
	safe, err := v.ValidateFilename(filename)
	if err != nil {
		return nil, err
	}

	if len(content) > v.maxFileSize {
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "file size %d exceeds the %d byte limit", len(content), v.maxFileSize)
	}
	if len(content) < v.minFileSize {
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "file size %d is below the %d byte minimum", len(content), v.minFileSize)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	magic, ok := v.allowedExtensions[ext]
	if !ok {
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "file extension %q is not allowed", ext)
	}
	if !matchesMagic(content, magic) {
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "file content does not match the %q extension", ext)
	}

	if pattern := v.findSuspicious(content); pattern != "" {
		return nil, rmkerr.Newf(rmkerr.KindInvalidInput, "file contains a disallowed pattern: %s", pattern)
	}

	return &FileInfo{
		Size:         len(content),
		Extension:    ext,
		SafeFilename: safe,
		MimeType:     MimeType(filename),
	}, nil
}

// ValidateFilename rejects unsafe filenames and returns the sanitized
// base name.
func (v *Validator) ValidateFilename(filename string) (string, error) {
	if filename == "" {
		return "", rmkerr.New(rmkerr.KindInvalidInput, "filename is required")
	}
	if strings.Contains(filename, "\x00") {
		return "", rmkerr.New(rmkerr.KindInvalidInput, "filename contains a null byte")
	}
	// SECURITY: reject traversal before any path handling.
	if v.pathTraversal.MatchString(filename) {
		return "", rmkerr.New(rmkerr.KindInvalidInput, "filename contains a path traversal sequence")
	}
	if v.invalidChars.MatchString(filename) {
		return "", rmkerr.New(rmkerr.KindInvalidInput, "filename contains invalid characters")
	}
	if len(filename) > v.maxFilenameLen {
		return "", rmkerr.Newf(rmkerr.KindInvalidInput, "filename exceeds %d characters", v.maxFilenameLen)
	}
	return SanitizeFilename(filename), nil
}

// findSuspicious returns the first disallowed pattern found, or "".
func (v *Validator) findSuspicious(content []byte) string {
	lower := bytes.ToLower(content)
	for _, pattern := range v.suspiciousPatterns {
		if bytes.Contains(lower, pattern) || bytes.Contains(content, pattern) {
			return fmt.Sprintf("%q", pattern)
		}
	}
	return ""
}

func matchesMagic(content []byte, magic [][]byte) bool {
	if len(magic) == 0 {
		return true
	}
	for _, prefix := range magic {
		if bytes.HasPrefix(content, prefix) {
			return true
		}
	}
	return false
}

// SanitizeFilename reduces a filename to its base name with only safe
// characters, preserving the extension.
func SanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := filepath.Ext(filename)
	name := strings.TrimSuffix(filename, ext)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '.' || r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "file"
	}
	return out + ext
}

// IsText reports whether content is mostly printable, which selects the
// plain-text extraction path for blobs with no useful extension.
func IsText(content []byte) bool {
	if len(content) == 0 {
		return true
	}
	printable := 0
	for _, c := range content {
		if (c >= 32 && c <= 126) || c == '\t' || c == '\n' || c == '\r' {
			printable++
		}
	}
	return float64(printable)/float64(len(content)) > 0.9
}

// MimeType maps a filename to its MIME type, octet-stream when unknown.
func MimeType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".pdf":
		return "application/pdf"
	case ".html", ".htm":
		return "text/html"
	case ".xml":
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}
