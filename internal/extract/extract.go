// Package extract is the content-extraction boundary: it turns a file on
// disk into searchable text, tags, and coarse classification. The rest of
// the system only sees the Extractor interface, so a remote analysis
// backend can replace the built-in extractor without touching the pipeline.
package extract

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/AvengeMedia/dankindex/internal/config"
	"github.com/AvengeMedia/dankindex/internal/errdefs"
)

// Coarse file type classes.
const (
	TypeDocument    = "document"
	TypeImage       = "image"
	TypeSpreadsheet = "spreadsheet"
	TypeArchive     = "archive"
	TypeCode        = "code"
	TypeOther       = "other"
)

// Result is everything extraction produced for one file.
type Result struct {
	Text      string            `json:"text,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Category  string            `json:"category,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	FileType  string            `json:"file_type"`
	MimeType  string            `json:"mime_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"-"`
}

type Extractor interface {
	Extract(ctx context.Context, path string) (*Result, error)
}

// Embedder produces a fixed-length vector for arbitrary text. The query
// engine uses it to embed query strings the same way documents were
// embedded.
type Embedder interface {
	Embed(text string) []float32
}

var fileTypeByExt = map[string]string{
	".txt": TypeDocument, ".md": TypeDocument, ".pdf": TypeDocument,
	".doc": TypeDocument, ".docx": TypeDocument, ".rtf": TypeDocument,
	".odt": TypeDocument, ".ppt": TypeDocument, ".pptx": TypeDocument,

	".jpg": TypeImage, ".jpeg": TypeImage, ".png": TypeImage,
	".gif": TypeImage, ".bmp": TypeImage, ".tiff": TypeImage,
	".tif": TypeImage, ".webp": TypeImage,

	".xls": TypeSpreadsheet, ".xlsx": TypeSpreadsheet, ".csv": TypeSpreadsheet,
	".ods": TypeSpreadsheet,

	".zip": TypeArchive, ".tar": TypeArchive, ".gz": TypeArchive,
	".rar": TypeArchive, ".7z": TypeArchive, ".xz": TypeArchive,

	".go": TypeCode, ".py": TypeCode, ".js": TypeCode, ".ts": TypeCode,
	".java": TypeCode, ".c": TypeCode, ".cpp": TypeCode, ".h": TypeCode,
	".rs": TypeCode, ".rb": TypeCode, ".php": TypeCode, ".sh": TypeCode,
	".html": TypeCode, ".css": TypeCode,
}

// ClassifyFileType maps an extension to a coarse class.
func ClassifyFileType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := fileTypeByExt[ext]; ok {
		return t
	}
	return TypeOther
}

var categoryKeywords = map[string][]string{
	"invoice":      {"invoice", "bill", "payment", "receipt"},
	"report":       {"report", "analysis", "summary"},
	"presentation": {"presentation", "slides", "deck"},
	"photo":        {"photo", "picture", "img_", "dsc_"},
	"contract":     {"contract", "agreement", "legal"},
}

// ClassifyCategory guesses a category from the file name and extracted text.
func ClassifyCategory(name, text string) string {
	haystack := strings.ToLower(name)
	if len(text) > 512 {
		text = text[:512]
	}
	haystack += " " + strings.ToLower(text)

	for category, keywords := range categoryKeywords {
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				return category
			}
		}
	}
	return "general"
}

// Local is the built-in extractor: mime/extension classification, bounded
// text reads, EXIF metadata for images, and user xattr tags. It also
// produces a feature-hashed bag-of-words embedding for text content.
type Local struct {
	config *config.Config
}

func NewLocal(cfg *config.Config) *Local {
	return &Local{config: cfg}
}

func (l *Local) Extract(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeExtraction, path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeExtraction, path, err)
	}
	if info.IsDir() {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeExtraction, path, os.ErrInvalid)
	}

	ext := strings.ToLower(filepath.Ext(path))
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	res := &Result{
		FileType: ClassifyFileType(path),
		MimeType: mimeType,
		Metadata: map[string]string{},
	}

	if l.config.IsTextFile(path) {
		text, err := l.readText(path)
		if err != nil {
			return nil, errdefs.NewCustomError(errdefs.ErrTypeExtraction, path, err)
		}
		res.Text = text
		res.Summary = summarize(text)
	}

	if err := ctx.Err(); err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeExtraction, path, err)
	}

	if res.FileType == TypeImage {
		readExif(path, res)
	}

	res.Tags = append(res.Tags, readXattrTags(path)...)
	res.Category = ClassifyCategory(filepath.Base(path), res.Text)

	if res.Text != "" {
		res.Embedding = Embed(res.Text)
	}

	return res, nil
}

func (l *Local) readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	limited := io.LimitReader(f, l.config.MaxFileBytes)
	content, err := io.ReadAll(limited)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func summarize(text string) string {
	const max = 200
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max]
}
