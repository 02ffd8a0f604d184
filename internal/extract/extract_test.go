package extract

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/AvengeMedia/dankindex/internal/config"
)

func testConfig(root string) *config.Config {
	cfg := config.Default()
	cfg.WatchRoots = []config.WatchRoot{{Path: root, Recursive: true}}
	cfg.BuildMaps()
	return cfg
}

func TestClassifyFileType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"report.pdf", TypeDocument},
		{"photo.JPG", TypeImage},
		{"data.csv", TypeSpreadsheet},
		{"backup.tar", TypeArchive},
		{"main.go", TypeCode},
		{"unknown.xyz", TypeOther},
		{"noextension", TypeOther},
	}

	for _, tt := range tests {
		if got := ClassifyFileType(tt.path); got != tt.want {
			t.Errorf("ClassifyFileType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestClassifyCategory(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"invoice_2026.pdf", "", "invoice"},
		{"notes.txt", "quarterly payment due", "invoice"},
		{"q3_analysis.txt", "", "report"},
		{"IMG_2041.jpg", "", "photo"},
		{"lease_agreement.pdf", "", "contract"},
		{"random.txt", "nothing special", "general"},
	}

	for _, tt := range tests {
		if got := ClassifyCategory(tt.name, tt.text); got != tt.want {
			t.Errorf("ClassifyCategory(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestLocalExtractText(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "invoice_march.txt")
	content := "invoice for consulting services, payment due in thirty days"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	ext := NewLocal(testConfig(tmpDir))
	res, err := ext.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if res.Text != content {
		t.Errorf("Text = %q", res.Text)
	}
	if res.FileType != TypeDocument {
		t.Errorf("FileType = %q", res.FileType)
	}
	if res.Category != "invoice" {
		t.Errorf("Category = %q", res.Category)
	}
	if len(res.Embedding) != EmbeddingDim {
		t.Errorf("embedding length = %d, want %d", len(res.Embedding), EmbeddingDim)
	}
}

func TestLocalExtractRespectsMaxBytes(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.MaxFileBytes = 10

	path := filepath.Join(tmpDir, "big.txt")
	if err := os.WriteFile(path, []byte("0123456789ABCDEF"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	res, err := NewLocal(cfg).Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Text != "0123456789" {
		t.Errorf("Text = %q, want truncated read", res.Text)
	}
}

func TestLocalExtractCancelled(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "doc.txt")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewLocal(testConfig(tmpDir)).Extract(ctx, path); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestEmbedDeterministic(t *testing.T) {
	a := Embed("the quick brown fox")
	b := Embed("the quick brown fox")

	if len(a) != EmbeddingDim {
		t.Fatalf("embedding length = %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embeddings of identical text must match")
		}
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("embedding norm = %f, want 1.0", norm)
	}
}

func TestEmbedEmpty(t *testing.T) {
	if Embed("") != nil {
		t.Error("empty text should produce a nil embedding")
	}
	if Embed("   \n\t ") != nil {
		t.Error("whitespace-only text should produce a nil embedding")
	}
}

func TestCosine(t *testing.T) {
	a := Embed("database replication protocol")
	if sim := Cosine(a, a); math.Abs(sim-1.0) > 1e-5 {
		t.Errorf("self similarity = %f, want 1.0", sim)
	}

	b := Embed("watercolor painting techniques")
	if sim := Cosine(a, b); sim > 0.9 {
		t.Errorf("unrelated text similarity = %f, expected lower", sim)
	}

	if Cosine(a, nil) != 0 {
		t.Error("cosine with nil vector should be 0")
	}
}
