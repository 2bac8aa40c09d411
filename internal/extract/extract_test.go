package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"
)

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create document.xml: %v", err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatalf("write document.xml: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractTextFromBytes_ZipDocxNormalizes(t *testing.T) {
	data := buildDocx(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Design brief</w:t></w:r></w:p>
    <w:p><w:r><w:t>Reduce rotor noise below 60dB</w:t></w:r></w:p>
  </w:body>
</w:document>`)

	// Clients often upload docx with a generic zip mime; the zip sniff must
	// still route it through docx extraction.
	text, err := ExtractTextFromBytes(context.Background(), data, "application/zip", "brief.docx")
	if err != nil {
		t.Fatalf("expected docx to extract from zip mime, got error: %v", err)
	}
	if !strings.Contains(text, "Design brief") || !strings.Contains(text, "rotor noise") {
		t.Fatalf("extracted text missing content: %q", text)
	}
}

func TestExtractTextFromBytes_RealZipRejected(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("notes.txt")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	_, err = ExtractTextFromBytes(context.Background(), buf.Bytes(), "application/zip", "notes.zip")
	if err == nil {
		t.Fatal("expected unsupported mime error for zip")
	}
	if !strings.Contains(err.Error(), "unsupported mime type: application/zip") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExtractTextFromBytes_PlainTextPassesThrough(t *testing.T) {
	text, err := ExtractTextFromBytes(context.Background(), []byte("  brief contents\n"), "text/plain", "brief.txt")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "brief contents" {
		t.Fatalf("expected trimmed passthrough, got %q", text)
	}
}

func TestExtractTextFromBytes_OctetStreamUsesExtension(t *testing.T) {
	text, err := ExtractTextFromBytes(context.Background(), []byte("# Heading"), "application/octet-stream", "brief.md")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "# Heading" {
		t.Fatalf("got %q", text)
	}

	if _, err := ExtractTextFromBytes(context.Background(), []byte{0xff, 0xfe, 0x00}, "text/plain", "junk.txt"); err == nil {
		t.Fatal("expected invalid UTF-8 to be rejected")
	}
}

func TestExtractTextFromBytes_DocxParagraphBreaks(t *testing.T) {
	data := buildDocx(t, `<w:document xmlns:w="x"><w:body><w:p><w:r><w:t>one</w:t></w:r></w:p><w:p><w:r><w:t>two</w:t></w:r></w:p></w:body></w:document>`)

	text, err := ExtractTextFromBytes(context.Background(), data, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "x.docx")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "one\ntwo" {
		t.Fatalf("expected paragraph break, got %q", text)
	}
}
