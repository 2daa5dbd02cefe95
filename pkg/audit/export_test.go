package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/wardenlabs/warden/pkg/crypto"
)

func TestExporter_GeneratePack(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := chain.Record(ctx, "task_created", LevelInfo, "task queued", WithUser("admin")); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	dir := t.TempDir()
	exporter := NewExporter(chain, FileSink{Dir: dir})

	pack, err := exporter.GeneratePack(ctx, ExportRequest{})
	if err != nil {
		t.Fatalf("GeneratePack failed: %v", err)
	}
	if pack.EntryCount != 5 {
		t.Errorf("expected 5 entries, got %d", pack.EntryCount)
	}
	if pack.Checksum != crypto.SHA256Hex(pack.Archive) {
		t.Error("checksum should cover the archive bytes")
	}
	if pack.Location == "" {
		t.Fatal("expected a sink location")
	}
	if _, err := os.Stat(pack.Location); err != nil {
		t.Errorf("pack file missing: %v", err)
	}

	r, err := zip.NewReader(bytes.NewReader(pack.Archive), int64(len(pack.Archive)))
	if err != nil {
		t.Fatalf("archive unreadable: %v", err)
	}
	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	for _, want := range []string{"events.json", "manifest.json", "README.txt"} {
		if !names[want] {
			t.Errorf("archive missing %s", want)
		}
	}
}

func TestExporter_InvalidRange(t *testing.T) {
	chain, _ := newTestChain(t)
	exporter := NewExporter(chain, nil)

	now := time.Now()
	_, err := exporter.GeneratePack(context.Background(), ExportRequest{Start: now, End: now.Add(-time.Hour)})
	if !errors.Is(err, ErrInvalidTimeRange) {
		t.Errorf("expected ErrInvalidTimeRange, got %v", err)
	}
}

func TestExporter_NoChain(t *testing.T) {
	exporter := NewExporter(nil, nil)
	if _, err := exporter.GeneratePack(context.Background(), ExportRequest{}); !errors.Is(err, ErrChainNotConfigured) {
		t.Errorf("expected ErrChainNotConfigured, got %v", err)
	}
}
