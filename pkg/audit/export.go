package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wardenlabs/warden/pkg/crypto"
)

var (
	// ErrInvalidTimeRange is returned when the export window is inverted.
	ErrInvalidTimeRange = errors.New("audit: start time must be before end time")
	// ErrChainNotConfigured is returned when an exporter has no chain.
	ErrChainNotConfigured = errors.New("audit: chain not configured (fail-closed)")
)

// ExportRequest selects the entries to export. Zero bounds are open.
type ExportRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Pack is a generated evidence bundle: a zip archive of the selected
// entries, the manifest, and a verification report.
type Pack struct {
	Archive    []byte    `json:"-"`
	Checksum   string    `json:"checksum"`
	EntryCount int       `json:"entryCount"`
	Location   string    `json:"location,omitempty"`
	Generated  time.Time `json:"generatedAt"`
}

// Sink stores a finished pack somewhere durable (filesystem, object
// storage) and returns its location.
type Sink interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
}

// Exporter builds evidence packs from the chain.
type Exporter struct {
	chain *Chain
	sink  Sink
}

// NewExporter creates an exporter. sink may be nil; packs are then only
// returned in memory.
func NewExporter(chain *Chain, sink Sink) *Exporter {
	return &Exporter{chain: chain, sink: sink}
}

// GeneratePack collects entries in the window, verifies the chain, and
// bundles both into a checksummed zip.
func (x *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (*Pack, error) {
	if x.chain == nil {
		return nil, ErrChainNotConfigured
	}
	if !req.Start.IsZero() && !req.End.IsZero() && req.Start.After(req.End) {
		return nil, ErrInvalidTimeRange
	}

	entries, err := x.chain.Range(ctx, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	report, err := x.chain.Verify(ctx)
	if err != nil {
		return nil, err
	}

	eventsJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: events marshal failed: %w", err)
	}

	generated := time.Now().UTC()
	manifest := map[string]any{
		"generatedAt": generated,
		"entryCount":  len(entries),
		"chainHead":   x.chain.Head(),
		"report":      report,
		"period": map[string]any{
			"start": req.Start,
			"end":   req.End,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: manifest marshal failed: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(f, "Warden audit evidence pack\nGenerated at %s\nEntries: %d\nChain valid: %v\n",
		generated.Format(time.RFC3339), len(entries), report.Valid)

	if err := w.Close(); err != nil {
		return nil, err
	}

	pack := &Pack{
		Archive:    buf.Bytes(),
		Checksum:   crypto.SHA256Hex(buf.Bytes()),
		EntryCount: len(entries),
		Generated:  generated,
	}

	if x.sink != nil {
		name := fmt.Sprintf("audit-%s.zip", generated.Format("20060102T150405Z"))
		location, err := x.sink.Store(ctx, name, pack.Archive)
		if err != nil {
			return nil, fmt.Errorf("audit: pack upload failed: %w", err)
		}
		pack.Location = location
	}
	return pack, nil
}

// FileSink writes packs into a directory.
type FileSink struct {
	Dir string
}

func (s FileSink) Store(_ context.Context, name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return "", fmt.Errorf("audit: sink dir failed: %w", err)
	}
	path := filepath.Join(s.Dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("audit: sink write failed: %w", err)
	}
	return path, nil
}
