// Package export writes the local data snapshot to a portable archive and
// reads it back for inspection.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/actionunit/aumanager/backend/internal/export/crypto"
	"github.com/actionunit/aumanager/backend/internal/logging"
	"github.com/actionunit/aumanager/backend/internal/storage"
)

// Archive member names.
const (
	ManifestFile = "manifest.json"
	DataFile     = "data.json"
)

// ManifestVersion is the archive layout version.
const ManifestVersion = "1.0"

// Source produces the snapshot to archive.
type Source interface {
	Export(ctx context.Context) (*storage.Snapshot, error)
}

// ExportService writes snapshot archives.
type ExportService struct {
	source Source
	now    func() time.Time
}

// NewExportService creates a new ExportService.
func NewExportService(source Source) *ExportService {
	return &ExportService{source: source, now: time.Now}
}

// ExportConfig holds export configuration.
type ExportConfig struct {
	OutputPath string // default: exports/aumanager_<timestamp>.tar.gz
	Password   string // empty means no encryption
}

// ExportManifest describes the archived snapshot.
type ExportManifest struct {
	Version         string         `json:"version"`
	SnapshotVersion string         `json:"snapshot_version"`
	ExportedAt      time.Time      `json:"exported_at"`
	ItemCount       int            `json:"item_count"`
	Counts          map[string]int `json:"counts"`
	QueueCount      int            `json:"queue_count"`
	Checksum        string         `json:"checksum"`
}

// ExportResult represents the result of an export operation.
type ExportResult struct {
	FilePath  string
	SizeBytes int64
	ItemCount int
	Checksum  string
	Encrypted bool
	Duration  time.Duration
}

// Export snapshots the local data and writes it to an archive. A password
// seals the whole archive.
func (s *ExportService) Export(ctx context.Context, config *ExportConfig) (*ExportResult, error) {
	if config == nil {
		config = &ExportConfig{}
	}
	startTime := s.now()

	snap, err := s.source.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot local data: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	checksum := fmt.Sprintf("%x", sha256.Sum256(data))

	manifest := ExportManifest{
		Version:         ManifestVersion,
		SnapshotVersion: snap.Version,
		ExportedAt:      startTime,
		Counts:          make(map[string]int, len(snap.Collections)),
		QueueCount:      len(snap.SyncQueue),
		Checksum:        checksum,
	}
	for t, items := range snap.Collections {
		manifest.Counts[string(t)] = len(items)
		manifest.ItemCount += len(items)
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	archive, err := pack(startTime, map[string][]byte{ManifestFile: manifestData, DataFile: data})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	if config.Password != "" {
		if archive, err = crypto.Seal(archive, config.Password); err != nil {
			return nil, fmt.Errorf("failed to encrypt archive: %w", err)
		}
	}

	archivePath := config.OutputPath
	if archivePath == "" {
		archivePath = filepath.Join("exports", fmt.Sprintf("aumanager_%s.tar.gz", startTime.Format("20060102_150405")))
	}
	if err := writeAtomic(archivePath, archive); err != nil {
		return nil, err
	}

	result := &ExportResult{
		FilePath:  archivePath,
		SizeBytes: int64(len(archive)),
		ItemCount: manifest.ItemCount,
		Checksum:  checksum,
		Encrypted: config.Password != "",
		Duration:  s.now().Sub(startTime),
	}
	logging.Info("[Export] Snapshot archived", map[string]interface{}{
		"path":      archivePath,
		"items":     result.ItemCount,
		"queued":    manifest.QueueCount,
		"encrypted": result.Encrypted,
	})
	return result, nil
}

// pack writes files into a gzip-compressed tar in a fixed order.
func pack(modTime time.Time, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for _, name := range []string{ManifestFile, DataFile} {
		content := files[name]
		header := &tar.Header{
			Name:    name,
			Mode:    0600,
			Size:    int64(len(content)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAtomic writes through a temporary file so a failed export never
// leaves a partial archive behind.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create exports directory: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

// Contents is an opened archive.
type Contents struct {
	Manifest ExportManifest
	Data     json.RawMessage
}

// Snapshot decodes the archived data.
func (c *Contents) Snapshot() (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := json.Unmarshal(c.Data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return out, nil
}

// ReadArchive opens an archive written by Export and verifies its checksum.
// password is required for sealed archives and ignored otherwise.
func ReadArchive(path, password string) (*Contents, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	if crypto.IsSealed(raw) {
		if password == "" {
			return nil, fmt.Errorf("archive is encrypted: %w", crypto.ErrInvalidPassword)
		}
		if raw, err = crypto.Open(raw, password); err != nil {
			return nil, err
		}
	}

	files, err := unpack(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to extract archive: %w", err)
	}
	manifestData, ok := files[ManifestFile]
	if !ok {
		return nil, fmt.Errorf("archive has no %s", ManifestFile)
	}
	data, ok := files[DataFile]
	if !ok {
		return nil, fmt.Errorf("archive has no %s", DataFile)
	}

	var c Contents
	if err := json.Unmarshal(manifestData, &c.Manifest); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if c.Manifest.Checksum == "" {
		return nil, fmt.Errorf("manifest missing checksum")
	}
	if sum := fmt.Sprintf("%x", sha256.Sum256(data)); sum != c.Manifest.Checksum {
		return nil, fmt.Errorf("checksum mismatch: archive %s, data %s", c.Manifest.Checksum, sum)
	}
	c.Data = data
	return &c, nil
}

// maxMember bounds a single archive member.
const maxMember = 256 << 20

func unpack(archive []byte) (map[string][]byte, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer gzr.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxMember+1))
		if err != nil {
			return nil, err
		}
		if len(content) > maxMember {
			return nil, fmt.Errorf("member %s too large", header.Name)
		}
		files[header.Name] = content
	}
	return files, nil
}
