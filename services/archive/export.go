// Package archive writes and verifies signed ledger archives: a zstd
// compressed tar holding a YAML manifest followed by one JSON Lines file per
// ledger table.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"refledger/services/ledger"
)

// Table names, in archive order.
const (
	TableReferrals = "referrals"
	TableSignups   = "signups"
	TablePayments  = "payments"
	TableAudit     = "audit"
)

const (
	tablesDir  = "tables"
	presignTTL = 24 * time.Hour
)

// Snapshotter supplies the rows to archive. *ledger.Service satisfies it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (ledger.Snapshot, error)
}

// Uploader is the part of *s3.Client used to store archives.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// ExportConfig configures Export. Upload happens only when both S3 and
// Bucket are set.
type ExportConfig struct {
	Output string
	Bucket string
	Prefix string
	S3     Uploader
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// ExportResult describes a written archive.
type ExportResult struct {
	Manifest *Manifest
	Path     string
	Size     int64
	SHA256   string
	Key      string
	URL      string
}

// Export snapshots the ledger, writes a signed archive to cfg.Output and
// optionally uploads it.
func Export(ctx context.Context, src Snapshotter, cfg ExportConfig) (*ExportResult, error) {
	if src == nil {
		return nil, errors.New("snapshot source is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	snap, err := src.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot ledger: %w", err)
	}

	if dir := filepath.Dir(cfg.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	file, err := os.Create(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	hash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(file, hash)}
	manifest, err := Write(counter, snap, cfg.Signer, cfg.Now())
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close output file: %w", cerr)
	}
	if err != nil {
		return nil, err
	}

	res := &ExportResult{
		Manifest: manifest,
		Path:     cfg.Output,
		Size:     counter.n,
		SHA256:   hex.EncodeToString(hash.Sum(nil)),
	}
	fmt.Fprintf(cfg.Stdout, "wrote archive %s (%d referrals, %d signups, %d payments, %d audit entries)\n",
		cfg.Output, len(snap.Referrals), len(snap.Signups), len(snap.Payments), len(snap.Audit))

	if cfg.S3 == nil || cfg.Bucket == "" {
		return res, nil
	}
	res.Key = ObjectKey(cfg.Prefix, snap.TakenAt)
	if err := upload(ctx, cfg.S3, cfg.Bucket, res); err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "uploaded s3://%s/%s\n", cfg.Bucket, res.Key)
	return res, nil
}

// ObjectKey names the archive of a snapshot taken at t.
func ObjectKey(prefix string, t time.Time) string {
	return path.Join(prefix, "ledger-"+t.UTC().Format("20060102T150405Z")+".tar.zst")
}

func upload(ctx context.Context, s3 Uploader, bucket string, res *ExportResult) error {
	f, err := os.Open(res.Path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if err := s3.PutObject(ctx, bucket, res.Key, f, res.Size, res.SHA256); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	url, err := s3.PresignGet(ctx, bucket, res.Key, presignTTL)
	if err != nil {
		return fmt.Errorf("presign archive: %w", err)
	}
	res.URL = url
	return nil
}

// Write encodes snap as a signed archive to w.
func Write(w io.Writer, snap ledger.Snapshot, signer *Signer, now time.Time) (*Manifest, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	type table struct {
		name string
		rows int
		data []byte
	}
	var tables []table
	add := func(name string, rows int, encode func(*json.Encoder) error) error {
		var buf bytes.Buffer
		if err := encode(json.NewEncoder(&buf)); err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		tables = append(tables, table{name: name, rows: rows, data: buf.Bytes()})
		return nil
	}
	if err := add(TableReferrals, len(snap.Referrals), encodeRows(snap.Referrals)); err != nil {
		return nil, err
	}
	if err := add(TableSignups, len(snap.Signups), encodeRows(snap.Signups)); err != nil {
		return nil, err
	}
	if err := add(TablePayments, len(snap.Payments), encodeRows(snap.Payments)); err != nil {
		return nil, err
	}
	if err := add(TableAudit, len(snap.Audit), encodeRows(snap.Audit)); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        now.UTC().Truncate(time.Second),
		SnapshotAt:       snap.TakenAt.UTC(),
		Signer:           signer.Recipient(),
		SigningPublicKey: signer.PublicKeyBase64(),
	}
	for _, t := range tables {
		sum := sha256.Sum256(t.data)
		manifest.Tables = append(manifest.Tables, ManifestTable{
			Name:   t.name,
			Path:   tablePath(t.name),
			Rows:   t.rows,
			Size:   int64(len(t.data)),
			SHA256: hex.EncodeToString(sum[:]),
		})
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	if manifest.Signature, err = signer.Sign(payload); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := writeEntry(tw, manifestPath, manifestBytes, manifest.CreatedAt); err != nil {
		return nil, err
	}
	for _, t := range tables {
		if err := writeEntry(tw, tablePath(t.name), t.data, manifest.CreatedAt); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	return manifest, nil
}

func encodeRows[T any](rows []T) func(*json.Encoder) error {
	return func(enc *json.Encoder) error {
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	return nil
}

func tablePath(name string) string {
	return tablesDir + "/" + name + ".jsonl"
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
