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

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"refledger/services/ledger"
)

const maxManifestSize = 1 << 20

// Archive is the decoded content of a verified archive.
type Archive struct {
	Manifest  Manifest
	Referrals []ledger.Referral
	Signups   []ledger.Signup
	Payments  []ledger.Payment
	Audit     []ledger.AuditEntry
}

// Report summarises an archive check.
type Report struct {
	Manifest   Manifest
	Referrals  int
	Signups    int
	Payments   int
	Audit      int
	Violations []ledger.Violation
}

// Downloader is the part of *s3.Client used to fetch archives.
type Downloader interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// VerifyFile reads and checks the archive at path.
func VerifyFile(ctx context.Context, path string, signer *Signer) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return verify(ctx, f, signer)
}

// VerifyObject downloads and checks the archive stored at bucket/key.
func VerifyObject(ctx context.Context, store Downloader, bucket, key string, signer *Signer) (*Report, error) {
	if store == nil {
		return nil, errors.New("s3 client is required")
	}
	body, err := store.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	defer body.Close()
	return verify(ctx, body, signer)
}

func verify(ctx context.Context, r io.Reader, signer *Signer) (*Report, error) {
	a, err := Read(ctx, r, signer)
	if err != nil {
		return nil, err
	}
	return &Report{
		Manifest:   a.Manifest,
		Referrals:  len(a.Referrals),
		Signups:    len(a.Signups),
		Payments:   len(a.Payments),
		Audit:      len(a.Audit),
		Violations: Check(a),
	}, nil
}

// Read decodes an archive, verifying the manifest signature and every table
// checksum. The manifest must be the first entry.
func Read(ctx context.Context, r io.Reader, signer *Signer) (*Archive, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()
	tr := tar.NewReader(decoder)

	header, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("read manifest entry: %w", err)
	}
	if path.Clean(header.Name) != manifestPath {
		return nil, fmt.Errorf("first entry is %q, want %s", header.Name, manifestPath)
	}
	manifestBytes, err := io.ReadAll(io.LimitReader(tr, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	a := &Archive{}
	if err := yaml.Unmarshal(manifestBytes, &a.Manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if a.Manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", a.Manifest.Version)
	}
	if a.Manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}
	payload, err := a.Manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, a.Manifest.Signature, a.Manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	seen := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(header.Name)
		entry, ok := tableByPath(a.Manifest, name)
		if !ok {
			return nil, fmt.Errorf("entry %q is not listed in the manifest", name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, entry.Size+1))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		if err := validateTable(entry, data); err != nil {
			return nil, err
		}
		if err := a.decodeTable(entry, data); err != nil {
			return nil, err
		}
		seen[entry.Name] = true
	}

	for _, t := range a.Manifest.Tables {
		if !seen[t.Name] {
			return nil, fmt.Errorf("table %q missing from archive", t.Name)
		}
	}
	return a, nil
}

func tableByPath(m Manifest, p string) (ManifestTable, bool) {
	for _, t := range m.Tables {
		if path.Clean(t.Path) == p {
			return t, true
		}
	}
	return ManifestTable{}, false
}

func validateTable(entry ManifestTable, data []byte) error {
	if int64(len(data)) != entry.Size {
		return fmt.Errorf("table %q size mismatch: manifest %d, actual %d", entry.Name, entry.Size, len(data))
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != entry.SHA256 {
		return fmt.Errorf("table %q checksum mismatch", entry.Name)
	}
	return nil
}

func (a *Archive) decodeTable(entry ManifestTable, data []byte) error {
	var (
		rows int
		err  error
	)
	switch entry.Name {
	case TableReferrals:
		a.Referrals, err = decodeRows[ledger.Referral](data)
		rows = len(a.Referrals)
	case TableSignups:
		a.Signups, err = decodeRows[ledger.Signup](data)
		rows = len(a.Signups)
	case TablePayments:
		a.Payments, err = decodeRows[ledger.Payment](data)
		rows = len(a.Payments)
	case TableAudit:
		a.Audit, err = decodeRows[ledger.AuditEntry](data)
		rows = len(a.Audit)
	default:
		return fmt.Errorf("unknown table %q", entry.Name)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", entry.Name, err)
	}
	if rows != entry.Rows {
		return fmt.Errorf("table %q has %d rows, manifest says %d", entry.Name, rows, entry.Rows)
	}
	return nil
}

func decodeRows[T any](data []byte) ([]T, error) {
	var out []T
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var row T
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
}

// Check re-derives every referral's aggregates from the archived signups and
// payments, using the snapshot's year for year-to-date figures. It also
// reports rows whose referral is missing and referred users attributed twice.
func Check(a *Archive) []ledger.Violation {
	year := a.Manifest.SnapshotAt.Year()
	if a.Manifest.SnapshotAt.IsZero() {
		year = a.Manifest.CreatedAt.Year()
	}

	known := make(map[uuid.UUID]bool, len(a.Referrals))
	for _, ref := range a.Referrals {
		known[ref.ID] = true
	}

	var out []ledger.Violation
	signups := map[uuid.UUID][]ledger.Signup{}
	referred := map[string]uuid.UUID{}
	for _, s := range a.Signups {
		if !known[s.ReferralID] {
			out = append(out, ledger.Violation{ReferralID: s.ReferralID, Field: "signup_referral", Stored: s.ID.String(), Derived: "missing"})
			continue
		}
		if first, dup := referred[s.ReferredUserID]; dup {
			out = append(out, ledger.Violation{ReferralID: s.ReferralID, Field: "referred_user_id", Stored: s.ReferredUserID, Derived: first.String()})
		} else {
			referred[s.ReferredUserID] = s.ID
		}
		signups[s.ReferralID] = append(signups[s.ReferralID], s)
	}

	payments := map[uuid.UUID][]ledger.Payment{}
	for _, p := range a.Payments {
		if !known[p.ReferralID] {
			out = append(out, ledger.Violation{ReferralID: p.ReferralID, Field: "payment_referral", Stored: p.ID.String(), Derived: "missing"})
			continue
		}
		payments[p.ReferralID] = append(payments[p.ReferralID], p)
	}

	for _, ref := range a.Referrals {
		agg := ledger.DeriveAggregates(signups[ref.ID], payments[ref.ID], year)
		out = append(out, ledger.Compare(ref, agg)...)
	}
	return out
}
