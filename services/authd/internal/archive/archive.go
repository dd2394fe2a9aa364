// Package archive packs audit log entries into signed tar.zst bundles.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"stockgate/services/authd/internal/audit"
)

const (
	manifestFileName = "manifest.yaml"
	entriesFileName  = "entries.ndjson"
	formatVersion    = "1"

	// ContentType is the media type used when uploading bundles.
	ContentType = "application/zstd"
)

var (
	ErrEmpty     = errors.New("no audit entries before cutoff")
	ErrCorrupt   = errors.New("archive is corrupt")
	ErrTruncated = fmt.Errorf("%w: missing manifest or entries", ErrCorrupt)
)

// Source yields the entries to archive, oldest first.
type Source interface {
	Before(ctx context.Context, cutoff time.Time) ([]audit.Row, error)
}

// Record is one line of entries.ndjson.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	ActorID    *uuid.UUID      `json:"actorId"`
	ActorEmail *string         `json:"actorEmail,omitempty"`
	TargetType string          `json:"targetType"`
	TargetID   *string         `json:"targetId"`
	Action     string          `json:"action"`
	Summary    *string         `json:"summary"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func newRecord(row audit.Row) Record {
	return Record{
		ID:         row.ID,
		ActorID:    row.ActorID,
		ActorEmail: row.ActorEmail,
		TargetType: row.TargetType,
		TargetID:   row.TargetID,
		Action:     row.Action,
		Summary:    row.Summary,
		Metadata:   row.RawMetadata(),
		Snapshot:   row.RawSnapshot(),
		CreatedAt:  row.CreatedAt.UTC(),
	}
}

// Options configures Build.
type Options struct {
	Signer *Signer
	Now    func() time.Time
}

// Build writes a bundle of every entry created before cutoff to w. Audit rows
// are left in place.
func Build(ctx context.Context, src Source, cutoff time.Time, w io.Writer, opts Options) (Manifest, error) {
	if src == nil {
		return Manifest{}, errors.New("archive source is required")
	}
	if !opts.Signer.CanSign() {
		return Manifest{}, errors.New("a signer with a private key is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	rows, err := src.Before(ctx, cutoff)
	if err != nil {
		return Manifest{}, err
	}
	if len(rows) == 0 {
		return Manifest{}, ErrEmpty
	}

	var entries bytes.Buffer
	enc := json.NewEncoder(&entries)
	for _, row := range rows {
		if err := enc.Encode(newRecord(row)); err != nil {
			return Manifest{}, fmt.Errorf("encode entry %s: %w", row.ID, err)
		}
	}
	sum := sha256.Sum256(entries.Bytes())

	first := rows[0].CreatedAt.UTC()
	last := rows[len(rows)-1].CreatedAt.UTC()
	manifest := Manifest{
		Version:          formatVersion,
		CreatedAt:        opts.Now().UTC().Truncate(time.Second),
		Cutoff:           cutoff.UTC(),
		Count:            len(rows),
		FirstEntryAt:     &first,
		LastEntryAt:      &last,
		EntriesSize:      int64(entries.Len()),
		EntriesSHA256:    hex.EncodeToString(sum[:]),
		Signer:           opts.Signer.Recipient(),
		SigningPublicKey: opts.Signer.PublicKeyBase64(),
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	if manifest.Signature, err = opts.Signer.Sign(payload); err != nil {
		return Manifest{}, fmt.Errorf("sign manifest: %w", err)
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(w, manifest.CreatedAt, manifestBytes, entries.Bytes()); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

func writeBundle(w io.Writer, modTime time.Time, manifest, entries []byte) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	for _, f := range []struct {
		name string
		data []byte
	}{
		{manifestFileName, manifest},
		{entriesFileName, entries},
	} {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    0o644,
			Size:    int64(len(f.data)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write %s header: %w", f.name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// Bundle is the unpacked content of an archive.
type Bundle struct {
	Manifest Manifest
	Entries  []byte
}

// Read unpacks a bundle without checking its integrity.
func Read(r io.Reader) (Bundle, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return Bundle{}, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		b            Bundle
		haveManifest bool
		haveEntries  bool
	)
	tr := tar.NewReader(decoder)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Bundle{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}

		switch hdr.Name {
		case manifestFileName:
			data, err := io.ReadAll(tr)
			if err != nil {
				return Bundle{}, fmt.Errorf("%w: read manifest: %w", ErrCorrupt, err)
			}
			if err := yaml.Unmarshal(data, &b.Manifest); err != nil {
				return Bundle{}, fmt.Errorf("%w: decode manifest: %w", ErrCorrupt, err)
			}
			haveManifest = true
		case entriesFileName:
			if b.Entries, err = io.ReadAll(tr); err != nil {
				return Bundle{}, fmt.Errorf("%w: read entries: %w", ErrCorrupt, err)
			}
			haveEntries = true
		}
	}
	if !haveManifest || !haveEntries {
		return Bundle{}, ErrTruncated
	}
	return b, nil
}

// Verify unpacks a bundle and checks the entries digest, the entry count and the
// manifest signature.
func Verify(r io.Reader, signer *Signer) (Bundle, error) {
	b, err := Read(r)
	if err != nil {
		return Bundle{}, err
	}
	m := b.Manifest

	sum := sha256.Sum256(b.Entries)
	if got := hex.EncodeToString(sum[:]); got != m.EntriesSHA256 {
		return Bundle{}, fmt.Errorf("%w: entries sha256 %s, manifest says %s", ErrCorrupt, got, m.EntriesSHA256)
	}
	if int64(len(b.Entries)) != m.EntriesSize {
		return Bundle{}, fmt.Errorf("%w: entries size %d, manifest says %d", ErrCorrupt, len(b.Entries), m.EntriesSize)
	}
	if n := bytes.Count(b.Entries, []byte{'\n'}); n != m.Count {
		return Bundle{}, fmt.Errorf("%w: %d entries, manifest says %d", ErrCorrupt, n, m.Count)
	}

	payload, err := m.SigningBytes()
	if err != nil {
		return Bundle{}, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, m.Signature, m.SigningPublicKey); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// Records decodes the entries file.
func (b Bundle) Records() ([]Record, error) {
	var out []Record
	scanner := bufio.NewScanner(bytes.NewReader(b.Entries))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrCorrupt, len(out)+1, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return out, nil
}
