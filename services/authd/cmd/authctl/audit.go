package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"stockgate/pkg/bus"
	gos3 "stockgate/pkg/s3"
	"stockgate/services/authd/internal/app"
	"stockgate/services/authd/internal/archive"
	"stockgate/services/authd/internal/audit"
)

func (c *cli) newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log archive and streaming",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(c.newArchiveCommand())
	cmd.AddCommand(c.newVerifyCommand())
	cmd.AddCommand(c.newTailCommand())
	return cmd
}

type archiveTarget struct {
	before  time.Time
	output  string
	bucket  string
	key     string
	presign time.Duration
}

func (c *cli) newArchiveCommand() *cobra.Command {
	var (
		before string
		t      archiveTarget
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Write a signed bundle of audit entries older than --before",
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff, err := time.Parse(time.RFC3339, before)
			if err != nil {
				return fmt.Errorf("--before: %w", err)
			}
			t.before = cutoff
			if (t.output == "") == (t.bucket == "") {
				return errors.New("exactly one of --output or --bucket is required")
			}

			return c.withApp(cmd.Context(), func(a *app.App) error {
				signer, err := archive.NewSigner(a.Config.Age.SecretKey, a.Config.Age.PublicKey)
				if err != nil {
					return err
				}
				var store *gos3.Client
				if t.bucket != "" {
					if store, err = gos3.NewClient(cmd.Context(), a.Config.ObjectStore()); err != nil {
						return fmt.Errorf("s3 client: %w", err)
					}
				}
				return runArchive(cmd.Context(), audit.NewQuery(a.DB), signer, store, t, c.out)
			})
		},
	}

	cmd.Flags().StringVar(&before, "before", "", "Archive entries created before this RFC3339 time")
	cmd.Flags().StringVar(&t.output, "output", "", "Write the bundle to this file")
	cmd.Flags().StringVar(&t.bucket, "bucket", "", "Upload the bundle to this bucket")
	cmd.Flags().StringVar(&t.key, "key", "", "Object key (default audit/<cutoff>.tar.zst)")
	cmd.Flags().DurationVar(&t.presign, "presign", 0, "Print a presigned download URL valid for this long")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}

// uploader is the subset of the S3 client used for archives.
type uploader interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	PutObject(ctx context.Context, obj gos3.Object) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

func runArchive(ctx context.Context, src archive.Source, signer *archive.Signer, store uploader, t archiveTarget, out io.Writer) error {
	var buf bytes.Buffer
	m, err := archive.Build(ctx, src, t.before, &buf, archive.Options{Signer: signer})
	if errors.Is(err, archive.ErrEmpty) {
		fmt.Fprintln(out, "nothing to archive")
		return nil
	}
	if err != nil {
		return err
	}
	sum := sha256.Sum256(buf.Bytes())
	digest := hex.EncodeToString(sum[:])

	if t.output != "" {
		if dir := filepath.Dir(t.output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
		}
		if err := os.WriteFile(t.output, buf.Bytes(), 0o600); err != nil {
			return fmt.Errorf("write bundle: %w", err)
		}
		fmt.Fprintf(out, "wrote %s (%d entries, sha256 %s)\n", t.output, m.Count, digest)
		return nil
	}

	key := t.key
	if key == "" {
		key = fmt.Sprintf("audit/%s.tar.zst", t.before.UTC().Format("20060102T150405Z"))
	}
	exists, err := store.Exists(ctx, t.bucket, key)
	if err != nil {
		return fmt.Errorf("check bundle key: %w", err)
	}
	if exists {
		return fmt.Errorf("s3://%s/%s already exists; pass --key to choose another name", t.bucket, key)
	}
	err = store.PutObject(ctx, gos3.Object{
		Bucket:      t.bucket,
		Key:         key,
		ContentType: archive.ContentType,
		Body:        bytes.NewReader(buf.Bytes()),
		Size:        int64(buf.Len()),
		SHA256:      digest,
		Metadata: map[string]string{
			"entries": strconv.Itoa(m.Count),
			"cutoff":  m.Cutoff.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}
	fmt.Fprintf(out, "uploaded s3://%s/%s (%d entries, sha256 %s)\n", t.bucket, key, m.Count, digest)

	if t.presign > 0 {
		url, err := store.PresignGet(ctx, t.bucket, key, t.presign)
		if err != nil {
			return fmt.Errorf("presign: %w", err)
		}
		fmt.Fprintln(out, url)
	}
	return nil
}

func (c *cli) newVerifyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the digest and signature of an audit bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd.Context())
			if err != nil {
				return err
			}
			signer, err := archive.NewSigner(cfg.Age.SecretKey, cfg.Age.PublicKey)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			return verifyBundle(f, signer, c.out)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func verifyBundle(r io.Reader, signer *archive.Signer, out io.Writer) error {
	b, err := archive.Verify(r, signer)
	if err != nil {
		return err
	}
	m := b.Manifest
	fmt.Fprintf(out, "ok: %d entries before %s", m.Count, m.Cutoff.Format(time.RFC3339))
	if m.FirstEntryAt != nil && m.LastEntryAt != nil {
		fmt.Fprintf(out, " (%s to %s)", m.FirstEntryAt.Format(time.RFC3339), m.LastEntryAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	return nil
}

func (c *cli) newTailCommand() *cobra.Command {
	var durable string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print audit events from NATS as they are recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}
			b, err := bus.New(cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			sub, err := b.Subscribe(cmd.Context(), audit.SubjectPrefix+">", durable, func(_ context.Context, d bus.Delivery) error {
				_, err := fmt.Fprintf(c.out, "%d %s %s\n", d.Sequence, d.Subject, d.Data)
				return err
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close()

			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&durable, "durable", "authctl-tail", "JetStream durable consumer name")
	return cmd
}
