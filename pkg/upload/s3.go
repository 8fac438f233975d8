package upload

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPrefix      = "rpgtestoor/runs"
	defaultRegion      = "us-east-1"
	defaultConcurrency = 4
	preflightKey       = ".rpgtestoor-write-test"

	// completionFile is uploaded after every other file of a run, so a
	// reader that finds it can rely on the rest being present.
	completionFile = "results.json"
)

type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates an Uploader for S3 or an S3 compatible store.
func NewS3Uploader(log logrus.FieldLogger, cfg *config.S3UploadConfig) (Uploader, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = cfg.Region
		if o.Region == "" {
			o.Region = defaultRegion
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		}
	})
}

// Preflight writes and removes a small object to check credentials and
// bucket permissions before a run starts.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	body := "rpgtestoor write test " + time.Now().UTC().Format(time.RFC3339)

	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(preflightKey),
		Body:        strings.NewReader(body),
		ContentType: aws.String("text/plain"),
	}); err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	if _, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(preflightKey),
	}); err != nil {
		// Write access is what matters.
		u.log.WithError(err).Warn("Failed to remove preflight object")
	}

	return nil
}

// Upload copies every file under localDir to <prefix>/<basename>/.
func (u *s3Uploader) Upload(ctx context.Context, localDir string) (string, error) {
	prefix := u.resolvePrefix(filepath.Base(localDir))

	files, last, err := listFiles(localDir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", localDir, err)
	}

	limit := u.cfg.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, rel := range files {
		g.Go(func() error {
			return u.uploadFile(gctx, localDir, rel, prefix)
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	count := len(files)

	if last != "" {
		if err := u.uploadFile(ctx, localDir, last, prefix); err != nil {
			return "", err
		}

		count++
	}

	u.log.WithFields(logrus.Fields{
		"files":  count,
		"bucket": u.cfg.Bucket,
		"prefix": prefix,
	}).Info("Upload completed")

	return "s3://" + u.cfg.Bucket + "/" + prefix, nil
}

func (u *s3Uploader) uploadFile(ctx context.Context, localDir, rel, prefix string) error {
	f, err := os.Open(filepath.Join(localDir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("opening %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()

	key := path.Join(prefix, rel)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(detectContentType(rel)),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	u.log.WithField("key", key).Debug("Uploading file")

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("uploading %s: %w", rel, err)
	}

	return nil
}

// listFiles returns the slash separated paths of the regular files under
// dir. The top level completion file is returned separately.
func listFiles(dir string) (files []string, last string, err error) {
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)

		if rel == completionFile {
			last = rel
		} else {
			files = append(files, rel)
		}

		return nil
	})

	return files, last, err
}

func (u *s3Uploader) resolvePrefix(baseName string) string {
	prefix := strings.Trim(u.cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	return prefix + "/" + baseName
}

func detectContentType(name string) string {
	ext := path.Ext(name)
	if ext == ".json" {
		return "application/json"
	}

	if ct := mime.TypeByExtension(ext); ext != "" && ct != "" {
		return ct
	}

	return "application/octet-stream"
}
