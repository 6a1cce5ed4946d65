package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	defaultPrefix  = "urlanalyzer"
	verdictFile    = "verdict.json"
	defaultRegion  = "us-east-1"
	archiveTimeout = 30 * time.Second
)

// ErrNotArchived is returned by FetchVerdict for runs with no archived
// verdict.
var ErrNotArchived = errors.New("verdict not archived")

// Record is the document stored for every finished run.
type Record struct {
	RunID      string            `json:"run_id"`
	URL        string            `json:"url"`
	Status     store.RunStatus   `json:"status"`
	ArchivedAt time.Time         `json:"archived_at"`
	Verdict    *pipeline.Verdict `json:"verdict"`
}

// Result converts the record into a pipeline.Result for rendering. Stage
// records are not archived, so the run carries none.
func (r *Record) Result() *pipeline.Result {
	return &pipeline.Result{
		Run: &store.Run{
			RunID:     r.RunID,
			URL:       r.URL,
			Status:    r.Status,
			UpdatedAt: r.ArchivedAt,
		},
		Verdict: r.Verdict,
	}
}

// Compile-time interface check.
var _ pipeline.VerdictArchiver = (*S3Archiver)(nil)

// S3Archiver writes verdicts to S3-compatible storage.
type S3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client *s3.Client
	now    func() time.Time
}

// NewS3Archiver creates an archiver from the given configuration.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = defaultRegion
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}

			// Several S3-compatible stores reject the default trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		},
	}

	return &S3Archiver{
		log:    log.WithField("component", "s3-archive"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Preflight verifies that the bucket is writable.
func (a *S3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("urlanalyzer write test: %s", a.now().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.prefix() + "/.write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// ArchiveVerdict uploads the verdict of a finished run. Failures are
// returned to the caller and never touch the run itself.
func (a *S3Archiver) ArchiveVerdict(
	ctx context.Context, run *store.Run, verdict *pipeline.Verdict,
) error {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	body, err := json.MarshalIndent(&Record{
		RunID:      run.RunID,
		URL:        run.URL,
		Status:     run.Status,
		ArchivedAt: a.now(),
		Verdict:    verdict,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding verdict: %w", err)
	}

	key := a.VerdictKey(run.RunID)

	a.log.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"bucket": a.cfg.Bucket,
		"key":    key,
	}).Debug("Archiving verdict")

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"run-id":     run.RunID,
			"risk-level": verdict.RiskLevel,
		},
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// FetchVerdict reads back an archived record.
func (a *S3Archiver) FetchVerdict(ctx context.Context, runID string) (*Record, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.VerdictKey(runID)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotArchived
		}

		return nil, fmt.Errorf("GetObject: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading archived verdict: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding archived verdict: %w", err)
	}

	return &rec, nil
}

// VerdictKey returns the object key of a run's verdict:
// <prefix>/runs/<run_id>/verdict.json.
func (a *S3Archiver) VerdictKey(runID string) string {
	return a.prefix() + "/runs/" + runID + "/" + verdictFile
}

func (a *S3Archiver) prefix() string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	return prefix
}
