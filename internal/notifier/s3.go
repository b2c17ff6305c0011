package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the outbox bucket.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
	From      string
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Outbox drops each rendered message into a bucket for a downstream relay to pick up.
// The object key is derived from the recipient, so a retried put overwrites rather than duplicates.
type S3Outbox struct {
	client objectPutter
	bucket string
	prefix string
	from   string
	now    func() time.Time
}

// NewS3Outbox loads AWS credentials from the default chain.
func NewS3Outbox(ctx context.Context, cfg S3Config) (*S3Outbox, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 outbox: bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Outbox(client, cfg), nil
}

func newS3Outbox(client objectPutter, cfg S3Config) *S3Outbox {
	return &S3Outbox{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, from: cfg.From, now: time.Now}
}

func (o *S3Outbox) objectKey(msg Message) string {
	return path.Join(o.prefix, msg.AnnouncementID, msg.RecipientID+".eml")
}

func (o *S3Outbox) Send(ctx context.Context, msg Message) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(o.objectKey(msg)),
		Body:        bytes.NewReader(composeMail(o.from, msg, o.now())),
		ContentType: aws.String("message/rfc822"),
		Metadata: map[string]string{
			"announcement-id": msg.AnnouncementID,
			"recipient-id":    msg.RecipientID,
			"channel":         msg.Channel,
		},
	})
	if err == nil {
		return nil
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		if cerr := ClassifyStatus("s3", re.HTTPStatusCode(), "put object rejected"); cerr != nil {
			return cerr
		}
	}
	return fmt.Errorf("put object: %w", err)
}
