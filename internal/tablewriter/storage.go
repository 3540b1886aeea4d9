// Package tablewriter implements the Table Writer: it
// projects a flushed Batch onto its destination's schema, encodes it to
// gzip-compressed JSON-Lines data files (row-oriented, not a columnar
// format), and commits them to a Delta-Lake-style
// transaction log on S3-compatible storage under the table format's
// optimistic-concurrency protocol.
package tablewriter

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/tablesink/connector/internal/classify"
)

// StorageConfig configures the S3-compatible object store connection,
// carrying a custom endpoint and path-style addressing for on-prem
// stores in addition to the usual region/credential fields.
type StorageConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	PathStyle       bool
}

// Storage is the key/value blob-store collaborator:
// putObject/getObject/listObjectsV2/headBucket/deleteObject, covering
// both upload and the read/list/delete operations compaction and
// retention need.
type Storage struct {
	uploader *s3manager.Uploader
	client   *s3.S3
}

// NewStorage builds a Storage from cfg, applying a custom endpoint and
// path-style addressing when cfg.Endpoint is set.
func NewStorage(cfg StorageConfig) (*Storage, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(cfg.PathStyle)
	}
	awsCfg = awsCfg.WithCredentialsChainVerboseErrors(true)

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}

	return &Storage{
		uploader: s3manager.NewUploader(sess),
		client:   s3.New(sess),
	}, nil
}

// KeyURI renders the s3:// URI for a bucket/key pair.
func KeyURI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// PutObject uploads body under bucket/key. Failures are wrapped
// Retriable: object-store I/O is expected to be transient.
func (s *Storage) PutObject(bucket, key string, body []byte, contentType string) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return classify.Retriablef(classify.CategoryIO, "s3 PutObject "+bucket+"/"+key, err)
	}
	return nil
}

// GetObject downloads bucket/key in full, used by the Maintenance
// Scheduler's compaction job to read small files before rewriting them.
func (s *Storage) GetObject(bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify.Retriablef(classify.CategoryIO, "s3 GetObject "+bucket+"/"+key, err)
	}
	defer out.Body.Close()
	data, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return nil, classify.Retriablef(classify.CategoryIO, "s3 GetObject read "+bucket+"/"+key, err)
	}
	return data, nil
}

// ListObjectsV2 lists every key under bucket/prefix, used by vacuum to
// discover unreferenced data files.
func (s *Storage) ListObjectsV2(bucket, prefix string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, classify.Retriablef(classify.CategoryIO, "s3 ListObjectsV2 "+bucket+"/"+prefix, err)
	}
	return keys, nil
}

// HeadBucket checks that bucket exists and is reachable.
func (s *Storage) HeadBucket(bucket string) error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return classify.Retriablef(classify.CategoryIO, "s3 HeadBucket "+bucket, err)
	}
	return nil
}

// DeleteObject removes bucket/key, used by vacuum once a file is
// confirmed unreferenced.
func (s *Storage) DeleteObject(bucket, key string) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify.Retriablef(classify.CategoryIO, "s3 DeleteObject "+bucket+"/"+key, err)
	}
	return nil
}

// StatObject returns bucket/key's last-modified time, used by vacuum to
// honor the retention window for orphaned files.
func (s *Storage) StatObject(bucket, key string) (time.Time, error) {
	out, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return time.Time{}, classify.Retriablef(classify.CategoryIO, "s3 HeadObject "+bucket+"/"+key, err)
	}
	if out.LastModified == nil {
		return time.Time{}, fmt.Errorf("s3 HeadObject %s/%s: missing LastModified", bucket, key)
	}
	return *out.LastModified, nil
}
