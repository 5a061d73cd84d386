// Package s3 wraps the object-store operations the watchers and the load
// engine need: prefix listing, leaf-directory enumeration, object
// read/write/delete/move, and the COPY-manifest upload.
package s3

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// Store is the slice of object-store behavior the rest of the system
// consumes. *Client implements it against S3; tests implement it in
// memory.
type Store interface {
	Bucket() string

	// ListDirectories enumerates leaf directories: prefixes that contain
	// objects but no sub-prefixes.
	ListDirectories(ctx context.Context) ([]string, error)

	// ListKeys returns every object key under prefix, in listing order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte) error
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Client is the aws-sdk-go backed Store.
type Client struct {
	api    s3iface.S3API
	bucket string
}

// New builds a Client for bucket using the default credential chain.
// Region comes from AWS_REGION/AWS_DEFAULT_REGION with an eu-west-1
// fallback; BLUESHIFT_S3_ENDPOINT overrides the endpoint (with path-style
// addressing) for S3-compatible stores.
func New(bucket string) (*Client, error) {
	cfg := aws.NewConfig().WithRegion(resolveRegion())
	if ep := os.Getenv("BLUESHIFT_S3_ENDPOINT"); ep != "" {
		cfg = cfg.WithEndpoint(ep).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating aws session")
	}
	return &Client{api: s3.New(sess), bucket: bucket}, nil
}

// NewWithAPI builds a Client over an existing API handle.
func NewWithAPI(api s3iface.S3API, bucket string) *Client {
	return &Client{api: api, bucket: bucket}
}

func resolveRegion() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	if r := os.Getenv("AWS_DEFAULT_REGION"); r != "" {
		return r
	}
	return "eu-west-1"
}

// Bucket returns the bucket this client is bound to.
func (c *Client) Bucket() string { return c.bucket }

// ListDirectories walks the bucket's prefix tree with "/" delimiter
// listings and returns the leaves: prefixes with no child prefixes.
func (c *Client) ListDirectories(ctx context.Context) ([]string, error) {
	var leaves []string
	queue := []string{""}
	for len(queue) > 0 {
		prefix := queue[0]
		queue = queue[1:]

		children, hasObjects, err := c.listLevel(ctx, prefix)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			if prefix != "" && hasObjects {
				leaves = append(leaves, prefix)
			}
			continue
		}
		queue = append(queue, children...)
	}
	return leaves, nil
}

// listLevel lists one delimiter level, returning child prefixes and
// whether the level holds objects directly.
func (c *Client) listLevel(ctx context.Context, prefix string) (children []string, hasObjects bool, err error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	err = c.api.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, cp := range page.CommonPrefixes {
			children = append(children, aws.StringValue(cp.Prefix))
		}
		if len(page.Contents) > 0 {
			hasObjects = true
		}
		return true
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "listing prefix %q", prefix)
	}
	return children, hasObjects, nil
}

// ListKeys returns every key under prefix in the order the store lists
// them.
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	err := c.api.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing keys under %q", prefix)
	}
	return keys, nil
}

// Get reads one object fully.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting s3://%s/%s", c.bucket, key)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading s3://%s/%s", c.bucket, key)
	}
	return body, nil
}

// Put writes one object.
func (c *Client) Put(ctx context.Context, key string, body []byte) error {
	_, err := c.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	return errors.Wrapf(err, "putting s3://%s/%s", c.bucket, key)
}

// Delete removes one object.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return errors.Wrapf(err, "deleting s3://%s/%s", c.bucket, key)
}

// Copy duplicates srcKey to dstKey within the bucket.
func (c *Client) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := c.api.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		CopySource: aws.String(c.bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	return errors.Wrapf(err, "copying s3://%s/%s to %s", c.bucket, srcKey, dstKey)
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey, "NotFound":
				return false, nil
			}
		}
		return false, errors.Wrapf(err, "heading s3://%s/%s", c.bucket, key)
	}
	return true, nil
}

// URL renders an s3:// URL for a key in this bucket.
func (c *Client) URL(key string) string {
	return URL(c.bucket, key)
}

// URL renders an s3:// URL.
func URL(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

var _ Store = (*Client)(nil)
