// Package s3 implements the storage backend for S3-compatible object stores.
package s3

import (
	"bytes"
	"io"
	"io/ioutil"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/jonboulle/clockwork"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/storage"
)

const (
	// uploadTimeKey is the object metadata key recording the upstream
	// upload time. Object stores don't let us set the modification time
	// directly, so it lives in metadata instead.
	uploadTimeKey = "uploaded-at"

	lockPollInterval = 250 * time.Millisecond
)

func init() {
	storage.Register("s3", func(cfg config.StorageConfig) (storage.Backend, error) {
		awsConfig := &aws.Config{
			Region: aws.String(cfg.Region),
		}
		if cfg.Endpoint != "" {
			awsConfig.Endpoint = aws.String(cfg.Endpoint)
			awsConfig.S3ForcePathStyle = aws.Bool(true)
		}
		if cfg.AccessKey != "" {
			awsConfig.Credentials = credentials.NewStaticCredentials(
				cfg.AccessKey, cfg.SecretKey, "")
		}

		sess, err := session.NewSession(awsConfig)
		if err != nil {
			return nil, errors.WithContext(err, "create aws session")
		}
		return New(awss3.New(sess), cfg.Bucket, clockwork.NewRealClock()), nil
	})
}

// Backend stores the replica as objects in a single bucket. Replica-relative
// paths map directly to object keys.
type Backend struct {
	client s3iface.S3API
	bucket string
	clock  clockwork.Clock
}

// New returns an S3 backend over the given client and bucket.
func New(client s3iface.S3API, bucket string, clock clockwork.Clock) *Backend {
	return &Backend{client: client, bucket: bucket, clock: clock}
}

// Name implements storage.Backend.
func (b *Backend) Name() string {
	return "s3"
}

func isNotFound(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok {
		switch awsErr.Code() {
		case awss3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// Open implements storage.Backend.
func (b *Backend) Open(key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(&awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.FileNotFound{Path: key}
		}
		return nil, err
	}
	return out.Body, nil
}

// ReadFile implements storage.Backend.
func (b *Backend) ReadFile(key string) ([]byte, error) {
	body, err := b.Open(key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return ioutil.ReadAll(body)
}

// Rewrite implements storage.Backend. The content is buffered locally and
// only uploaded if the write callback succeeds; S3 object PUTs are atomic, so
// readers see either the old or the new object.
func (b *Backend) Rewrite(key string, write func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return err
	}
	return b.put(key, buf.Bytes(), nil)
}

func (b *Backend) put(key string, contents []byte, metadata map[string]*string) error {
	_, err := b.client.PutObject(&awss3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(contents),
		Metadata: metadata,
	})
	return err
}

// RewriteIfChanged implements storage.Backend.
func (b *Backend) RewriteIfChanged(key string, contents []byte) (bool, error) {
	if current, err := b.ReadFile(key); err == nil && bytes.Equal(current, contents) {
		return false, nil
	}
	if err := b.put(key, contents, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) head(key string) (*awss3.HeadObjectOutput, error) {
	return b.client.HeadObject(&awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
}

// Exists implements storage.Backend.
func (b *Backend) Exists(key string) bool {
	return b.IsFile(key) || b.IsDir(key)
}

// IsDir implements storage.Backend. A directory is any prefix with at least
// one object below it.
func (b *Backend) IsDir(key string) bool {
	out, err := b.client.ListObjectsV2(&awss3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(strings.TrimSuffix(key, "/") + "/"),
		MaxKeys: aws.Int64(1),
	})
	return err == nil && len(out.Contents) > 0
}

// IsFile implements storage.Backend.
func (b *Backend) IsFile(key string) bool {
	_, err := b.head(key)
	return err == nil
}

// Size implements storage.Backend.
func (b *Backend) Size(key string) (int64, error) {
	out, err := b.head(key)
	if err != nil {
		if isNotFound(err) {
			return 0, errors.FileNotFound{Path: key}
		}
		return 0, err
	}
	return aws.Int64Value(out.ContentLength), nil
}

// List implements storage.Backend.
func (b *Backend) List(key string) ([]string, error) {
	prefix := strings.TrimSuffix(key, "/") + "/"
	seen := map[string]bool{}
	var names []string

	input := &awss3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	err := b.client.ListObjectsV2Pages(input,
		func(out *awss3.ListObjectsV2Output, _ bool) bool {
			for _, commonPrefix := range out.CommonPrefixes {
				name := strings.TrimSuffix(
					strings.TrimPrefix(aws.StringValue(commonPrefix.Prefix), prefix), "/")
				if name != "" && !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
			for _, object := range out.Contents {
				name := strings.TrimPrefix(aws.StringValue(object.Key), prefix)
				if name != "" && !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
			return true
		})
	if err != nil {
		return nil, err
	}

	sort.Strings(names)
	return names, nil
}

// Walk implements storage.Backend.
func (b *Backend) Walk(root string, fn storage.WalkFunc) error {
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(strings.TrimSuffix(root, "/") + "/"),
	}

	var walkErr error
	err := b.client.ListObjectsV2Pages(input,
		func(out *awss3.ListObjectsV2Output, _ bool) bool {
			for _, object := range out.Contents {
				key := aws.StringValue(object.Key)
				if strings.HasSuffix(key, "/") {
					// Directory marker.
					continue
				}
				if walkErr = fn(key, aws.Int64Value(object.Size)); walkErr != nil {
					return false
				}
			}
			return true
		})
	if err != nil {
		return err
	}
	return walkErr
}

// Mkdir implements storage.Backend. S3 has no real directories; an empty
// marker object keeps List and IsDir consistent with the filesystem backend.
func (b *Backend) Mkdir(key string) error {
	return b.put(strings.TrimSuffix(key, "/")+"/", nil, nil)
}

// Copy implements storage.Backend.
func (b *Backend) Copy(src, dst string) error {
	_, err := b.client.CopyObject(&awss3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(path.Join(b.bucket, src)),
		Key:        aws.String(dst),
	})
	return err
}

// Move implements storage.Backend.
func (b *Backend) Move(src, dst string) error {
	if err := b.Copy(src, dst); err != nil {
		return errors.WithContext(err, "copy")
	}
	return b.Delete(src)
}

// Link implements storage.Backend. Object stores have no symlinks, so the
// alias is a full copy.
func (b *Backend) Link(target, name string) error {
	return b.Copy(target, name)
}

// Delete implements storage.Backend.
func (b *Backend) Delete(key string) error {
	_, err := b.client.DeleteObject(&awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// DeleteAll implements storage.Backend.
func (b *Backend) DeleteAll(key string) error {
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(strings.TrimSuffix(key, "/") + "/"),
	}

	var deleteErr error
	err := b.client.ListObjectsV2Pages(input,
		func(out *awss3.ListObjectsV2Output, _ bool) bool {
			var objects []*awss3.ObjectIdentifier
			for _, object := range out.Contents {
				objects = append(objects, &awss3.ObjectIdentifier{Key: object.Key})
			}
			if len(objects) == 0 {
				return true
			}

			_, deleteErr = b.client.DeleteObjects(&awss3.DeleteObjectsInput{
				Bucket: aws.String(b.bucket),
				Delete: &awss3.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			return deleteErr == nil
		})
	if err != nil {
		return err
	}
	if deleteErr != nil {
		return deleteErr
	}
	// The key itself may be a plain object rather than a prefix.
	return b.Delete(key)
}

// UploadTime implements storage.Backend.
func (b *Backend) UploadTime(key string) (time.Time, error) {
	out, err := b.head(key)
	if err != nil {
		if isNotFound(err) {
			return time.Time{}, errors.FileNotFound{Path: key}
		}
		return time.Time{}, err
	}

	if stamp, ok := out.Metadata[uploadTimeKey]; ok {
		if t, err := time.Parse(time.RFC3339, aws.StringValue(stamp)); err == nil {
			return t, nil
		}
	}
	return aws.TimeValue(out.LastModified), nil
}

// SetUploadTime implements storage.Backend by copying the object onto itself
// with replaced metadata.
func (b *Backend) SetUploadTime(key string, t time.Time) error {
	_, err := b.client.CopyObject(&awss3.CopyObjectInput{
		Bucket:            aws.String(b.bucket),
		CopySource:        aws.String(path.Join(b.bucket, key)),
		Key:               aws.String(key),
		MetadataDirective: aws.String(awss3.MetadataDirectiveReplace),
		Metadata: map[string]*string{
			uploadTimeKey: aws.String(t.Format(time.RFC3339)),
		},
	})
	return err
}

// Lock implements storage.Backend with an existence-marker object. S3 offers
// no compare-and-swap on this SDK version, so the check-then-put is best
// effort; the engine only ever takes this lock once per process at startup.
func (b *Backend) Lock(key string, timeout time.Duration) (func(), error) {
	deadline := b.clock.Now().Add(timeout)
	for {
		if !b.IsFile(key) {
			if err := b.put(key, []byte(time.Now().UTC().Format(time.RFC3339)), nil); err != nil {
				return nil, errors.WithContext(err, "write lock marker")
			}
			return func() { b.Delete(key) }, nil
		}

		if !b.clock.Now().Before(deadline) {
			return nil, errors.LockHeld{Path: key}
		}
		b.clock.Sleep(lockPollInterval)
	}
}
