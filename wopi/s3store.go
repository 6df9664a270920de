package wopi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

type S3Options struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
	DisableHTTPS    bool
	HTTPClient      *http.Client
}

// S3Client creates a client for the document bucket. A custom endpoint
// switches the client to path-style addressing so that MinIO and other
// S3-compatible stores work.
func S3Client(
	ctx context.Context, opts S3Options,
) (*s3.Client, error) {
	var (
		options   []func(*config.LoadOptions) error
		s3Options []func(*s3.Options)
	)

	if opts.Endpoint != "" {
		//nolint: staticcheck
		customResolver := aws.EndpointResolverWithOptionsFunc(func(
			service, region string, _ ...interface{},
		) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					PartitionID:   "aws",
					URL:           opts.Endpoint,
					SigningRegion: region,
				}, nil
			}

			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})

		//nolint: staticcheck
		options = append(options,
			config.WithEndpointResolverWithOptions(customResolver),
			config.WithRegion("auto"),
		)

		s3Options = append(s3Options, func(o *s3.Options) {
			o.EndpointOptions.DisableHTTPS = opts.DisableHTTPS
			o.UsePathStyle = true
		})
	}

	if opts.AccessKeyID != "" {
		creds := credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.AccessKeySecret, "")

		options = append(options,
			config.WithCredentialsProvider(creds))
	}

	if opts.HTTPClient != nil {
		options = append(options, config.WithHTTPClient(opts.HTTPClient))
	}

	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	client := s3.NewFromConfig(cfg, s3Options...)

	return client, nil
}

const (
	s3MetaName     = "doc-name"
	s3MetaOwner    = "doc-owner"
	s3MetaRevision = "doc-revision"
)

// S3DocStore keeps document content as bucket objects and document
// metadata as object metadata. One object per document, keyed by the
// document ID.
type S3DocStore struct {
	client *s3.Client
	bucket string
}

func NewS3DocStore(client *s3.Client, bucket string) *S3DocStore {
	return &S3DocStore{
		client: client,
		bucket: bucket,
	}
}

func (s *S3DocStore) Get(ctx context.Context, fileID string) (*Document, error) {
	res, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fileID),
	})
	if err != nil {
		return nil, s.objErr(fileID, err)
	}

	defer res.Body.Close()

	content, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}

	return docFromObject(fileID, content, res.Metadata, res.LastModified), nil
}

func (s *S3DocStore) Put(
	ctx context.Context, fileID string, content []byte,
) (*Document, error) {
	doc, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	return s.write(ctx, fileID, doc.Name, content, doc.Owner,
		nextRevision(doc.Version))
}

func (s *S3DocStore) Create(
	ctx context.Context, name string, content []byte, owner string,
) (*Document, error) {
	if name == "" {
		return nil, DocStoreErrorf(ErrCodeBadRequest,
			"documents must have a name")
	}

	return s.write(ctx, uuid.NewString(), name, content, owner, 1)
}

func (s *S3DocStore) Rename(
	ctx context.Context, fileID string, name string,
) (*Document, error) {
	if name == "" {
		return nil, DocStoreErrorf(ErrCodeBadRequest,
			"documents must have a name")
	}

	doc, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	revision := nextRevision(doc.Version)

	// Metadata can only be replaced through a copy, but the copy is
	// server side so the content bytes never move.
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(fileID),
		CopySource:        aws.String(s.bucket + "/" + fileID),
		MetadataDirective: "REPLACE",
		Metadata: map[string]string{
			s3MetaName:     name,
			s3MetaOwner:    doc.Owner,
			s3MetaRevision: strconv.FormatInt(revision, 10),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("replace object metadata: %w", err)
	}

	doc.Name = name
	doc.Version = strconv.FormatInt(revision, 10)
	doc.Modified = time.Now()

	return doc, nil
}

func (s *S3DocStore) write(
	ctx context.Context, fileID string, name string,
	content []byte, owner string, revision int64,
) (*Document, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fileID),
		Body:   bytes.NewReader(content),
		Metadata: map[string]string{
			s3MetaName:     name,
			s3MetaOwner:    owner,
			s3MetaRevision: strconv.FormatInt(revision, 10),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	now := time.Now()

	return &Document{
		ID:       fileID,
		Name:     name,
		Content:  content,
		Size:     int64(len(content)),
		Version:  strconv.FormatInt(revision, 10),
		Modified: now,
		Owner:    owner,
	}, nil
}

func (s *S3DocStore) objErr(fileID string, err error) error {
	var ae smithy.APIError

	// See https://docs.aws.amazon.com/AmazonS3/latest/API/ErrorResponses.html#ErrorCodeList
	if errors.As(err, &ae) && ae.ErrorCode() == "NoSuchKey" {
		return DocStoreErrorf(ErrCodeNotFound,
			"document %s doesn't exist", fileID)
	}

	return fmt.Errorf("get object: %w", err)
}

func docFromObject(
	fileID string, content []byte,
	metadata map[string]string, lastModified *time.Time,
) *Document {
	doc := Document{
		ID:      fileID,
		Name:    metadata[s3MetaName],
		Content: content,
		Size:    int64(len(content)),
		Version: metadata[s3MetaRevision],
		Owner:   metadata[s3MetaOwner],
	}

	if doc.Name == "" {
		doc.Name = fileID
	}

	if doc.Version == "" {
		doc.Version = "1"
	}

	if lastModified != nil {
		doc.Modified = *lastModified
	}

	return &doc
}

func nextRevision(version string) int64 {
	rev, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return 1
	}

	return rev + 1
}

// Interface guard.
var _ DocStore = &S3DocStore{}
