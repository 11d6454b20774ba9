package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/tee-biometric-signer/interfaces"
)

// NewFromURI creates a record store from a location URI.
//
// Supported schemes:
//   - file:///absolute/path or file://./relative/path
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=URL
//
// Query parameters the store does not know are ignored, so a URI can carry
// settings meant for the layer above it.
func NewFromURI(locationURI string, log *slog.Logger) (interfaces.RecordStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return createFileStore(u, log)
	case "s3":
		return createS3Store(u, log)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// NewFromURIs creates one store per URI, mirrored when there is more than
// one. Unlike a best-effort read path, every URI must be valid.
func NewFromURIs(locationURIs []string, log *slog.Logger) (interfaces.RecordStore, error) {
	if len(locationURIs) == 0 {
		return nil, fmt.Errorf("%w: no store locations", interfaces.ErrInvalidLocationURI)
	}

	stores := make([]interfaces.RecordStore, 0, len(locationURIs))
	for _, uri := range locationURIs {
		store, err := NewFromURI(uri, log)
		if err != nil {
			return nil, err
		}
		stores = append(stores, store)
	}

	if len(stores) == 1 {
		return stores[0], nil
	}
	return NewMultiStore(stores, log), nil
}

func createFileStore(u *url.URL, log *slog.Logger) (interfaces.RecordStore, error) {
	log.Debug("Creating file store", slog.String("uri", u.Redacted()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" || path == "/" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, u.Redacted())
	}

	return NewFileStore(path, log)
}

func createS3Store(u *url.URL, log *slog.Logger) (interfaces.RecordStore, error) {
	log.Debug("Creating S3 store", slog.String("uri", u.Redacted()))

	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, u.Redacted())
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Store(bucketName, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, log)
}
