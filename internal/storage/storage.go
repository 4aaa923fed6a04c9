// Package storage is the object-store boundary. Photo bytes never pass
// through this server: clients PUT and GET directly against short-lived
// presigned URLs minted here.
package storage

import (
	"context"
	"time"
)

// ObjectStore issues time-boxed capability URLs for a single object each.
type ObjectStore interface {
	// PresignPut returns a URL allowing one direct upload of objectPath
	// with the given content type, valid for ttl.
	PresignPut(ctx context.Context, objectPath, contentType string, ttl time.Duration) (string, error)
	// PresignGet returns a URL allowing direct reads of objectPath for ttl.
	PresignGet(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
	// Remove deletes the object.
	Remove(ctx context.Context, objectPath string) error
}
