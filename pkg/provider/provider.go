// Package provider defines the storage abstraction that checkpoint markers are
// persisted through.
//
// A provider is a flat key space (a local directory or an object store bucket).
// The checkpoint store only needs to list keys under a prefix, create objects
// and read them back; everything else is an optional capability discovered by
// type assertion.
package provider

import (
	"context"
	"time"
)

// Provider abstracts listing for a marker location.
//
// Implementations should:
//   - Use SDK default credential chains for cloud backends
//   - Support pagination via continuation tokens
//   - Never expose partially written objects to List
type Provider interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	// Empty string lists all objects.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses provider default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderFile represents a local (or network mounted) directory.
	ProviderFile ProviderType = "file"

	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// ParseProviderType validates a configured provider name.
func ParseProviderType(s string) (ProviderType, bool) {
	switch ProviderType(s) {
	case ProviderFile, ProviderS3:
		return ProviderType(s), true
	default:
		return "", false
	}
}
