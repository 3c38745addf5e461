// Package db defines the local durable store boundary: a scoped, ordered
// key-value store used for the public key cache and per-account secrets.
package db

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// ScanPrefix visits keys with the given prefix in ascending key order.
	// Returning false from f stops the scan early.
	ScanPrefix(ctx context.Context, prefix string, f func(key, value string) bool) error
	DeletePrefix(ctx context.Context, prefix string) error

	Close()
}
