// Package testutils collects small test fixtures shared across this
// module's package tests.
package testutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/oxicloud/storage-core/storageerr"
)

// RandomDataAndHash creates a random blob of the specified size, and
// returns that blob along with its sha256 hash.
func RandomDataAndHash(size int64) ([]byte, string) {
	data := make([]byte, size)

	for i := 0; i < 3; i++ {
		// Not expected to fail; retried a few times to satisfy linters
		// that want the error checked.
		_, err := rand.Read(data)
		if err == nil {
			break
		}
	}

	hash := sha256.Sum256(data)
	return data, hex.EncodeToString(hash[:])
}

// NewSilentLogger returns a cheap logger that doesn't print anything,
// useful for tests that want to assert on behavior without polluting
// test output with expected warnings (e.g. trash-move-failure fallback).
func NewSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// AssertEquals fails the test if expected and actual values are not equal.
// It works with any comparable type.
func AssertEquals[T comparable](t *testing.T, expected T, actual T) {
	t.Helper()
	if expected != actual {
		t.Fatalf("Expected %v, but got %v.", expected, actual)
	}
}

// AssertKind asserts that err is a *storageerr.Error of the expected Kind.
func AssertKind(t *testing.T, err error, expected storageerr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected failure of kind %s, got no error", expected)
	}
	var serr *storageerr.Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *storageerr.Error, got %T (%v)", err, err)
	}
	if serr.Kind != expected {
		t.Fatalf("expected kind %s, got %s", expected, serr.Kind)
	}
}
