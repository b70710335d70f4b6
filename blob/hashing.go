package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"regexp"

	"github.com/oxicloud/storage-core/storageerr"
)

const hashHexSize = sha256.Size * 2 // two hex characters per byte

// EmptyHash is the SHA-256 hash of zero bytes.
const EmptyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

var hashRegex = regexp.MustCompile("^[a-f0-9]{64}$")

// HashBytes returns the lowercase hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the lowercase hex SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", storageerr.Wrap(storageerr.InternalError, "open file for hashing", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", storageerr.Wrap(storageerr.InternalError, "read file for hashing", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidateHash reports whether value looks like a well-formed SHA-256 hex
// digest.
func ValidateHash(value string) error {
	if len(value) != hashHexSize || !hashRegex.MatchString(value) {
		return storageerr.New(storageerr.InvalidInput, "malformed sha256 hash: "+value)
	}
	return nil
}
