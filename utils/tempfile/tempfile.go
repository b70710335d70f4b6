// Package tempfile creates the spool files blob writes and chunked uploads
// stage their bytes into before an atomic rename makes them visible under
// their final, content-addressed name.
package tempfile

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"time"
)

// Creator maintains the state of a pseudo-random number generator
// used to create temp files.
type Creator struct {
	mu   sync.Mutex
	idum uint32 // Pseudo-random number generator state.
}

// NewCreator returns a new Creator, for creating temp files.
func NewCreator() *Creator {
	return &Creator{idum: uint32(time.Now().UnixNano())}
}

// Fast "quick and dirty" linear congruential (pseudo-random) number
// generator from Numerical Recipes. Excerpt here:
// https://www.unf.edu/~cwinton/html/cop4300/s09/class.notes/LCGinfo.pdf
// This is the same algorithm as used in the old ioutil.TempFile go standard
// library function.
func (c *Creator) ranqd1() string {
	c.mu.Lock()
	c.idum = c.idum*1664525 + 1013904223
	r := c.idum
	c.mu.Unlock()
	return strconv.Itoa(int(1e9 + r%1e9))[1:]
}

const flags = os.O_RDWR | os.O_CREATE | os.O_EXCL

// FinalMode is the permissions of a blob file once its write has committed.
const FinalMode = 0664

// wipMode is used while a blob is still being spooled. The setgid bit marks
// the file as incomplete; a startup sweep removes anything still bearing it.
const wipMode = FinalMode | os.ModeSetgid

var errNoTempfile = errors.New("failed to create a temp file")

// Create attempts to create a file whose name is of the form
// <base>-<randomstring>, with the setgid bit set to mark it incomplete.
// The *os.File is returned along with the random suffix used, and an error
// if something went wrong.
//
// Once the caller has finished writing, the file should be chmod'ed to
// FinalMode and renamed to its final, extension-free name to mark it
// complete and atomically publish it.
func (c *Creator) Create(base string) (*os.File, string, error) {
	var err error
	var f *os.File
	var name string
	var random string

	for i := 0; i < 10000; i++ {
		random = c.ranqd1()
		name = base + "-" + random

		f, err = os.OpenFile(name, flags, wipMode)
		if err == nil {
			return f, random, nil
		}
		if os.IsExist(err) {
			// Tempfile collision. Try again.
			continue
		}

		// Unexpected error.
		return nil, "", err
	}
	return nil, "", errNoTempfile
}
