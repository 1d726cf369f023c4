package confluence

import (
	"os"
	"testing"
)

// pipePair returns a connected read/write pipe pair, failing the test on error.
func pipePair(t *testing.T) (*os.File, *os.File, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	return r, w, nil
}
