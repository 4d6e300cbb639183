package util

import (
	"bufio"
	"bytes"
	"io"
)

// Count counts the non empty lines of r, which is the number of items
// Exhaust yields for the same input.
func Count(r io.Reader) (int64, error) {
	var n int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
