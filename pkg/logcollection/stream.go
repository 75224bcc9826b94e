package logcollection

import (
	"bufio"
	"io"
)

// MaxLineLength is the longest line ScanLines accepts
const MaxLineLength = 1024 * 1024

// ScanLines calls fn for every line of stream until EOF.
// A line longer than MaxLineLength ends the scan with bufio.ErrTooLong.
func ScanLines(stream io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineLength)

	for scanner.Scan() {
		fn(scanner.Text())
	}
	return scanner.Err()
}
