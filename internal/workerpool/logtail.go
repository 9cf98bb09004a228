package workerpool

import (
	"fmt"
	"os"
)

// tailMaxBytes bounds how much of a worker's captured log the retry
// controller's classifier sees; classification only needs the last few
// lines, and a multi-gigabyte runaway log must not be read into memory.
const tailMaxBytes = 4096

// tailOf returns the last tailMaxBytes of logPath, falling back to
// waitErr's own message if the log can't be read.
func tailOf(logPath string, waitErr error) string {
	f, err := os.Open(logPath)
	if err != nil {
		return waitErr.Error()
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return waitErr.Error()
	}

	size := info.Size()
	offset := int64(0)
	if size > tailMaxBytes {
		offset = size - tailMaxBytes
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return waitErr.Error()
	}
	buf := make([]byte, size-offset)
	n, _ := f.Read(buf)
	if n == 0 {
		return waitErr.Error()
	}
	return fmt.Sprintf("%s: %s", waitErr.Error(), string(buf[:n]))
}
