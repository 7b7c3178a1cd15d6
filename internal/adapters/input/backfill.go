package input

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
)

// backfill scans src backward from size in blockSize chunks, reading at most
// maxChunks chunks, and returns up to n of the trailing complete lines (oldest
// first) along with the offset just past the last line terminator. Bytes after
// that offset belong to a line that is still being written.
//
// The scan stops once more than n terminators are buffered (so the earliest
// returned line is known to start on a boundary) or offset 0 is reached.
func backfill(src io.ReaderAt, size int64, n, blockSize, maxChunks int) ([][]byte, int64, error) {
	if n <= 0 || size <= 0 {
		return nil, size, nil
	}

	pos := size
	var chunks [][]byte
	terminators := 0
	for pos > 0 && len(chunks) < maxChunks {
		step := int64(blockSize)
		if step > pos {
			step = pos
		}
		pos -= step

		chunk := make([]byte, step)
		read, err := src.ReadAt(chunk, pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, size, errors.Wrapf(err, "read backfill chunk at %d", pos)
		}
		chunk = chunk[:read]

		chunks = append(chunks, chunk)
		terminators += bytes.Count(chunk, newline)
		if terminators > n {
			break
		}
	}

	buf := joinReversed(chunks)
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		if pos == 0 {
			// The whole file is one unterminated line.
			return nil, 0, nil
		}
		return nil, size, nil
	}
	end := pos + int64(last) + 1

	lines := bytes.Split(buf[:last], newline)
	if pos > 0 {
		// The scan stopped mid-file so the first fragment may lack its head.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, end, nil
}

var newline = []byte{'\n'}

func joinReversed(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for i := len(chunks) - 1; i >= 0; i-- {
		buf = append(buf, chunks[i]...)
	}
	return buf
}
