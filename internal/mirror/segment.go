package mirror

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"
)

// maxSegmentBytes is the rotation size threshold, fixed here as part of
// the on-disk format.
const maxSegmentBytes = 8 * 1024 * 1024

// segmentRelPath returns the repo-relative path for the segment covering
// ts: segments/<repoId>/<YYYY>/<MM>/<DD>/<bucket>.jsonl.
func segmentRelPath(repoID string, ts time.Time) string {
	ts = ts.UTC()
	bucket := fmt.Sprintf("%02d", ts.Hour()/6) // 6-hour buckets within a day
	return filepath.Join("segments", repoID,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		bucket+".jsonl")
}

func segmentAbsPath(root, relPath string) string {
	return filepath.Join(root, relPath)
}

// openSegmentForAppend opens (creating parent dirs as needed) the segment
// file for appending, after first repairing any torn tail left by a
// previous crash.
func openSegmentForAppend(root, relPath string) (*os.File, error) {
	abs := segmentAbsPath(root, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return nil, fmt.Errorf("mirror: mkdir for segment: %w", err)
	}
	if err := repairTornTail(abs); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("mirror: open segment %s: %w", abs, err)
	}
	return f, nil
}

// repairTornTail detects a partial last line (no trailing newline, or a
// trailing line that fails to parse as a complete JSON object) and
// truncates the file to the last valid newline-terminated line: the
// tail is truncated to the last valid newline-terminated envelope
// before accepting new writes.
func repairTornTail(abs string) error {
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("mirror: stat segment %s: %w", abs, err)
	}
	if info.Size() == 0 {
		return nil
	}

	f, err := os.OpenFile(abs, os.O_RDWR, 0o640) // #nosec G304
	if err != nil {
		return fmt.Errorf("mirror: open segment for repair %s: %w", abs, err)
	}
	defer func() { _ = f.Close() }()

	validEnd, err := lastValidLineEnd(f)
	if err != nil {
		return fmt.Errorf("mirror: scan segment %s: %w", abs, err)
	}
	if validEnd == info.Size() {
		return nil
	}
	if err := f.Truncate(validEnd); err != nil {
		return fmt.Errorf("mirror: truncate torn tail of %s: %w", abs, err)
	}
	return nil
}

// lastValidLineEnd scans f line by line and returns the byte offset
// immediately after the last line that both ends in '\n' and round-trips
// through the line checksum, i.e. the offset to truncate to.
func lastValidLineEnd(f *os.File) (int64, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	reader := bufio.NewReader(f)
	var offset int64
	var validEnd int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			if lineLooksValid(line[:len(line)-1]) {
				offset += int64(len(line))
				validEnd = offset
			} else {
				break
			}
		} else {
			// no trailing newline: torn tail, stop here regardless of err
			break
		}
		if err != nil {
			break
		}
	}
	return validEnd, nil
}

// lineLooksValid does a cheap structural check: a segment line is a JSON
// object, so the first and last non-whitespace bytes must be braces.
func lineLooksValid(line []byte) bool {
	trimmed := trimSpaceBytes(line)
	if len(trimmed) < 2 {
		return false
	}
	return trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}'
}

func trimSpaceBytes(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}

// lineChecksum computes the CRC32 (IEEE) of a canonical JSON line,
// excluding the trailing newline.
func lineChecksum(line []byte) uint32 {
	return crc32.ChecksumIEEE(line)
}

func shouldRotate(root, relPath string) (bool, error) {
	abs := segmentAbsPath(root, relPath)
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Size() >= maxSegmentBytes, nil
}
