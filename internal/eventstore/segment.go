package eventstore

import (
	"compress/gzip"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Record layout, bit-exact:
//
//	[length: 4-byte big-endian][hmac: 32 bytes][payload: length bytes]
//
// The HMAC is SHA-256 over the payload keyed by the store secret. It
// authenticates the record, not merely its integrity: a reader without the
// secret cannot forge records, and tampered or truncated records are skipped
// on replay.
const (
	recordLenBytes  = 4
	recordHMACBytes = sha256.Size
	recordHeader    = recordLenBytes + recordHMACBytes
)

// segmentName renders "events_NNNNNN.log" for a 0-based segment number.
func segmentName(n int) string {
	return fmt.Sprintf("events_%06d.log", n)
}

// writeRecord frames and writes one payload. Returns bytes written.
func writeRecord(w io.Writer, secret, payload []byte) (int, error) {
	var header [recordHeader]byte
	binary.BigEndian.PutUint32(header[:recordLenBytes], uint32(len(payload)))
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	copy(header[recordLenBytes:], mac.Sum(nil))
	if _, err := w.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return recordHeader + len(payload), nil
}

// errBadRecord marks a record that failed HMAC or framing checks; scanners
// skip it and continue.
var errBadRecord = errors.New("eventstore: record failed authentication")

// readRecord reads and authenticates one record. io.EOF means a clean end of
// segment; errBadRecord means the record is tampered or truncated.
func readRecord(r io.Reader, secret []byte) ([]byte, error) {
	var header [recordHeader]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		// Partial header: truncated tail.
		return nil, errBadRecord
	}
	length := binary.BigEndian.Uint32(header[:recordLenBytes])
	if length == 0 || length > MaxEventBytes {
		return nil, errBadRecord
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errBadRecord
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), header[recordLenBytes:]) {
		return nil, errBadRecord
	}
	return payload, nil
}

// segmentWriter owns the active segment file.
type segmentWriter struct {
	dir      string
	secret   []byte
	sync     string // fsync | fdatasync | batch
	maxBytes int64

	num  int
	file *os.File
	size int64
}

func newSegmentWriter(dir string, secret []byte, syncPolicy string, maxBytes int64, startNum int) (*segmentWriter, error) {
	sw := &segmentWriter{
		dir:      dir,
		secret:   secret,
		sync:     syncPolicy,
		maxBytes: maxBytes,
		num:      startNum,
	}
	if err := sw.open(); err != nil {
		return nil, err
	}
	return sw, nil
}

func (sw *segmentWriter) open() error {
	path := filepath.Join(sw.dir, segmentName(sw.num))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return wrapError(KindIO, err, "open segment %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return wrapError(KindIO, err, "stat segment %s", path)
	}
	sw.file = f
	sw.size = info.Size()
	return nil
}

// append writes one framed payload, rolling the segment first if it would
// exceed the size cap. Returns bytes written.
func (sw *segmentWriter) append(payload []byte) (int, error) {
	if sw.size > 0 && sw.size+int64(recordHeader+len(payload)) > sw.maxBytes {
		if err := sw.roll(); err != nil {
			return 0, err
		}
	}
	n, err := writeRecord(sw.file, sw.secret, payload)
	if err != nil {
		return 0, wrapError(KindIO, err, "write record")
	}
	sw.size += int64(n)
	return n, nil
}

// syncNow applies the configured durability policy.
func (sw *segmentWriter) syncNow() error {
	switch sw.sync {
	case "batch":
		return nil
	case "fdatasync":
		if err := unix.Fdatasync(int(sw.file.Fd())); err != nil {
			return wrapError(KindIO, err, "fdatasync segment")
		}
		return nil
	default:
		if err := sw.file.Sync(); err != nil {
			return wrapError(KindIO, err, "sync segment")
		}
		return nil
	}
}

// roll closes the active segment, gzip-compresses it in place, and opens the
// next one.
func (sw *segmentWriter) roll() error {
	path := filepath.Join(sw.dir, segmentName(sw.num))
	if err := sw.file.Sync(); err != nil {
		return wrapError(KindIO, err, "sync before roll")
	}
	if err := sw.file.Close(); err != nil {
		return wrapError(KindIO, err, "close before roll")
	}
	if err := compressSegment(path); err != nil {
		return err
	}
	sw.num++
	return sw.open()
}

func (sw *segmentWriter) close() error {
	if sw.file == nil {
		return nil
	}
	if err := sw.file.Sync(); err != nil {
		sw.file.Close()
		return wrapError(KindIO, err, "sync on close")
	}
	err := sw.file.Close()
	sw.file = nil
	if err != nil {
		return wrapError(KindIO, err, "close segment")
	}
	return nil
}

// compressSegment rewrites a rolled segment as .log.gz and removes the
// original.
func compressSegment(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return wrapError(KindIO, err, "open for compression")
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return wrapError(KindIO, err, "create compressed segment")
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return wrapError(KindIO, err, "compress segment")
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return wrapError(KindIO, err, "finish compression")
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return wrapError(KindIO, err, "sync compressed segment")
	}
	if err := dst.Close(); err != nil {
		return wrapError(KindIO, err, "close compressed segment")
	}
	return os.Remove(path)
}

// listSegments returns segment file paths in log order, live and compressed.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapError(KindIO, err, "list segments in %s", dir)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "events_") && (strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz")) {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// segmentNumber parses the NNNNNN component out of a segment path.
func segmentNumber(path string) int {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".log")
	base = strings.TrimPrefix(base, "events_")
	n := 0
	fmt.Sscanf(base, "%d", &n)
	return n
}

// scanSegment streams every well-formed record in a segment to fn. Records
// failing HMAC are skipped; the number skipped is returned so recovery can
// report anomalies. A bad record aborts the rest of the segment because
// framing cannot be re-synchronized past it.
func scanSegment(path string, secret []byte, fn func(payload []byte) error) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, wrapError(KindIO, err, "open segment %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 1, nil // whole segment unreadable, skip
		}
		defer gz.Close()
		r = gz
	}

	for {
		payload, err := readRecord(r, secret)
		if err == io.EOF {
			return skipped, nil
		}
		if err == errBadRecord {
			return skipped + 1, nil
		}
		if err != nil {
			return skipped, err
		}
		if err := fn(payload); err != nil {
			return skipped, err
		}
	}
}
