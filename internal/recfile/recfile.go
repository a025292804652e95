// Package recfile implements the on-disk payload format shared by entry,
// metadata, and cache files: a fixed guard header followed by a versioned,
// little-endian, length-prefixed binary encoding of a single value.
//
// # Guard header
//
// Every file starts with a 10-byte header:
//
//	offset 0: 8-byte magic 89 44 44 42 0D 0A 1A 0A ("\x89DDB\r\n\x1a\n")
//	offset 8: format version (0x01)
//	offset 9: flags (bit 0: payload is snappy block-compressed)
//
// The magic follows the PNG signature recipe: the high-bit first byte marks
// the file as binary and not directly renderable, the CRLF/LF pair detects
// line-ending translation, and 0x1A stops legacy type commands.
//
// # Value encoding
//
// A value is nil, bool, int64, float64, string, []any, or map[string]any.
// Each value is a tag byte followed by its body; strings carry a uint32
// byte length, lists and maps a uint32 element count. Map keys are written
// in ascending order so that encoding the same value always produces the
// same bytes. No host-language object serialization is involved.
package recfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/golang/snappy"
)

// Version is the current payload format version.
const Version = 1

// HeaderSize is the fixed size of the guard header in bytes.
const HeaderSize = 10

// magic marks a file as a record store payload, not a servable document.
var magic = [8]byte{0x89, 'D', 'D', 'B', '\r', '\n', 0x1a, '\n'}

const flagSnappy = 0x01

// ErrCorrupt reports a payload that cannot be decoded: bad magic, unknown
// version or flags, or truncated/malformed value data.
var ErrCorrupt = errors.New("corrupt payload")

const (
	tagNil    = 0x00
	tagBool   = 0x01
	tagInt    = 0x02
	tagFloat  = 0x03
	tagString = 0x04
	tagList   = 0x05
	tagMap    = 0x06
)

// Marshal encodes a single value in canonical form, without the guard
// header. The same value always yields the same bytes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a single headerless value produced by [Marshal].
func Unmarshal(data []byte) (any, error) {
	r := bytes.NewReader(data)
	v, err := decodeValue(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return v, nil
}

// Encode writes the guard header and the encoded value to w.
func Encode(w io.Writer, v any, compress bool) error {
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	flags := byte(0)
	if compress {
		flags |= flagSnappy
		payload = snappy.Encode(nil, payload)
	}
	hdr := make([]byte, 0, HeaderSize)
	hdr = append(hdr, magic[:]...)
	hdr = append(hdr, Version, flags)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// Decode reads the guard header and decodes the single value that follows.
func Decode(r io.Reader) (any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:8], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if data[8] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, data[8])
	}
	flags := data[9]
	if flags&^byte(flagSnappy) != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%02x", ErrCorrupt, flags)
	}
	payload := data[HeaderSize:]
	if flags&flagSnappy != 0 {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return Unmarshal(payload)
}

// ReadFile opens path and decodes its value.
func ReadFile(path string) (any, error) {
	f, err := os.Open(path) //nolint:gosec // G304: paths are derived from the store root, not user input
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// WriteTemp encodes v into a fresh temporary file inside dir and returns
// its path. The caller finalizes with os.Rename or discards with os.Remove.
func WriteTemp(dir string, v any, compress bool) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()
	if err := Encode(f, v, compress); err != nil {
		return "", errors.Join(err, f.Close(), os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return "", errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmpPath))
	}
	return tmpPath, nil
}

// WriteFile atomically replaces path with the encoded value, via a
// temporary file in the same directory so readers never observe a partial
// file.
func WriteFile(path string, v any, compress bool) error {
	tmpPath, err := WriteTemp(filepath.Dir(path), v, compress)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("failed to rename to final location: %w", err), os.Remove(tmpPath))
	}
	return nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case bool:
		buf.WriteByte(tagBool)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int64:
		buf.WriteByte(tagInt)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(x)) //nolint:gosec // G115: two's complement round trip
		buf.Write(b[:])
	case float64:
		buf.WriteByte(tagFloat)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(x))
		buf.Write(b[:])
	case string:
		buf.WriteByte(tagString)
		writeString(buf, x)
	case []any:
		buf.WriteByte(tagList)
		writeCount(buf, len(x))
		for _, e := range x {
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
	case map[string]any:
		buf.WriteByte(tagMap)
		writeCount(buf, len(x))
		for _, k := range slices.Sorted(maps.Keys(x)) {
			writeString(buf, k)
			if err := encodeValue(buf, x[k]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeCount(buf, len(s))
	buf.WriteString(s)
}

func writeCount(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n)) //nolint:gosec // G115: lengths are bounded by buffer sizes
	buf.Write(b[:])
}

func decodeValue(r *bytes.Reader) (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing value tag", ErrCorrupt)
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated bool", ErrCorrupt)
		}
		return b != 0, nil
	case tagInt:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated int", ErrCorrupt)
		}
		return int64(binary.LittleEndian.Uint64(b[:])), nil //nolint:gosec // G115: two's complement round trip
	case tagFloat:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated float", ErrCorrupt)
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
	case tagString:
		return readString(r)
	case tagList:
		count, err := readCount(r)
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, count)
		for range count {
			e, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			list = append(list, e)
		}
		return list, nil
	case tagMap:
		count, err := readCount(r)
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, count)
		for range count {
			k, err := readString(r)
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrCorrupt, tag)
	}
}

func readString(r *bytes.Reader) (string, error) {
	length, err := readCount(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%w: truncated string", ErrCorrupt)
	}
	return string(b), nil
}

// readCount reads a uint32 length prefix, bounded by the bytes remaining so
// a corrupt prefix cannot drive a huge allocation.
func readCount(r *bytes.Reader) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: truncated length prefix", ErrCorrupt)
	}
	n := binary.LittleEndian.Uint32(b[:])
	if uint64(n) > uint64(r.Len()) {
		return 0, fmt.Errorf("%w: length prefix %d exceeds remaining %d bytes", ErrCorrupt, n, r.Len())
	}
	return int(n), nil
}
