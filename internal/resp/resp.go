// Package resp implements the subset of RESP2 framing the sync protocol
// relies on: command encoding as arrays of bulk strings, and parsing of the
// five reply shapes (status, error, integer, bulk string, array).
package resp

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
)

// ErrProtocol marks malformed RESP input: unknown type tags, truncated bulk
// payloads, missing CRLF terminators. Callers treat it as fatal for the
// connection, unlike a read timeout.
var ErrProtocol = errors.New("resp: protocol error")

// Kind identifies the shape of a Reply.
type Kind int

const (
	KindStatus Kind = iota
	KindError
	KindInteger
	KindBulkString
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulkString:
		return "bulk"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Reply is one decoded RESP value. Null bulk strings and null arrays
// (length -1 on the wire) are represented with Null set; a null value is
// distinct from an empty one.
type Reply struct {
	Kind    Kind
	Str     string  // status line, error message or bulk payload
	Int     int64   // integer replies
	Null    bool    // null bulk string / null array
	Entries []Reply // array elements, nil when Null
}

// IsError reports whether the reply is a server-side error (`-ERR ...`).
func (r Reply) IsError() bool { return r.Kind == KindError }

// Bulk returns the payload of a bulk-string reply. The second result is
// false for null bulk strings or replies of a different kind.
func (r Reply) Bulk() (string, bool) {
	if r.Kind != KindBulkString || r.Null {
		return "", false
	}
	return r.Str, true
}

// AppendCommand serializes a command as a RESP array of bulk strings,
// appending to dst. Arguments are length-prefixed, so no escaping is needed.
func AppendCommand(dst []byte, args ...[]byte) []byte {
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, '\r', '\n')
	for _, arg := range args {
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(arg)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, arg...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

// EncodeCommand serializes a command from plain string arguments.
func EncodeCommand(args ...string) []byte {
	size := 16
	for _, a := range args {
		size += len(a) + 16
	}
	dst := make([]byte, 0, size)
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, '\r', '\n')
	for _, arg := range args {
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(arg)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, arg...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

// ReadReply reads exactly one reply from r. Nested arrays recurse; the
// XREAD result shape (array of streams, of entries, of fields) is three
// levels deep in practice but no depth limit is imposed.
func ReadReply(r *bufio.Reader) (Reply, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Reply{}, err
	}
	line, err := readLine(r)
	if err != nil {
		return Reply{}, err
	}

	switch tag {
	case '+':
		return Reply{Kind: KindStatus, Str: line}, nil

	case '-':
		return Reply{Kind: KindError, Str: line}, nil

	case ':':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: bad integer %q", ErrProtocol, line)
		}
		return Reply{Kind: KindInteger, Int: n}, nil

	case '$':
		length, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: bad bulk length %q", ErrProtocol, line)
		}
		if length < 0 {
			return Reply{Kind: KindBulkString, Null: true}, nil
		}
		buf := make([]byte, length)
		if _, err := readFull(r, buf); err != nil {
			return Reply{}, err
		}
		if err := consumeCRLF(r); err != nil {
			return Reply{}, err
		}
		return Reply{Kind: KindBulkString, Str: string(buf)}, nil

	case '*':
		length, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: bad array length %q", ErrProtocol, line)
		}
		if length < 0 {
			return Reply{Kind: KindArray, Null: true}, nil
		}
		entries := make([]Reply, 0, length)
		for i := int64(0); i < length; i++ {
			entry, err := ReadReply(r)
			if err != nil {
				return Reply{}, err
			}
			entries = append(entries, entry)
		}
		return Reply{Kind: KindArray, Entries: entries}, nil

	default:
		return Reply{}, fmt.Errorf("%w: unknown type tag %q", ErrProtocol, tag)
	}
}

// readLine reads a CRLF-terminated header line, stripping the terminator.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", fmt.Errorf("%w: header line missing CRLF", ErrProtocol)
	}
	return line[:len(line)-2], nil
}

// readFull reads len(buf) bytes. A short read (connection closed or
// deadline hit mid-payload) is reported as a protocol-level truncation so
// it is never mistaken for "no data yet".
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("%w: truncated bulk payload (%d of %d bytes): %v",
				ErrProtocol, total, len(buf), err)
		}
	}
	return total, nil
}

func consumeCRLF(r *bufio.Reader) error {
	var crlf [2]byte
	if _, err := readFull(r, crlf[:]); err != nil {
		return err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return fmt.Errorf("%w: bulk payload missing trailing CRLF", ErrProtocol)
	}
	return nil
}
