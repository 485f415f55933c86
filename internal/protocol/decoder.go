package protocol

import (
	"bytes"
	"errors"
	"strconv"
)

const (
	maxBulkLength   = 512 * 1024 * 1024
	maxArrayLength  = 1 << 20
	maxInlineLength = 64 * 1024
	maxNesting      = 64
)

// ErrIncomplete is returned by Decoder.Next when the buffered bytes do not
// yet hold a complete reply. It is not a failure: feed more bytes and retry.
var ErrIncomplete = errors.New("incomplete reply")

// ProtocolError reports a byte stream that is not valid RESP. The stream
// cannot be resynchronised after one.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.msg
}

func protocolErrorf(msg string, detail []byte) error {
	if len(detail) > 32 {
		detail = detail[:32]
	}
	return &ProtocolError{msg: msg + " " + strconv.Quote(string(detail))}
}

// Decoder turns a byte stream into replies. A reply may span any number of
// Feed calls and a single Feed may complete any number of replies. Elements
// of an array that have fully arrived are decoded once and kept on a stack
// of open arrays, so bytes are never parsed twice.
type Decoder struct {
	buf   []byte
	pos   int
	stack []openArray
}

// openArray is an array reply whose elements are still arriving.
type openArray struct {
	values    []Value
	remaining int
}

// arrayHeader is what parseElement returns for a non-empty array: the
// elements follow as separate values.
type arrayHeader int

func (arrayHeader) Format() []byte { return nil }

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk read from the connection.
func (d *Decoder) Feed(p []byte) {
	if d.pos == len(d.buf) {
		d.buf = d.buf[:0]
		d.pos = 0
	} else if d.pos > 0 && d.pos >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.pos:])
		d.buf = d.buf[:n]
		d.pos = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete reply, ErrIncomplete when more input is
// needed, or a *ProtocolError.
func (d *Decoder) Next() (Value, error) {
	for {
		v, n, err := parseElement(d.buf[d.pos:])
		if err != nil {
			return nil, err
		}
		d.pos += n

		if count, ok := v.(arrayHeader); ok {
			if len(d.stack) >= maxNesting {
				return nil, &ProtocolError{msg: "arrays nested too deep"}
			}
			d.stack = append(d.stack, openArray{
				values:    make([]Value, 0, min(int(count), 1024)),
				remaining: int(count),
			})
			continue
		}

		for len(d.stack) > 0 {
			top := &d.stack[len(d.stack)-1]
			top.values = append(top.values, v)
			top.remaining--
			if top.remaining > 0 {
				break
			}
			v = Array{Values: top.values}
			d.stack[len(d.stack)-1] = openArray{}
			d.stack = d.stack[:len(d.stack)-1]
		}
		if len(d.stack) == 0 {
			return v, nil
		}
	}
}

// Buffered reports how many received bytes are not yet decoded. Elements
// of a partially received array are already decoded and not counted.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// Pending reports whether a partially received array is held.
func (d *Decoder) Pending() bool {
	return len(d.stack) > 0
}

func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.pos = 0
	clear(d.stack)
	d.stack = d.stack[:0]
}

// parseElement decodes one value at the start of b and returns it with the
// number of bytes it occupies. A non-empty array yields an arrayHeader.
func parseElement(b []byte) (Value, int, error) {
	if len(b) == 0 {
		return nil, 0, ErrIncomplete
	}
	line, n, err := readLine(b)
	if err != nil {
		return nil, 0, err
	}

	switch b[0] {
	case '+':
		return SimpleString(line[1:]), n, nil
	case '-':
		return Error(line[1:]), n, nil
	case ':':
		i, err := parseInt(line[1:])
		if err != nil {
			return nil, 0, err
		}
		return Integer(i), n, nil
	case '$':
		l, err := parseInt(line[1:])
		if err != nil {
			return nil, 0, err
		}
		if l == -1 {
			return NullBulk, n, nil
		}
		if l < 0 || l > maxBulkLength {
			return nil, 0, protocolErrorf("invalid bulk length", line)
		}
		end := n + int(l)
		if len(b) < end+2 {
			return nil, 0, ErrIncomplete
		}
		if b[end] != '\r' || b[end+1] != '\n' {
			return nil, 0, protocolErrorf("bulk string not terminated by CRLF", line)
		}
		value := make([]byte, l)
		copy(value, b[n:end])
		return BulkString{Value: value}, end + 2, nil
	case '*':
		count, err := parseInt(line[1:])
		if err != nil {
			return nil, 0, err
		}
		switch {
		case count == -1:
			return Array{IsNull: true}, n, nil
		case count < 0 || count > maxArrayLength:
			return nil, 0, protocolErrorf("invalid array length", line)
		case count == 0:
			return Array{Values: []Value{}}, n, nil
		}
		return arrayHeader(count), n, nil
	default:
		return nil, 0, protocolErrorf("unknown reply type", line)
	}
}

// readLine returns the first CRLF-terminated line of b without the CRLF,
// and the length including it.
func readLine(b []byte) ([]byte, int, error) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		if len(b) > maxInlineLength {
			return nil, 0, &ProtocolError{msg: "line too long"}
		}
		return nil, 0, ErrIncomplete
	}
	if i == 0 || b[i-1] != '\r' {
		return nil, 0, protocolErrorf("line not terminated by CRLF", b[:i])
	}
	return b[:i-1], i + 1, nil
}

func parseInt(b []byte) (int64, error) {
	i, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, protocolErrorf("invalid integer", b)
	}
	return i, nil
}
