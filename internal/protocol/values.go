package protocol

import (
	"fmt"
	"strconv"

	"github.com/tidwall/redcon"
)

// Value is a decoded RESP reply. Format returns the wire encoding of the
// value, so a decoded reply can be re-encoded byte for byte.
type Value interface {
	Format() []byte
}

// SimpleString is a status reply: "+<line>\r\n".
type SimpleString string

func (s SimpleString) Format() []byte {
	return redcon.AppendString(nil, string(s))
}

// Error is an error reply sent by the server: "-<line>\r\n". It is a
// regular value: the command completed, the server refused it.
type Error string

func (e Error) Format() []byte {
	return redcon.AppendError(nil, string(e))
}

func (e Error) Error() string {
	return string(e)
}

// Integer is ":<int>\r\n".
type Integer int64

func (i Integer) Format() []byte {
	return redcon.AppendInt(nil, int64(i))
}

// BulkString is "$<len>\r\n<bytes>\r\n", or "$-1\r\n" when IsNull.
type BulkString struct {
	Value  []byte
	IsNull bool
}

func (b BulkString) Format() []byte {
	if b.IsNull {
		return redcon.AppendNull(nil)
	}
	return redcon.AppendBulk(make([]byte, 0, len(b.Value)+frameOverhead), b.Value)
}

// Array is "*<count>\r\n" followed by count values, or "*-1\r\n" when IsNull.
type Array struct {
	Values []Value
	IsNull bool
}

func (a Array) Format() []byte {
	if a.IsNull {
		return redcon.AppendArray(nil, -1)
	}
	out := redcon.AppendArray(nil, len(a.Values))
	for _, v := range a.Values {
		out = append(out, v.Format()...)
	}
	return out
}

// Bulk returns a non-null bulk string holding b.
func Bulk(b []byte) BulkString {
	return BulkString{Value: b}
}

// NullBulk is the "$-1" reply.
var NullBulk = BulkString{IsNull: true}

// String renders a value for humans (CLI output, log lines).
func String(v Value) string {
	switch t := v.(type) {
	case SimpleString:
		return string(t)
	case Error:
		return "(error) " + string(t)
	case Integer:
		return "(integer) " + strconv.FormatInt(int64(t), 10)
	case BulkString:
		if t.IsNull {
			return "(nil)"
		}
		return strconv.Quote(string(t.Value))
	case Array:
		if t.IsNull {
			return "(nil array)"
		}
		if len(t.Values) == 0 {
			return "(empty array)"
		}
		s := ""
		for i, e := range t.Values {
			s += fmt.Sprintf("%d) %s\n", i+1, String(e))
		}
		return s[:len(s)-1]
	default:
		return fmt.Sprintf("%v", v)
	}
}
