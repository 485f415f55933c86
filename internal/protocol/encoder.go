package protocol

import "github.com/tidwall/redcon"

// frameOverhead bounds the "$<len>\r\n" header plus trailing CRLF of one
// element for any length below 10^11.
const frameOverhead = 16

// EncodeCommand frames verb and args as a RESP array of bulk strings:
// "*<N>\r\n" followed by "$<len>\r\n<bytes>\r\n" for every element.
func EncodeCommand(verb string, args ...[]byte) []byte {
	return AppendCommand(make([]byte, 0, commandSize(verb, args)), verb, args...)
}

// AppendCommand appends the framed command to dst. Encoded commands are
// self-delimiting, so a batch is just consecutive appends.
func AppendCommand(dst []byte, verb string, args ...[]byte) []byte {
	dst = redcon.AppendArray(dst, len(args)+1)
	dst = redcon.AppendBulkString(dst, verb)
	for _, a := range args {
		dst = redcon.AppendBulk(dst, a)
	}
	return dst
}

// EncodeStrings encodes parts[0] as the verb and the rest as arguments.
func EncodeStrings(parts ...string) []byte {
	if len(parts) == 0 {
		return nil
	}
	args := make([][]byte, len(parts)-1)
	for i, p := range parts[1:] {
		args[i] = []byte(p)
	}
	return EncodeCommand(parts[0], args...)
}

// commandSize is an upper bound of the encoded length, used as capacity so
// encoding never grows the buffer.
func commandSize(verb string, args [][]byte) int {
	size := frameOverhead*(len(args)+2) + len(verb)
	for _, a := range args {
		size += len(a)
	}
	return size
}
