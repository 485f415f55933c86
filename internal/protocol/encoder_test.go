package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"
)

func TestEncodeCommand(t *testing.T) {
	got := EncodeCommand("LLEN", []byte("mylist"))
	assert.Equal(t, "*2\r\n$4\r\nLLEN\r\n$6\r\nmylist\r\n", string(got))

	got = EncodeCommand("PING")
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n", string(got))

	got = EncodeCommand("SET", []byte("k"), []byte{})
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$0\r\n\r\n", string(got))
}

func TestEncodeCommandIsBinarySafe(t *testing.T) {
	payload := []byte("a\r\n$3\r\n*1\x00\xff")
	got := EncodeCommand("SET", []byte("key"), payload)

	cmd, err := redcon.Parse(got)
	require.NoError(t, err)
	require.Len(t, cmd.Args, 3)
	assert.Equal(t, payload, cmd.Args[2])
}

func TestAppendCommandBatches(t *testing.T) {
	var batch []byte
	batch = AppendCommand(batch, "LLEN", []byte("mylist"))
	batch = AppendCommand(batch, "PING")
	assert.Equal(t, string(EncodeCommand("LLEN", []byte("mylist")))+string(EncodeCommand("PING")), string(batch))

	d := NewDecoder()
	d.Feed(batch)
	first, err := d.Next()
	require.NoError(t, err)
	second, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, Array{Values: []Value{Bulk([]byte("LLEN")), Bulk([]byte("mylist"))}}, first)
	assert.Equal(t, Array{Values: []Value{Bulk([]byte("PING"))}}, second)
}

func TestEncodeStrings(t *testing.T) {
	assert.Nil(t, EncodeStrings())
	assert.Equal(t, EncodeCommand("GET", []byte("a")), EncodeStrings("GET", "a"))
}

func TestEncodeCommandSizeHint(t *testing.T) {
	long := make([]byte, 12345)
	args := [][]byte{long, []byte("x"), nil}
	got := EncodeCommand("RPUSH", args...)
	assert.LessOrEqual(t, len(got), commandSize("RPUSH", args))
	assert.Equal(t, commandSize("RPUSH", args), cap(got), "encoding grew the buffer")
}

func TestEncodingRoundTrip(t *testing.T) {
	commands := [][][]byte{
		{[]byte("PING")},
		{[]byte("LLEN"), []byte("mylist")},
		{[]byte("SET"), []byte("key"), []byte("line1\r\nline2")},
		{[]byte("MSET"), []byte(""), []byte("\x00"), []byte("k2"), make([]byte, 300)},
	}
	for _, parts := range commands {
		encoded := EncodeCommand(string(parts[0]), parts[1:]...)

		d := NewDecoder()
		d.Feed(encoded)
		v, err := d.Next()
		require.NoError(t, err)

		arr, ok := v.(Array)
		require.True(t, ok)
		decoded := make([][]byte, len(arr.Values))
		for i, e := range arr.Values {
			decoded[i] = e.(BulkString).Value
		}

		again := EncodeCommand(string(decoded[0]), decoded[1:]...)
		assert.Equal(t, encoded, again)
		assert.Equal(t, encoded, v.Format())
	}
}
