package internal

// Socket is the non-blocking connection a shard drives. Read and Write
// return ErrWouldBlock or ErrInterrupted instead of blocking; Read returns
// io.EOF once the peer has closed.
type Socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}
