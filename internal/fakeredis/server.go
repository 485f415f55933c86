// Package fakeredis is a small in-memory RESP server used by tests. It
// understands enough commands to exercise the pipeline: PING, ECHO, GET,
// MGET, SET (NX, XX, EX), DEL, EXPIRE, RPUSH and LLEN, plus SLEEP <ms> to
// hold back a reply and QUIT to drop the connection.
package fakeredis

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/redcon"
)

type Server struct {
	ln       net.Listener
	mu       sync.Mutex
	strings  map[string][]byte
	lists    map[string][][]byte
	commands atomic.Int64
	conns    atomic.Int64
	done     chan error
	once     sync.Once
	closeErr error
}

// Start listens on a random loopback port and serves until Close.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:      ln,
		strings: make(map[string][]byte),
		lists:   make(map[string][][]byte),
		done:    make(chan error, 1),
	}
	go func() {
		s.done <- redcon.Serve(ln, s.handle, s.accept, func(redcon.Conn, error) {})
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host and Port split Addr for configs that want them apart.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// Commands is the number of commands handled so far.
func (s *Server) Commands() int64 {
	return s.commands.Load()
}

// Connections is the number of connections accepted so far.
func (s *Server) Connections() int64 {
	return s.conns.Load()
}

// Close stops accepting connections. It is safe to call more than once.
func (s *Server) Close() error {
	s.once.Do(func() {
		s.closeErr = s.ln.Close()
		<-s.done
	})
	return s.closeErr
}

func (s *Server) accept(conn redcon.Conn) bool {
	s.conns.Add(1)
	return true
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	s.commands.Add(1)
	args := cmd.Args
	verb := strings.ToUpper(string(args[0]))
	switch verb {
	case "PING":
		if len(args) > 1 {
			conn.WriteBulk(args[1])
			return
		}
		conn.WriteString("PONG")
	case "ECHO":
		if !arity(conn, args, 2) {
			return
		}
		conn.WriteBulk(args[1])
	case "SLEEP":
		if !arity(conn, args, 2) {
			return
		}
		ms, err := strconv.Atoi(string(args[1]))
		if err != nil {
			conn.WriteError("ERR value is not an integer or out of range")
			return
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		conn.WriteString("OK")
	case "QUIT":
		conn.Close()
	case "GET":
		if !arity(conn, args, 2) {
			return
		}
		s.mu.Lock()
		v, ok := s.strings[string(args[1])]
		s.mu.Unlock()
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulk(v)
	case "MGET":
		s.mu.Lock()
		conn.WriteArray(len(args) - 1)
		for _, k := range args[1:] {
			if v, ok := s.strings[string(k)]; ok {
				conn.WriteBulk(v)
			} else {
				conn.WriteNull()
			}
		}
		s.mu.Unlock()
	case "SET":
		s.set(conn, args)
	case "DEL":
		s.mu.Lock()
		n := 0
		for _, k := range args[1:] {
			if _, ok := s.strings[string(k)]; ok {
				delete(s.strings, string(k))
				n++
			}
			if _, ok := s.lists[string(k)]; ok {
				delete(s.lists, string(k))
				n++
			}
		}
		s.mu.Unlock()
		conn.WriteInt(n)
	case "EXPIRE":
		if !arity(conn, args, 3) {
			return
		}
		s.mu.Lock()
		_, ok := s.strings[string(args[1])]
		s.mu.Unlock()
		if ok {
			conn.WriteInt(1)
		} else {
			conn.WriteInt(0)
		}
	case "RPUSH":
		if len(args) < 3 {
			arity(conn, args, 3)
			return
		}
		s.mu.Lock()
		k := string(args[1])
		for _, v := range args[2:] {
			s.lists[k] = append(s.lists[k], append([]byte(nil), v...))
		}
		n := len(s.lists[k])
		s.mu.Unlock()
		conn.WriteInt(n)
	case "LLEN":
		if !arity(conn, args, 2) {
			return
		}
		s.mu.Lock()
		n := len(s.lists[string(args[1])])
		s.mu.Unlock()
		conn.WriteInt(n)
	default:
		conn.WriteError("ERR unknown command '" + string(args[0]) + "'")
	}
}

func (s *Server) set(conn redcon.Conn, args [][]byte) {
	if len(args) < 3 {
		arity(conn, args, 3)
		return
	}
	nx, xx := false, false
	opts := args[3:]
	for i := 0; i < len(opts); i++ {
		switch strings.ToUpper(string(opts[i])) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX":
			i++
			if i == len(opts) {
				conn.WriteError("ERR syntax error")
				return
			}
		default:
			conn.WriteError("ERR syntax error")
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(args[1])
	_, exists := s.strings[k]
	if (nx && exists) || (xx && !exists) {
		conn.WriteNull()
		return
	}
	s.strings[k] = append([]byte(nil), args[2]...)
	conn.WriteString("OK")
}

func arity(conn redcon.Conn, args [][]byte, n int) bool {
	if len(args) == n {
		return true
	}
	conn.WriteError("ERR wrong number of arguments for '" + strings.ToLower(string(args[0])) + "' command")
	return false
}
