package client

import (
	"fmt"
	"testing"

	"github.com/gomodule/redigo/redis"

	"github.com/jsp-lqk/metapipe-redis/internal/fakeredis"
)

const (
	totalKeys = 10000
	poolSize  = 50
)

func setupBenchServer(b *testing.B) *fakeredis.Server {
	srv, err := fakeredis.Start()
	if err != nil {
		b.Fatal(err)
	}
	conn, err := redis.Dial("tcp", srv.Addr())
	if err != nil {
		b.Fatal(err)
	}
	defer conn.Close()
	for i := 0; i < totalKeys; i++ {
		if err := conn.Send("SET", fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i)); err != nil {
			b.Fatal(err)
		}
	}
	if err := conn.Flush(); err != nil {
		b.Fatal(err)
	}
	for i := 0; i < totalKeys; i++ {
		if _, err := conn.Receive(); err != nil {
			b.Fatalf("Failed to set initial data: %v", err)
		}
	}
	return srv
}

func BenchmarkRedigoGet(b *testing.B) {
	srv := setupBenchServer(b)
	defer srv.Close()
	pool := &redis.Pool{
		MaxIdle:   poolSize,
		MaxActive: poolSize,
		Wait:      true,
		Dial:      func() (redis.Conn, error) { return redis.Dial("tcp", srv.Addr()) },
	}
	defer pool.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key%d", i%totalKeys)
			i++
			conn := pool.Get()
			_, err := redis.Bytes(conn.Do("GET", key))
			conn.Close()
			if err != nil {
				b.Fatalf("Failed to get key %s: %v", key, err)
			}
		}
	})
}

func BenchmarkMetapipeGet(b *testing.B) {
	srv := setupBenchServer(b)
	defer srv.Close()
	client, err := SingleTargetClient(ConnectionTarget{
		Address:                srv.Host(),
		Port:                   srv.Port(),
		MaxOutstandingRequests: 100000,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer client.Shutdown()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key%d", i%totalKeys)
			i++
			if _, err := client.Get(key); err != nil {
				b.Fatalf("Failed to get key %s: %v", key, err)
			}
		}
	})
}
