// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	redisstore "github.com/civicgov/civicguard/internal/store/redis"
)

// NewStore starts an in-process Redis and returns a store bound to it. Both
// are torn down when the test ends.
func NewStore(tb testing.TB) (*redisstore.Store, *miniredis.Miniredis) {
	tb.Helper()

	mr := miniredis.RunT(tb)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	tb.Cleanup(func() { _ = client.Close() })

	return redisstore.NewStore(client), mr
}

// NewClient returns a raw client for the given miniredis instance.
func NewClient(tb testing.TB, mr *miniredis.Miniredis) *goredis.Client {
	tb.Helper()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	tb.Cleanup(func() { _ = client.Close() })
	return client
}
