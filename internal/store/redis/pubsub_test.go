package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstore "github.com/civicgov/civicguard/internal/store/redis"
	"github.com/civicgov/civicguard/internal/testutil"
)

func TestLevelChannel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level string
		want  string
	}{
		{level: "high", want: "threats:high"},
		{level: "critical", want: "threats:critical"},
		{level: "", want: "threats:"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, redisstore.LevelChannel(tt.level))
		})
	}
}

func TestPubSub_PublishSubscribe(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, mr := testutil.NewStore(t)
	ps := redisstore.NewPubSub(testutil.NewClient(t, mr))

	msgs, cleanup, err := ps.Subscribe(ctx, redisstore.ThreatsChannel)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, ps.Publish(ctx, redisstore.ThreatsChannel, []byte(`{"level":"high"}`)))
	// Other channels are not delivered.
	require.NoError(t, ps.Publish(ctx, redisstore.LevelChannel("high"), []byte(`ignored`)))

	select {
	case got := <-msgs:
		assert.JSONEq(t, `{"level":"high"}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case got, ok := <-msgs:
		if ok {
			t.Fatalf("unexpected message %q", got)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPubSub_CloseEndsStream(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	_, mr := testutil.NewStore(t)
	ps := redisstore.NewPubSub(testutil.NewClient(t, mr))

	msgs, cleanup, err := ps.Subscribe(ctx, redisstore.ThreatsChannel)
	require.NoError(t, err)
	defer cleanup()

	cancel()
	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}
