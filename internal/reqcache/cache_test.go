package reqcache

import (
	"bytes"
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagecraft/stagert/internal/packet"
)

// goroutineID extracts the calling goroutine's numeric id from its stack
// trace header ("goroutine 7 [running]: ..."). Used only to assert that a
// reply callback ran synchronously on the delivering goroutine rather than
// being queued elsewhere (spec.md §4.2, §8 testable property 4).
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	var id uint64
	for _, b := range buf[:i] {
		id = id*10 + uint64(b-'0')
	}
	return id
}

func TestNextSeqSkipsZero(t *testing.T) {
	c := New(time.Hour)
	defer c.Stop()

	c.seq = 0xFFFE // force a wrap on the next two increments
	first := c.NextSeq()
	require.NotZero(t, first)

	second := c.NextSeq()
	require.NotZero(t, second)
	require.NotEqual(t, first, second)
}

func TestTryCompleteDeliversCallbackOnCallingGoroutine(t *testing.T) {
	c := New(time.Hour)
	defer c.Stop()

	mainGoroutineID := goroutineID()

	seq := c.NextSeq()
	deliveredOn := make(chan bool, 1)
	c.RegisterCallback(seq, time.Second, func(p *packet.Packet, err error) {
		deliveredOn <- goroutineID() == mainGoroutineID
	})

	reply := &packet.Packet{MsgID: "Pong", MsgSeq: seq, IsReply: true}
	ok := c.TryComplete(seq, reply)
	require.True(t, ok)

	select {
	case sameGoroutine := <-deliveredOn:
		require.True(t, sameGoroutine,
			"callback must run on the delivering goroutine, not a stage loop")
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

func TestTryCompleteUnknownSeqReturnsFalse(t *testing.T) {
	c := New(time.Hour)
	defer c.Stop()

	ok := c.TryComplete(999, &packet.Packet{MsgID: "x", MsgSeq: 999, IsReply: true})
	require.False(t, ok)
}

func TestRequestTimeoutResolvesFuture(t *testing.T) {
	c := New(10 * time.Millisecond)
	defer c.Stop()

	seq := c.NextSeq()
	future := c.RegisterFuture(seq, 20*time.Millisecond)

	res := future.Await(context.Background())
	require.True(t, res.IsErr())
}

func TestLateReplyAfterTimeoutIsDiscarded(t *testing.T) {
	c := New(5 * time.Millisecond)
	defer c.Stop()

	seq := c.NextSeq()
	future := c.RegisterFuture(seq, 10*time.Millisecond)

	// Wait long enough for the sweeper to reclaim the entry.
	time.Sleep(60 * time.Millisecond)

	res := future.Await(context.Background())
	require.True(t, res.IsErr())

	// A reply arriving after the timeout must be silently discarded, not
	// crash or resurrect the future (spec.md scenario S6).
	ok := c.TryComplete(seq, &packet.Packet{MsgID: "Pong", MsgSeq: seq, IsReply: true})
	require.False(t, ok)
}

func TestCancelAllResolvesEveryWaiter(t *testing.T) {
	c := New(time.Hour)
	defer c.Stop()

	const n = 10
	futures := make([]Future[*packet.Packet], n)
	for i := 0; i < n; i++ {
		seq := c.NextSeq()
		futures[i] = c.RegisterFuture(seq, time.Hour)
	}
	require.Equal(t, n, c.Len())

	c.CancelAll()

	for _, f := range futures {
		res := f.Await(context.Background())
		require.True(t, res.IsErr())
	}
	require.Equal(t, 0, c.Len())
}
