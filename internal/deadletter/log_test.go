package deadletter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecentReturnsInOrder(t *testing.T) {
	l := New(3)
	l.Record(Entry{MsgID: "a"})
	l.Record(Entry{MsgID: "b"})
	l.Record(Entry{MsgID: "c"})

	got := l.Recent(0)
	require.Len(t, got, 3)
	require.Equal(t, []string{"a", "b", "c"}, msgIDs(got))
}

func TestRecentWrapsOnceFull(t *testing.T) {
	l := New(2)
	l.Record(Entry{MsgID: "a"})
	l.Record(Entry{MsgID: "b"})
	l.Record(Entry{MsgID: "c"})

	got := l.Recent(0)
	require.Equal(t, []string{"b", "c"}, msgIDs(got))
}

func TestRecentLimitsToN(t *testing.T) {
	l := New(5)
	for _, id := range []string{"a", "b", "c"} {
		l.Record(Entry{MsgID: id})
	}
	require.Equal(t, []string{"c"}, msgIDs(l.Recent(1)))
}

func msgIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.MsgID
	}
	return ids
}
