package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagecraft/stagert/internal/deadletter"
	"github.com/stagecraft/stagert/internal/dispatch"
	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/reqcache"
	"github.com/stagecraft/stagert/internal/stage"
	"github.com/stagecraft/stagert/internal/timer"
)

type nopBehavior struct{}

func (nopBehavior) OnCreate(*stage.Stage) error             { return nil }
func (nopBehavior) OnDispatch(*stage.Stage, *packet.Packet) {}
func (nopBehavior) OnDestroy(*stage.Stage)                  {}

func TestAdminStagesListReflectsDispatcherState(t *testing.T) {
	timers := timer.New()
	d := dispatch.New(timers, reqcache.New(time.Hour), nil)
	d.RegisterStageType("Battle", func(int64) stage.Behavior { return nopBehavior{} })

	_, err := d.Create(1, "Battle")
	require.NoError(t, err)
	_, err = d.Create(2, "Battle")
	require.NoError(t, err)

	admin := NewAdminServer(d, timers, nil)
	resp, err := admin.StagesList(context.Background(), &StagesListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Stages, 2)
}

func TestAdminDeadLettersTailReturnsRecentEntries(t *testing.T) {
	log := deadletter.New(10)
	log.Record(deadletter.Entry{Reason: deadletter.ReasonStageNotFound, MsgID: "Ping"})

	admin := NewAdminServer(dispatch.New(timer.New(), reqcache.New(time.Hour), nil), timer.New(), log)
	resp, err := admin.DeadLettersTail(context.Background(), &DeadLettersTailRequest{Count: 10})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "Ping", resp.Entries[0].MsgID)
}

func TestAdminTimersListReflectsManagerState(t *testing.T) {
	timers := timer.New()
	admin := NewAdminServer(dispatch.New(timer.New(), reqcache.New(time.Hour), nil), timers, nil)

	resp, err := admin.TimersList(context.Background(), &TimersListRequest{StageID: 42})
	require.NoError(t, err)
	require.Empty(t, resp.Timers)
}
