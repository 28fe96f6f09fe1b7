package chatlog_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gopherai-chatsync/internal/chatlog"
	"gopherai-chatsync/internal/model"
)

var base = time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)

func msgAt(offset time.Duration, content string) model.ChatMessage {
	return model.ChatMessage{Role: model.RoleUser, Content: content, Timestamp: base.Add(offset)}
}

func TestAppendIsIdempotentOnTimestamp(t *testing.T) {
	log := chatlog.New(nil)
	require.True(t, log.Append(msgAt(0, "first")))
	n := log.Len()

	require.True(t, log.Append(msgAt(time.Second, "hello")))
	require.False(t, log.Append(msgAt(time.Second, "hello again")))

	require.Equal(t, n+1, log.Len())
	require.Equal(t, "hello", log.All()[1].Content)
}

func TestNewSeedsGreeting(t *testing.T) {
	greeting := model.ChatMessage{Role: model.RoleAssistant, Content: "Hi there", Timestamp: base}
	log := chatlog.New(&greeting)

	all := log.All()
	require.Len(t, all, 1)
	require.Equal(t, greeting, all[0])
}

func TestAllIsASnapshot(t *testing.T) {
	log := chatlog.New(nil)
	log.Append(msgAt(0, "a"))

	snapshot := log.All()
	snapshot[0].Content = "mutated"
	log.Append(msgAt(time.Second, "b"))

	require.Len(t, snapshot, 1)
	require.Equal(t, "a", log.All()[0].Content)
}

func TestInsertionOrderIsKeptWhenTimestampsDiverge(t *testing.T) {
	log := chatlog.New(nil)
	log.Append(msgAt(2*time.Second, "late stamp, first arrival"))
	log.Append(msgAt(time.Second, "early stamp, second arrival"))

	all := log.All()
	require.Equal(t, "late stamp, first arrival", all[0].Content)
	require.Equal(t, "early stamp, second arrival", all[1].Content)
}

func TestCloseStopsMutation(t *testing.T) {
	log := chatlog.New(nil)
	log.Append(msgAt(0, "kept"))
	log.Close()
	log.Close()

	require.False(t, log.Append(msgAt(time.Second, "dropped")))
	require.Equal(t, 1, log.Len())
	require.True(t, log.Closed())
}

func TestWatchReceivesAppends(t *testing.T) {
	log := chatlog.New(nil)
	updates, cancel := log.Watch(4)
	defer cancel()

	log.Append(msgAt(0, "one"))
	log.Append(msgAt(0, "one duplicate"))
	log.Append(msgAt(time.Second, "two"))

	require.Equal(t, "one", (<-updates).Content)
	require.Equal(t, "two", (<-updates).Content)

	log.Close()
	_, open := <-updates
	require.False(t, open)
}

func TestConcurrentAppendsOfSameTimestampInsertOnce(t *testing.T) {
	log := chatlog.New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Append(msgAt(time.Minute, "racing"))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, log.Len())
}

func TestOverflowingWatcherIsCutOff(t *testing.T) {
	log := chatlog.New(nil)
	updates, cancel := log.Watch(2)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.True(t, log.Append(msgAt(time.Duration(i)*time.Second, "burst")))
	}

	received := 0
	for range updates {
		received++
	}
	require.Equal(t, 2, received)
	require.False(t, log.Closed())
	require.Equal(t, 5, log.Len())

	// a fresh watch picks up from here
	again, cancelAgain := log.Watch(2)
	defer cancelAgain()
	log.Append(msgAt(time.Minute, "after resync"))
	require.Equal(t, "after resync", (<-again).Content)
}
