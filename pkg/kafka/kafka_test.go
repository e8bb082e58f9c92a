package kafka

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type job struct {
	DocumentID string `json:"document_id"`
	ChunkSize  int    `json:"chunk_size"`
}

func TestDecodeJSON(t *testing.T) {
	got, err := DecodeJSON[job]([]byte(`{"document_id":"d1","chunk_size":300}`))
	require.NoError(t, err)
	assert.Equal(t, job{DocumentID: "d1", ChunkSize: 300}, got)
}

func TestDecodeJSON_PoisonOnGarbage(t *testing.T) {
	_, err := DecodeJSON[job]([]byte(`{not json`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPoison))
}

func TestEncode(t *testing.T) {
	msg, err := encode(Event{Key: "d1", Value: job{DocumentID: "d1"}})
	require.NoError(t, err)
	assert.Equal(t, []byte("d1"), msg.Key)
	assert.JSONEq(t, `{"document_id":"d1","chunk_size":0}`, string(msg.Value))

	_, err = encode(Event{Key: "bad", Value: make(chan int)})
	assert.Error(t, err)
}

type countingRunner struct {
	running *atomic.Int32
	peak    *atomic.Int32
	fail    bool
}

func (r countingRunner) Start(ctx context.Context) error {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.fail {
		return errors.New("broker connection lost")
	}
	<-ctx.Done()
	return nil
}

func TestRunGroup(t *testing.T) {
	var running, peak atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	members := make(chan int, 4)
	done := make(chan error, 1)
	go func() {
		done <- RunGroup(ctx, 4, func(member int) Runner {
			members <- member
			return countingRunner{running: &running, peak: &peak}
		})
	}()

	require.Eventually(t, func() bool { return running.Load() == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("group did not stop after cancel")
	}
	assert.Equal(t, int32(4), peak.Load())
	assert.Len(t, members, 4)
}

func TestRunGroup_FailureStopsMembers(t *testing.T) {
	var running, peak atomic.Int32
	err := RunGroup(context.Background(), 3, func(member int) Runner {
		return countingRunner{running: &running, peak: &peak, fail: member == 1}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker connection lost")
	assert.Zero(t, running.Load())
}

func TestRunGroup_AtLeastOne(t *testing.T) {
	var running, peak atomic.Int32
	started := 0
	err := RunGroup(context.Background(), 0, func(int) Runner {
		started++
		return countingRunner{running: &running, peak: &peak, fail: true}
	})
	require.Error(t, err)
	assert.Equal(t, 1, started)
}
