package wrshare

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllocRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := AllocRequestID()
		require.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}

func TestRequestTaskResolveOnce(t *testing.T) {
	task := NewRequestTask("1", "c1")
	task.Resolve(TaskResult{Response: &TunnelResponse{Status: 200}})
	task.Resolve(TaskResult{Response: &TunnelResponse{Status: 500}})

	res := <-task.Done()
	require.Equal(t, 200, res.Response.Status)

	select {
	case <-task.Done():
		t.Fatal("task resolved twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBodyWriterStreams(t *testing.T) {
	w := NewBodyWriter()
	r := w.Reader()

	w.Append([]byte("AB"))
	w.Append([]byte("CD"))
	w.Close()
	// appends after close are dropped
	w.Append([]byte("EF"))

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "ABCD", string(data))
}

func TestBodyWriterBlocksUntilData(t *testing.T) {
	w := NewBodyWriter()
	r := w.Reader()

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Append([]byte("late"))
		w.Close()
	}()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "late", string(data))
}

func TestBodyWriterReaderClose(t *testing.T) {
	w := NewBodyWriter()
	r := w.Reader()
	require.NoError(t, r.Close())

	// a gone consumer discards appends and reads EOF
	w.Append([]byte("dropped"))
	buf := make([]byte, 8)
	n, err := r.Read(buf)
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
}

func TestRequestRegistry(t *testing.T) {
	rr := NewRequestRegistry()
	task := rr.NewTask("c1")
	require.Equal(t, "c1", task.ClientID)
	require.NotEmpty(t, task.ID)
	require.Equal(t, 1, rr.TaskCount())
	require.Same(t, task, rr.GetTask(task.ID))

	require.Same(t, task, rr.RemoveTask(task.ID))
	require.Nil(t, rr.GetTask(task.ID))
	require.Nil(t, rr.RemoveTask(task.ID))
	require.Equal(t, 0, rr.TaskCount())

	w := NewBodyWriter()
	rr.PutWriter("1", w)
	require.Same(t, w, rr.GetWriter("1"))
	require.Same(t, w, rr.RemoveWriter("1"))
	require.Nil(t, rr.GetWriter("1"))
}
