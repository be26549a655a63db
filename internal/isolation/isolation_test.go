package isolation

import (
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"izi/internal/model"
	"izi/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// killableNoop starts a short-lived real process so reapIdle's
// (*os.Process).Kill call has something to act on.
func killableNoop(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

func TestEnvelope_RoundTripsResult(t *testing.T) {
	res := worker.OK("done")
	env := envelope{Type: "result", JobID: 7, Result: &res}

	// isolation.go marshals with encoding/json; encoding and decoding the
	// envelope here pins the wire contract without spawning a real child
	// process.
	b, err := json.Marshal(env)
	require.NoError(t, err)
	var got envelope
	require.NoError(t, json.Unmarshal(b, &got))

	assert.Equal(t, "result", got.Type)
	assert.Equal(t, int64(7), got.JobID)
	require.NotNil(t, got.Result)
	assert.Equal(t, worker.KindOK, got.Result.Kind)
	assert.Equal(t, "done", got.Result.Value)
}

func TestPool_AcquireFailsAtMaxContexts(t *testing.T) {
	p := &Pool{MaxContexts: 2, IdleTimeout: time.Second}
	p.contexts = []*execContext{
		{id: "a", busy: true},
		{id: "b", busy: true},
	}

	_, err := p.acquire()
	assert.Error(t, err)
}

func TestPool_AcquireReusesFreeContext(t *testing.T) {
	p := &Pool{MaxContexts: 2, IdleTimeout: time.Second}
	free := &execContext{id: "a", busy: false}
	p.contexts = []*execContext{free, {id: "b", busy: true}}

	got, err := p.acquire()
	require.NoError(t, err)
	assert.Equal(t, "a", got.id)
	assert.True(t, got.busy)
}

func TestPool_ReapIdleRespectsMinContexts(t *testing.T) {
	p := &Pool{MaxContexts: 4, MinContexts: 1, IdleTimeout: time.Millisecond}
	old := time.Now().Add(-time.Hour)
	p.contexts = []*execContext{
		{id: "a", busy: false, lastUsed: old, cmd: killableNoop(t)},
		{id: "b", busy: false, lastUsed: old, cmd: killableNoop(t)},
	}

	p.reapIdle()
	assert.Len(t, p.contexts, 1, "one context stays alive to satisfy MinContexts")
}

func TestPool_Remove(t *testing.T) {
	p := &Pool{}
	p.contexts = []*execContext{{id: "a"}, {id: "b"}}
	p.remove(p.contexts[0])
	require.Len(t, p.contexts, 1)
	assert.Equal(t, "b", p.contexts[0].id)
}

func TestPool_ReleaseClearsBusy(t *testing.T) {
	p := &Pool{}
	c := &execContext{id: "a", busy: true}
	p.contexts = []*execContext{c}
	p.release(c)
	assert.False(t, c.busy)
}

var _ = model.Job{}
