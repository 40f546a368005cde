package twcfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidgecka/twitcher/internal/watch"
)

const sample = `
watches:
  - znode: /myservice/config
    description: reload myservice on config change
    action:
      shell: "systemctl reload myservice"
    pipe_stdin: true
    run_on_load: true
    run_mode: QUEUE
    watch_type: DATA
    notify_signal: 1
    timeout: 30
  - znode: /myservice/children
    action:
      argv: ["/bin/echo", "hi"]
    watch_type: CHILDREN
    run_mode: PARALLEL
`

func TestParseSample(t *testing.T) {
	descs, err := Parse("sample.twc", []byte(sample))
	require.NoError(t, err)
	require.Len(t, descs, 2)

	first := descs[0]
	assert.Equal(t, "/myservice/config", first.Path)
	assert.Equal(t, "reload myservice on config change", first.Description)
	assert.True(t, first.PipeStdin)
	assert.True(t, first.RunOnLoad)
	assert.Equal(t, watch.RunModeQueue, first.RunMode)
	assert.Equal(t, watch.TypeData, first.Type)
	assert.EqualValues(t, 1, first.NotifySignal)
	assert.True(t, first.Action.IsProcess())

	second := descs[1]
	assert.Equal(t, watch.TypeChildren, second.Type)
	assert.Equal(t, watch.RunModeParallel, second.RunMode)
	assert.Equal(t, []string{"/bin/echo", "hi"}, second.Action.Command())
}

func TestParseDefaults(t *testing.T) {
	descs, err := Parse("defaults.twc", []byte(`
watches:
  - znode: /x
    action:
      shell: "true"
`))
	require.NoError(t, err)
	require.Len(t, descs, 1)
	d := descs[0]
	assert.True(t, d.PipeStdin)
	assert.True(t, d.RunOnLoad)
	assert.Equal(t, watch.RunModeQueue, d.RunMode)
	assert.Equal(t, watch.TypeData, d.Type)
	assert.Equal(t, "defaults.twc-1", d.Description)
}

func TestParseRejectsMissingZnode(t *testing.T) {
	_, err := Parse("bad.twc", []byte(`
watches:
  - action:
      shell: "true"
`))
	assert.Error(t, err)
}

func TestParseRejectsBothActionVariants(t *testing.T) {
	_, err := Parse("bad.twc", []byte(`
watches:
  - znode: /x
    action:
      shell: "true"
      argv: ["/bin/true"]
`))
	assert.Error(t, err)
}

func TestParseRejectsOutOfRangeNotifySignal(t *testing.T) {
	_, err := Parse("bad.twc", []byte(`
watches:
  - znode: /x
    action:
      shell: "true"
    notify_signal: 32
`))
	assert.Error(t, err)
}

func TestParseRejectsExplicitZeroNotifySignal(t *testing.T) {
	// An explicit "notify_signal: 0" is distinct from omitting the field
	// entirely: the explicit zero must be rejected by the 1..31 bound, not
	// silently treated as "unset" (omission is covered by the next test).
	_, err := Parse("bad.twc", []byte(`
watches:
  - znode: /x
    action:
      shell: "true"
    notify_signal: 0
`))
	assert.Error(t, err)
}

func TestParseOmittedNotifySignalIsUnset(t *testing.T) {
	descs, err := Parse("ok.twc", []byte(`
watches:
  - znode: /x
    action:
      shell: "true"
`))
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.EqualValues(t, 0, descs[0].NotifySignal)
}

func TestParseRejectsUnknownRunMode(t *testing.T) {
	_, err := Parse("bad.twc", []byte(`
watches:
  - znode: /x
    action:
      shell: "true"
    run_mode: BOGUS
`))
	assert.Error(t, err)
}
