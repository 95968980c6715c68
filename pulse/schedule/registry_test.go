package schedule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/recurring/pulse/async"
	"github.com/teranos/recurring/pulse/payload"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())

	jt := reg.Register(JobType{Name: "b.second", Handler: BaseHandler{}})
	reg.Register(JobType{Name: "a.first", Handler: BaseHandler{}})

	got, ok := reg.Get("b.second")
	require.True(t, ok)
	assert.Same(t, jt, got)
	assert.True(t, reg.Has("a.first"))
	assert.False(t, reg.Has("c.third"))
	assert.Equal(t, []string{"a.first", "b.second"}, reg.Names())
}

func TestRegistryRejectsInvalidTypes(t *testing.T) {
	reg := NewRegistry()
	reg.Register(JobType{Name: "dup", Handler: BaseHandler{}})

	assert.Panics(t, func() { reg.Register(JobType{Handler: BaseHandler{}}) })
	assert.Panics(t, func() { reg.Register(JobType{Name: "nohandler"}) })
	assert.Panics(t, func() { reg.Register(JobType{Name: "dup", Handler: BaseHandler{}}) })
}

func TestRegisterCopiesJobType(t *testing.T) {
	reg := NewRegistry()
	in := JobType{Name: "copy", Handler: BaseHandler{}}
	jt := reg.Register(in)

	in.OneShot = true
	assert.False(t, jt.OneShot)
}

func TestRunDelayedJobID(t *testing.T) {
	run := &Run{Options: payload.NewOptions()}
	assert.Empty(t, run.DelayedJobID())

	run.Options.Set(payload.KeyDelayedJobID, "0192-abc")
	assert.Equal(t, "0192-abc", run.DelayedJobID())

	var nilOpts Run
	assert.Empty(t, nilOpts.DelayedJobID())
}

func TestHandlerFunc(t *testing.T) {
	called := false
	var h Handler = HandlerFunc(func(_ context.Context, run *Run) error {
		called = true
		assert.Equal(t, "job-1", run.Job.ID)
		return nil
	})

	require.NoError(t, h.Perform(context.Background(), &Run{Job: &async.Job{ID: "job-1"}}))
	assert.True(t, called)
	assert.NotPanics(t, func() {
		h.Success(context.Background(), nil)
		h.Failure(context.Background(), nil)
		h.Error(context.Background(), nil, nil)
	})
}

func TestBaseHandlerPerformWithoutLogger(t *testing.T) {
	err := BaseHandler{}.Perform(context.Background(), &Run{Options: payload.NewOptions().Set("k", "v")})
	assert.NoError(t, err)
}
