package runtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/runtime"
	"AgentFleet/internal/runtime/runtimetest"
	"AgentFleet/pkg/logger"
)

func TestBreakerOpensPerAgent(t *testing.T) {
	fake := &runtimetest.Runtime{
		RespondFunc: func(ep runtime.Endpoint, _, _ string) (*runtime.Reply, error) {
			if ep.Agent == "broken" {
				return nil, errors.New("connection refused")
			}
			return &runtime.Reply{}, nil
		},
	}
	b := runtime.NewBreaker(fake, runtime.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, logger.Discard())
	ctx := context.Background()
	broken := runtime.Endpoint{Agent: "broken"}

	for i := 0; i < 2; i++ {
		_, err := b.Respond(ctx, broken, "c", "hi")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("broken"))

	_, err := b.Respond(ctx, broken, "c", "hi")
	assert.Equal(t, xerrors.CodeRuntimeFailure, xerrors.CodeOf(err))
	assert.Len(t, fake.Turns("broken"), 2, "open breaker must not reach the runtime")

	_, err = b.Respond(ctx, runtime.Endpoint{Agent: "healthy"}, "c", "hi")
	assert.NoError(t, err)

	b.Reset("broken")
	assert.Equal(t, gobreaker.StateClosed, b.State("broken"))
}
