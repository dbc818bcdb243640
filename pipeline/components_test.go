package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testComponentConfig struct {
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
}

type testComponent struct {
	config testComponentConfig
	deps   Dependencies
}

func (c *testComponent) Run(wg *sync.WaitGroup, ctx context.Context) {
	wg.Done()
}

func (c *testComponent) Close() {}

func TestInstantiateComponent(t *testing.T) {
	RegisterComponent("test.component", testComponentConfig{}, func(config interface{}, deps Dependencies) Component {
		return &testComponent{config: config.(testComponentConfig), deps: deps}
	})
	require.True(t, IsRegistered("test.component"))
	require.False(t, IsRegistered("test.missing"))

	comp, err := InstantiateComponent("test.component", map[string]interface{}{
		"topic":   "timestamps",
		"timeout": "5s",
	}, Dependencies{})
	require.NoError(t, err)

	c := comp.(*testComponent)
	require.Equal(t, "timestamps", c.config.Topic)
	require.Equal(t, 5*time.Second, c.config.Timeout)
	require.Equal(t, NopRecorder, c.deps.Sessions)

	_, err = InstantiateComponent("test.missing", nil, Dependencies{})
	require.ErrorIs(t, err, ErrUnknownComponent)
}
