package observability

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type fixedSource HubStats

func (s fixedSource) Stats() HubStats { return HubStats(s) }

func TestMonitoringManager_Samples(t *testing.T) {
	req := require.New(t)
	source := fixedSource{Connections: 3, Topics: 5, Online: 2}
	manager := NewMonitoringManager(logs.GetLoggerFromLevel(slog.LevelDebug), source, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	// The first sample is taken on start
	req.Eventually(func() bool { return !manager.GetLatest().SampledAt.IsZero() }, time.Second, 5*time.Millisecond)
	latest := manager.GetLatest()
	req.Equal(HubStats(source), latest.HubStats)
	req.Positive(latest.Goroutines)
	req.Equal(2, manager.AsMap()["online"])

	cancel()
	req.NoError(<-done)
}
