package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestStartup_StartsInDependencyOrder(t *testing.T) {
	var started []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			started = append(started, name)
			return nil
		}
	}

	s := NewStartup(testLogger(), 1)
	s.AddDependency(Func{Name: "http", Needs: []string{"database", "redis"}, StartFunc: record("http")})
	s.AddDependency(Func{Name: "redis", StartFunc: record("redis")})
	s.AddDependency(Func{Name: "database", StartFunc: record("database")})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"database", "redis", "http"}, started)
	assert.Equal(t, StatusStarted, s.Status("http"))
}

func TestStartup_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	s := NewStartup(testLogger(), 3)
	s.backoffUnit = time.Millisecond
	s.AddDependency(Func{Name: "database", StartFunc: func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestStartup_FailsAfterMaxAttempts(t *testing.T) {
	s := NewStartup(testLogger(), 2)
	s.backoffUnit = time.Millisecond
	s.AddDependency(Func{Name: "database", StartFunc: func(context.Context) error {
		return errors.New("connection refused")
	}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, StatusFailed, s.Status("database"))
}

func TestStartup_UnknownDependency(t *testing.T) {
	s := NewStartup(testLogger(), 1)
	s.AddDependency(Func{Name: "http", Needs: []string{"database"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown startup dependency")
}

func TestStartup_StopReverseOrder(t *testing.T) {
	var stopped []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			stopped = append(stopped, name)
			return nil
		}
	}

	s := NewStartup(testLogger(), 1)
	s.AddDependency(Func{Name: "database", StopFunc: record("database")})
	s.AddDependency(Func{Name: "http", Needs: []string{"database"}, StopFunc: record("http")})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"http", "database"}, stopped)
}
