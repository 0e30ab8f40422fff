package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func classifyCode(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return Success
	case code >= 500 && code < 600:
		return Retryable
	default:
		return Terminal
	}
}

// sequence returns an op that yields codes (or errors) in order and counts calls.
func sequence(steps ...any) (func(context.Context) (int, error), *int) {
	calls := 0
	return func(context.Context) (int, error) {
		step := steps[min(calls, len(steps)-1)]
		calls++
		if err, ok := step.(error); ok {
			return 0, err
		}
		return step.(int), nil
	}, &calls
}

func recordingPolicy(maxRetries int, base time.Duration) (Policy, *[]time.Duration) {
	var delays []time.Duration
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  base,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}, &delays
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	op, calls := sequence(500, 500, 200)
	p, delays := recordingPolicy(2, 10*time.Millisecond)
	p.Logger = zaptest.NewLogger(t)

	res, err := Execute(context.Background(), p, op, classifyCode)
	require.NoError(t, err)

	assert.Equal(t, 200, res.Value)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *delays)
}

func TestExecute_ExhaustedReturnsLastResponse(t *testing.T) {
	op, calls := sequence(500)
	p, delays := recordingPolicy(2, time.Millisecond)

	res, err := Execute(context.Background(), p, op, classifyCode)
	require.NoError(t, err)

	assert.Equal(t, 500, res.Value)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, *delays, 2)
}

func TestExecute_TerminalNotRetried(t *testing.T) {
	op, calls := sequence(404, 200)
	p, delays := recordingPolicy(3, time.Millisecond)

	res, err := Execute(context.Background(), p, op, classifyCode)
	require.NoError(t, err)

	assert.Equal(t, 404, res.Value)
	assert.Equal(t, 1, *calls)
	assert.Empty(t, *delays)
}

func TestExecute_ImmediateSuccess(t *testing.T) {
	op, calls := sequence(201)
	p, _ := recordingPolicy(3, time.Millisecond)

	res, err := Execute(context.Background(), p, op, classifyCode)
	require.NoError(t, err)
	assert.Equal(t, 201, res.Value)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecute_ErrorThenSuccess(t *testing.T) {
	op, calls := sequence(errors.New("connection reset"), 200)
	p, delays := recordingPolicy(2, 5*time.Millisecond)

	res, err := Execute(context.Background(), p, op, classifyCode)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Value)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, []time.Duration{5 * time.Millisecond}, *delays)
}

func TestExecute_ErrorOnFinalAttemptPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	op, calls := sequence(boom)
	p, delays := recordingPolicy(2, time.Millisecond)

	res, err := Execute(context.Background(), p, op, classifyCode)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, *delays)
}

func TestExecute_NegativeRetriesRunsOnce(t *testing.T) {
	op, calls := sequence(500)
	p, _ := recordingPolicy(-1, time.Millisecond)

	res, err := Execute(context.Background(), p, op, classifyCode)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 500, res.Value)
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	op, calls := sequence(503)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Execute(ctx, Policy{MaxRetries: 3, BaseDelay: time.Hour}, op, classifyCode)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, *calls)
}
