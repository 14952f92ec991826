package recovery

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	logs []string
	mu   sync.Mutex
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.add("DEBUG: " + msg) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.add("INFO: " + msg) }
func (l *testLogger) Warn(msg string, keysAndValues ...any)  { l.add("WARN: " + msg) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.add("ERROR: " + msg) }

func (l *testLogger) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, entry)
}

func (l *testLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.logs {
		if strings.Contains(entry, s) {
			return true
		}
	}
	return false
}

func TestSafeExecute_Success(t *testing.T) {
	err := SafeExecute(&testLogger{}, "op", func() error { return nil })
	assert.NoError(t, err)
}

func TestSafeExecute_Error(t *testing.T) {
	expected := errors.New("boom")
	err := SafeExecute(&testLogger{}, "op", func() error { return expected })
	assert.Equal(t, expected, err)
}

func TestSafeExecute_Panic(t *testing.T) {
	logger := &testLogger{}

	err := SafeExecute(logger, "sweep", func() error {
		panic("test panic")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in sweep")
	assert.Contains(t, err.Error(), "test panic")

	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.Equal(t, "sweep", panicErr.Operation)
	assert.True(t, logger.contains("panic_recovered"))
}

func TestSafeExecute_NilLogger(t *testing.T) {
	err := SafeExecute(nil, "op", func() error {
		panic("no logger")
	})
	assert.Error(t, err)
}

func TestSafeExecuteWithResult(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		result, err := SafeExecuteWithResult(&testLogger{}, "op", func() (int, error) {
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 42, result)
	})

	t.Run("panic returns zero value", func(t *testing.T) {
		result, err := SafeExecuteWithResult(&testLogger{}, "op", func() (*int, error) {
			var m map[string]int
			m["x"] = 1
			return nil, nil
		})
		assert.Error(t, err)
		assert.Nil(t, result)
	})
}

func TestSafeGo_Panic(t *testing.T) {
	logger := &testLogger{}
	recovered := make(chan any, 1)

	SafeGo(logger, "worker", func() {
		panic("goroutine panic")
	}, func(r any) {
		recovered <- r
	})

	select {
	case r := <-recovered:
		assert.Equal(t, "goroutine panic", r)
	case <-time.After(time.Second):
		t.Fatal("onPanic was not called")
	}
	assert.True(t, logger.contains("goroutine_panic_recovered"))
}

func TestSafeGo_Success(t *testing.T) {
	done := make(chan struct{})
	SafeGo(nil, "worker", func() { close(done) }, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
