package fixtures

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// FakeRecordAPI serves canned thread and history records.
type FakeRecordAPI struct {
	mu           sync.Mutex
	threads      []types.RawRecord
	history      map[string][]types.RawRecord
	err          error
	threadCalls  int
	historyCalls int
	delay        time.Duration
}

var _ interfaces.RecordAPI = (*FakeRecordAPI)(nil)

func NewFakeRecordAPI(threads ...types.RawRecord) *FakeRecordAPI {
	return &FakeRecordAPI{
		threads: threads,
		history: make(map[string][]types.RawRecord),
	}
}

func (f *FakeRecordAPI) FetchThreads(ctx context.Context) ([]types.RawRecord, error) {
	f.mu.Lock()
	f.threadCalls++
	delay, err := f.delay, f.err
	out := make([]types.RawRecord, len(f.threads))
	copy(out, f.threads)
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FakeRecordAPI) FetchHistory(ctx context.Context, threadID string) ([]types.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.RawRecord(nil), f.history[threadID]...), nil
}

// SetThreads replaces the thread list returned by later fetches.
func (f *FakeRecordAPI) SetThreads(threads ...types.RawRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = threads
}

// SetHistory replaces the history returned for one thread.
func (f *FakeRecordAPI) SetHistory(threadID string, records ...types.RawRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[threadID] = records
}

// SetError makes every later fetch fail with err; nil clears it.
func (f *FakeRecordAPI) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetDelay slows FetchThreads down to widen race windows.
func (f *FakeRecordAPI) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *FakeRecordAPI) ThreadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threadCalls
}

func (f *FakeRecordAPI) HistoryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: "+format, append([]any{timeout}, args...)...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
