package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/tap-loganalytics/pkg/apperrors"
	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/retry"
	"github.com/ekaya-inc/tap-loganalytics/pkg/window"
)

// scriptedClient answers page requests from a queue of responses keyed by
// continuation token.
type scriptedClient struct {
	mu        sync.Mutex
	responses map[string][]response
	requests  []PageRequest
}

type response struct {
	page  *Page
	err   error
	block bool
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{responses: make(map[string][]response)}
}

func (c *scriptedClient) on(continuation string, responses ...response) {
	c.responses[continuation] = append(c.responses[continuation], responses...)
}

func (c *scriptedClient) QueryPage(ctx context.Context, req PageRequest) (*Page, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	queue := c.responses[req.Continuation]
	if len(queue) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("unexpected request for continuation %q", req.Continuation)
	}
	resp := queue[0]
	if len(queue) > 1 {
		c.responses[req.Continuation] = queue[1:]
	}
	c.mu.Unlock()

	if resp.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return resp.page, resp.err
}

func fastConfig(maxRetries int) ExecutorConfig {
	return ExecutorConfig{
		Retry: &retry.Config{
			MaxRetries:   maxRetries,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
		AttemptTimeout: time.Second,
		MaxRows:        100,
	}
}

var (
	testStream = config.Stream{Name: "exceptions", Query: "AppExceptions", ChunkSize: 24 * time.Hour}
	testWindow = window.Window{
		From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	testColumns = []Column{{Name: "TimeGenerated", Type: "datetime"}, {Name: "Count", Type: "long"}}
)

func collect(t *testing.T, rows *Rows) [][]any {
	t.Helper()
	var out [][]any
	for rows.Next() {
		out = append(out, rows.Row().Values)
	}
	return out
}

func TestExecute_FollowsContinuation(t *testing.T) {
	client := newScriptedClient()
	client.on("", response{page: &Page{Columns: testColumns, Rows: [][]any{{"t1", 1}, {"t2", 2}}, Continuation: "next-1"}})
	client.on("next-1", response{page: &Page{Rows: [][]any{{"t3", 3}}}})

	exec := NewExecutor(client, "ws", fastConfig(0), zaptest.NewLogger(t))
	rows, err := exec.Execute(context.Background(), testStream, testWindow)
	require.NoError(t, err)
	assert.Equal(t, testColumns, rows.Columns())

	values := collect(t, rows)
	require.NoError(t, rows.Err())
	assert.Equal(t, [][]any{{"t1", 1}, {"t2", 2}, {"t3", 3}}, values)
	assert.Equal(t, 2, rows.Pages())
	assert.Equal(t, 3, rows.Total())

	require.Len(t, client.requests, 2)
	assert.Equal(t, "ws", client.requests[0].WorkspaceID)
	assert.Equal(t, testWindow, client.requests[1].Window)
}

func TestExecute_RowGetUsesColumnNames(t *testing.T) {
	client := newScriptedClient()
	client.on("", response{page: &Page{Columns: testColumns, Rows: [][]any{{"t1", 7}}}})

	rows, err := NewExecutor(client, "ws", fastConfig(0), nil).Execute(context.Background(), testStream, testWindow)
	require.NoError(t, err)
	require.True(t, rows.Next())

	v, ok := rows.Row().Get("Count")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	_, ok = rows.Row().Get("Missing")
	assert.False(t, ok)
	assert.False(t, rows.Next())
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	client := newScriptedClient()
	client.on("",
		response{err: &RemoteError{StatusCode: 429, Message: "throttled"}},
		response{err: &RemoteError{StatusCode: 503, Message: "unavailable"}},
		response{page: &Page{Columns: testColumns, Rows: [][]any{{"t1", 1}}}},
	)

	outcomes := map[string]int{}
	cfg := fastConfig(5)
	cfg.OnAttempt = func(stream, outcome string) { outcomes[outcome]++ }

	rows, err := NewExecutor(client, "ws", cfg, zaptest.NewLogger(t)).Execute(context.Background(), testStream, testWindow)
	require.NoError(t, err)
	assert.Len(t, collect(t, rows), 1)
	assert.Equal(t, map[string]int{"transient": 2, "success": 1}, outcomes)
}

func TestExecute_ExhaustedRetriesAreNotFatal(t *testing.T) {
	client := newScriptedClient()
	client.on("", response{err: &RemoteError{StatusCode: 500, Message: "boom"}})

	_, err := NewExecutor(client, "ws", fastConfig(2), zaptest.NewLogger(t)).Execute(context.Background(), testStream, testWindow)

	var qe *apperrors.QueryExecutionError
	require.True(t, errors.As(err, &qe))
	assert.False(t, qe.Fatal)
	assert.Equal(t, 3, qe.Attempts)
	assert.Equal(t, 500, qe.StatusCode)
	assert.Equal(t, "exceptions", qe.Stream)
	assert.Equal(t, testWindow.From, qe.WindowFrom)
	assert.False(t, apperrors.IsFatal(err))
}

func TestExecute_FatalErrorNotRetried(t *testing.T) {
	client := newScriptedClient()
	client.on("", response{err: &RemoteError{StatusCode: 400, Code: "BadArgumentError", Message: "syntax error"}})

	_, err := NewExecutor(client, "ws", fastConfig(5), zaptest.NewLogger(t)).Execute(context.Background(), testStream, testWindow)

	var qe *apperrors.QueryExecutionError
	require.True(t, errors.As(err, &qe))
	assert.True(t, qe.Fatal)
	assert.Equal(t, 1, qe.Attempts)
	assert.True(t, apperrors.IsFatal(err))
	assert.Len(t, client.requests, 1)
}

func TestExecute_AttemptTimeoutIsRetried(t *testing.T) {
	client := newScriptedClient()
	client.on("",
		response{block: true},
		response{page: &Page{Columns: testColumns, Rows: [][]any{{"t1", 1}}}},
	)

	cfg := fastConfig(2)
	cfg.AttemptTimeout = 20 * time.Millisecond

	rows, err := NewExecutor(client, "ws", cfg, zaptest.NewLogger(t)).Execute(context.Background(), testStream, testWindow)
	require.NoError(t, err)
	assert.Len(t, collect(t, rows), 1)
	assert.Len(t, client.requests, 2)
}

func TestExecute_CancelledContextIsNotFatal(t *testing.T) {
	client := newScriptedClient()
	client.on("", response{err: &RemoteError{StatusCode: 503, Message: "unavailable"}})

	cfg := fastConfig(5)
	cfg.Retry.InitialDelay = time.Hour
	cfg.Retry.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewExecutor(client, "ws", cfg, zaptest.NewLogger(t)).Execute(ctx, testStream, testWindow)
	var qe *apperrors.QueryExecutionError
	require.True(t, errors.As(err, &qe))
	assert.False(t, qe.Fatal)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExecute_RowCapRaisesWindowTooLarge(t *testing.T) {
	client := newScriptedClient()
	page := make([][]any, 60)
	for i := range page {
		page[i] = []any{"t", i}
	}
	client.on("", response{page: &Page{Columns: testColumns, Rows: page, Continuation: "more"}})
	client.on("more", response{page: &Page{Rows: page}})

	rows, err := NewExecutor(client, "ws", fastConfig(0), zaptest.NewLogger(t)).Execute(context.Background(), testStream, testWindow)
	require.NoError(t, err)

	n := len(collect(t, rows))
	assert.Equal(t, 60, n, "rows beyond the cap must never be yielded")

	var tooLarge *apperrors.WindowTooLargeError
	require.True(t, errors.As(rows.Err(), &tooLarge))
	assert.Equal(t, 120, tooLarge.Rows)
	assert.Equal(t, 100, tooLarge.Limit)
	assert.Equal(t, 12*time.Hour, tooLarge.RecommendedChunk)
}

func TestExecute_SizeLimitedPartialRaisesWindowTooLarge(t *testing.T) {
	client := newScriptedClient()
	client.on("", response{page: &Page{
		Columns: testColumns,
		Rows:    [][]any{{"t", 1}},
		Partial: &PartialError{Code: "E_QUERY_RESULT_SET_TOO_LARGE", Message: "result set exceeded the limit"},
	}})

	_, err := NewExecutor(client, "ws", fastConfig(0), zaptest.NewLogger(t)).Execute(context.Background(), testStream, testWindow)

	var tooLarge *apperrors.WindowTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, "E_QUERY_RESULT_SET_TOO_LARGE", tooLarge.RemoteCode)
}

func TestExecute_OtherPartialKeepsRows(t *testing.T) {
	client := newScriptedClient()
	client.on("", response{page: &Page{
		Columns: testColumns,
		Rows:    [][]any{{"t", 1}, {"t", 2}},
		Partial: &PartialError{Code: "PartialError", Message: "one shard unavailable"},
	}})

	rows, err := NewExecutor(client, "ws", fastConfig(0), zaptest.NewLogger(t)).Execute(context.Background(), testStream, testWindow)
	require.NoError(t, err)
	assert.Len(t, collect(t, rows), 2)
	assert.NoError(t, rows.Err())
}

func TestExecute_ContinuationFailureSurfacesThroughErr(t *testing.T) {
	client := newScriptedClient()
	client.on("", response{page: &Page{Columns: testColumns, Rows: [][]any{{"t", 1}}, Continuation: "next"}})
	client.on("next", response{err: &RemoteError{StatusCode: 403, Message: "forbidden"}})

	rows, err := NewExecutor(client, "ws", fastConfig(3), zaptest.NewLogger(t)).Execute(context.Background(), testStream, testWindow)
	require.NoError(t, err)
	assert.Len(t, collect(t, rows), 1)

	var qe *apperrors.QueryExecutionError
	require.True(t, errors.As(rows.Err(), &qe))
	assert.True(t, qe.Fatal)
}

func TestRender(t *testing.T) {
	q := "T | where TimeGenerated >= {{start}} and TimeGenerated < {{end}}"
	assert.Equal(t,
		"T | where TimeGenerated >= datetime(2024-01-01T00:00:00Z) and TimeGenerated < datetime(2024-01-02T00:00:00Z)",
		Render(q, testWindow))
	assert.Equal(t, "T | take 10", Render("T | take 10", testWindow))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected retry.Class
	}{
		{"408", &RemoteError{StatusCode: 408}, retry.Transient},
		{"429", &RemoteError{StatusCode: 429}, retry.Transient},
		{"502", &RemoteError{StatusCode: 502}, retry.Transient},
		{"400", &RemoteError{StatusCode: 400}, retry.Fatal},
		{"401", &RemoteError{StatusCode: 401}, retry.Fatal},
		{"403", &RemoteError{StatusCode: 403}, retry.Fatal},
		{"404", &RemoteError{StatusCode: 404}, retry.Fatal},
		{"wrapped 503", fmt.Errorf("query: %w", &RemoteError{StatusCode: 503}), retry.Transient},
		{"deadline", context.DeadlineExceeded, retry.Transient},
		{"canceled", context.Canceled, retry.Fatal},
		{"net timeout", timeoutErr{}, retry.Transient},
		{"connection reset", errors.New("read: connection reset by peer"), retry.Transient},
		{"unknown", errors.New("invalid credentials"), retry.Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestPartialError_SizeLimited(t *testing.T) {
	assert.True(t, (&PartialError{Code: "E_QUERY_RESULT_SET_TOO_LARGE"}).SizeLimited())
	assert.True(t, (&PartialError{Message: "Query result set has exceeded the internal record count limit"}).SizeLimited())
	assert.False(t, (&PartialError{Code: "PartialError", Message: "shard unavailable"}).SizeLimited())
}
