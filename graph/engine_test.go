package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/interruptgraph/graph/emit"
	"github.com/dshills/interruptgraph/graph/store"
)

var flowSchema = Schema{
	"trace":    {Kind: KindStrings, AppendOnly: true},
	"count":    {Kind: KindInt},
	"question": {Kind: KindString},
	"answer":   {Kind: KindString},
}

// tracer returns a step that appends name to the trace field.
func tracer(name string, calls *int64) Step {
	return StepFunc(func(context.Context, State) Result {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		return Continue(Delta{}.Set("trace", Strings(name)))
	})
}

func newEngine(t *testing.T, g *Graph, st store.Store, opts ...Option) *Engine {
	t.Helper()
	e, err := New(g, st, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("ticket-%d", atomic.AddInt64(&n, 1))
	}
}

// askGraph is first -> ask (suspends for an answer) -> last -> End.
func askGraph(t *testing.T, resumer Resumer) *Graph {
	t.Helper()
	b := NewBuilder(flowSchema)
	mustRegister(t, b, "first", tracer("first", nil))
	ask := StepFunc(func(context.Context, State) Result {
		return Suspend(Delta{}.Set("question", String("which revenue?")), map[string]any{
			"question": "which revenue?",
			"options":  []string{"gross_revenue", "net_revenue"},
		})
	})
	if resumer != nil {
		mustRegister(t, b, "ask", ask, WithResumer(resumer))
	} else {
		mustRegister(t, b, "ask", ask)
	}
	mustRegister(t, b, "last", StepFunc(func(context.Context, State) Result {
		return Stop(Delta{}.Set("trace", Strings("last")))
	}), Terminal())
	mustEdge(t, b, "first", Otherwise, "ask")
	mustEdge(t, b, "ask", Otherwise, "last")
	g, err := b.Compile("first")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return g
}

func TestNew_Validation(t *testing.T) {
	g := askGraph(t, nil)
	if _, err := New(nil, store.NewMemStore()); err == nil {
		t.Error("nil graph should be rejected")
	}
	if _, err := New(g, nil); err == nil {
		t.Error("nil store should be rejected")
	}
	if _, err := New(g, store.NewMemStore(), WithMaxSteps(0)); err == nil {
		t.Error("zero max steps should be rejected")
	}
}

func TestEngine_LinearRunCompletes(t *testing.T) {
	b := NewBuilder(flowSchema)
	mustRegister(t, b, "a", tracer("a", nil))
	mustRegister(t, b, "b", tracer("b", nil))
	mustEdge(t, b, "a", Otherwise, "b")
	mustEdge(t, b, "b", Otherwise, End)
	g, err := b.Compile("a")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	events := emit.NewBufferedEmitter()
	e := newEngine(t, g, store.NewMemStore(), WithEmitter(events))

	res, err := e.StartOrResume(context.Background(), "run-1", "hello")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}
	if got := strings.Join(res.State.Strings("trace"), ","); got != "a,b" {
		t.Errorf("trace = %s, want a,b", got)
	}
	if msg, ok := res.State.LastMessage(RoleUser); !ok || msg.Content != "hello" {
		t.Errorf("input message = %+v, %v", msg, ok)
	}

	want := "run_created,step_completed,step_completed,run_completed"
	if got := strings.Join(events.Messages("run-1"), ","); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}

	history, err := e.History(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("history = %d checkpoints, want 3 (create + one per step)", len(history))
	}

	again, err := e.StartOrResume(context.Background(), "run-1", "ignored")
	if err != nil || again.Outcome != OutcomeCompleted {
		t.Errorf("StartOrResume on completed run = %+v, %v", again, err)
	}
	if len(again.State.Messages) != 1 {
		t.Error("input for an existing run must be ignored")
	}
}

func TestEngine_StepBudget(t *testing.T) {
	for _, budget := range []int{1, 3, 7} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			var calls int64
			b := NewBuilder(flowSchema)
			mustRegister(t, b, "loop", tracer("loop", &calls))
			mustEdge(t, b, "loop", Otherwise, "loop")
			g, err := b.Compile("loop")
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}

			e := newEngine(t, g, store.NewMemStore(), WithMaxSteps(budget))
			res, err := e.StartOrResume(context.Background(), "loop-run", "")
			if !errors.Is(err, ErrStepBudgetExceeded) {
				t.Fatalf("err = %v, want ErrStepBudgetExceeded", err)
			}
			if calls != int64(budget) {
				t.Errorf("executed %d steps, want exactly %d", calls, budget)
			}
			if res.Outcome != OutcomeFailed || res.Error == nil || res.Error.Code != "STEP_BUDGET_EXCEEDED" {
				t.Errorf("result = %+v", res)
			}

			run, err := e.Inspect(context.Background(), "loop-run")
			if err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if run.Status != StatusFailed || len(run.State.Strings("trace")) != budget {
				t.Errorf("persisted run = %s with %d trace entries", run.Status, len(run.State.Strings("trace")))
			}
		})
	}
}

func TestEngine_SuspendAndResume(t *testing.T) {
	events := emit.NewBufferedEmitter()
	e := newEngine(t, askGraph(t, nil), store.NewMemStore(), WithEmitter(events), WithTicketIDs(sequentialIDs()))
	ctx := context.Background()

	res, err := e.StartOrResume(ctx, "run-1", "revenue by month")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if res.Outcome != OutcomeSuspended || res.Ticket == nil {
		t.Fatalf("result = %+v, want suspended with ticket", res)
	}
	if res.Ticket.ID != "ticket-1" || res.Ticket.Step != "ask" {
		t.Errorf("ticket = %+v", res.Ticket)
	}
	var payload struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.Unmarshal(res.Ticket.Payload, &payload); err != nil || payload.Question != "which revenue?" || len(payload.Options) != 2 {
		t.Errorf("payload = %s (%v)", res.Ticket.Payload, err)
	}

	// A second StartOrResume returns the same outstanding ticket.
	same, err := e.StartOrResume(ctx, "run-1", "")
	if err != nil || same.Ticket == nil || same.Ticket.ID != res.Ticket.ID {
		t.Errorf("StartOrResume on suspended run = %+v, %v", same, err)
	}

	done, err := e.Resume(ctx, "run-1", res.Ticket.ID, []byte(`{"answer":"net_revenue"}`))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if done.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", done.Outcome)
	}
	if done.State.String("answer") != "net_revenue" {
		t.Errorf("answer = %q", done.State.String("answer"))
	}
	if got := strings.Join(done.State.Strings("trace"), ","); got != "first,last" {
		t.Errorf("trace = %s; the suspending step must not run again", got)
	}

	_, err = e.Resume(ctx, "run-1", res.Ticket.ID, []byte(`{"answer":"gross_revenue"}`))
	if !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("second resume err = %v, want ErrTicketNotFound", err)
	}

	want := "run_created,step_completed,step_completed,run_suspended,run_resumed,step_completed,run_completed"
	if got := strings.Join(events.Messages("run-1"), ","); got != want {
		t.Errorf("events = %s\nwant      %s", got, want)
	}
}

func TestEngine_ResumeValidation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, askGraph(t, nil), store.NewMemStore(), WithTicketIDs(sequentialIDs()))

	if _, err := e.Resume(ctx, "missing", "t", nil); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("unknown run err = %v, want ErrTicketNotFound", err)
	}

	res, err := e.StartOrResume(ctx, "run-1", "")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	ticket := res.Ticket.ID

	tests := []struct {
		name     string
		ticket   string
		response string
		want     error
	}{
		{"wrong ticket", "other", `{"answer":"x"}`, ErrTicketMismatch},
		{"invalid json", ticket, `{"answer":`, ErrInvalidResponse},
		{"not an object", ticket, `["x"]`, ErrInvalidResponse},
		{"undeclared field", ticket, `{"nope":"x"}`, ErrInvalidResponse},
		{"wrong kind", ticket, `{"count":"many"}`, ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Resume(ctx, "run-1", tt.ticket, []byte(tt.response)); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			run, _ := e.Inspect(ctx, "run-1")
			if run.Status != StatusSuspended || run.Ticket == nil || run.Ticket.ID != ticket {
				t.Errorf("run changed after rejected resume: %s %+v", run.Status, run.Ticket)
			}
		})
	}

	if _, err := e.Resume(ctx, "run-1", ticket, []byte(`{"answer":"x"}`)); err != nil {
		t.Fatalf("valid resume after rejections: %v", err)
	}
	if _, err := e.Resume(ctx, "run-1", "never-issued", nil); !errors.Is(err, ErrRunNotSuspended) {
		t.Errorf("resume completed run err = %v, want ErrRunNotSuspended", err)
	}
}

func TestEngine_ResumerValidatesResponse(t *testing.T) {
	resumer := ResumeFunc(func(_ context.Context, state State, response json.RawMessage) (Delta, error) {
		var in struct {
			Option int `mapstructure:"option"`
		}
		if err := DecodeResponse(response, &in); err != nil {
			return Delta{}, err
		}
		options := []string{"gross_revenue", "net_revenue"}
		if in.Option < 1 || in.Option > len(options) {
			return Delta{}, fmt.Errorf("option %d out of range", in.Option)
		}
		if state.String("question") == "" {
			return Delta{}, errors.New("resumer should see the suspended state")
		}
		return Delta{}.Set("answer", String(options[in.Option-1])), nil
	})

	ctx := context.Background()
	e := newEngine(t, askGraph(t, resumer), store.NewMemStore())
	res, _ := e.StartOrResume(ctx, "run-1", "")

	for _, bad := range []string{`{"option":5}`, `{"option":1,"extra":true}`, `{"option":"one"}`} {
		if _, err := e.Resume(ctx, "run-1", res.Ticket.ID, []byte(bad)); !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("Resume(%s) err = %v, want ErrInvalidResponse", bad, err)
		}
	}

	done, err := e.Resume(ctx, "run-1", res.Ticket.ID, []byte(`{"option":2}`))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if done.State.String("answer") != "net_revenue" {
		t.Errorf("answer = %q", done.State.String("answer"))
	}
}

// TestEngine_CrashRecovery simulates a process dying after the second
// checkpoint. A new engine over the same store continues at the third step
// without applying the first two again.
func TestEngine_CrashRecovery(t *testing.T) {
	st := store.NewMemStore()
	var aCalls, bCalls, cCalls int64

	build := func(crash bool) *Graph {
		b := NewBuilder(flowSchema)
		mustRegister(t, b, "a", tracer("a", &aCalls))
		mustRegister(t, b, "b", tracer("b", &bCalls))
		mustRegister(t, b, "c", StepFunc(func(ctx context.Context, s State) Result {
			if crash {
				<-ctx.Done()
				return Fail(ctx.Err())
			}
			atomic.AddInt64(&cCalls, 1)
			return Continue(Delta{}.Set("trace", Strings("c")))
		}))
		mustEdge(t, b, "a", Otherwise, "b")
		mustEdge(t, b, "b", Otherwise, "c")
		mustEdge(t, b, "c", Otherwise, End)
		g, err := b.Compile("a")
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		return g
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	first := newEngine(t, build(true), st)
	if _, err := first.StartOrResume(ctx, "run-1", "q"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want the caller's deadline", err)
	}

	run, err := first.Inspect(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if run.Status != StatusRunning || run.Cursor != "c" || run.Steps != 2 {
		t.Fatalf("checkpoint = %s at %s after %d steps, want running at c after 2", run.Status, run.Cursor, run.Steps)
	}

	restarted := newEngine(t, build(false), st)
	res, err := restarted.StartOrResume(context.Background(), "run-1", "")
	if err != nil {
		t.Fatalf("StartOrResume after restart: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if aCalls != 1 || bCalls != 1 || cCalls != 1 {
		t.Errorf("calls a=%d b=%d c=%d, want 1 each", aCalls, bCalls, cCalls)
	}
	if got := strings.Join(res.State.Strings("trace"), ","); got != "a,b,c" {
		t.Errorf("trace = %s, want a,b,c", got)
	}
	if len(res.State.Messages) != 1 {
		t.Errorf("messages = %d, want the single input message", len(res.State.Messages))
	}
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	events := emit.NewBufferedEmitter()
	e := newEngine(t, askGraph(t, nil), store.NewMemStore(), WithEmitter(events))

	res, _ := e.StartOrResume(ctx, "run-1", "")
	run, err := e.Cancel(ctx, "run-1", "user left")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if run.Status != StatusCancelled || run.CancelReason != "user left" || run.Ticket != nil {
		t.Errorf("cancelled run = %+v", run)
	}

	if _, err := e.Resume(ctx, "run-1", res.Ticket.ID, []byte(`{"answer":"x"}`)); !errors.Is(err, ErrRunCancelled) {
		t.Errorf("Resume err = %v, want ErrRunCancelled", err)
	}
	if _, err := e.StartOrResume(ctx, "run-1", ""); !errors.Is(err, ErrRunCancelled) {
		t.Errorf("StartOrResume err = %v, want ErrRunCancelled", err)
	}
	again, err := e.Cancel(ctx, "run-1", "twice")
	if err != nil || again.CancelReason != "user left" {
		t.Errorf("second Cancel = %+v, %v; want the first cancellation", again, err)
	}
	if _, err := e.Cancel(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(missing) err = %v", err)
	}

	msgs := events.Messages("run-1")
	if msgs[len(msgs)-1] != emit.MsgRunCancelled {
		t.Errorf("last event = %s", msgs[len(msgs)-1])
	}
}

func TestEngine_CancelCompletedRun(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, askGraph(t, nil), store.NewMemStore())
	res, _ := e.StartOrResume(ctx, "run-1", "")
	if _, err := e.Resume(ctx, "run-1", res.Ticket.ID, []byte(`{}`)); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := e.Cancel(ctx, "run-1", ""); !errors.Is(err, ErrRunCompleted) {
		t.Errorf("err = %v, want ErrRunCompleted", err)
	}
}

func TestEngine_CancelDuringStep(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	proceed := make(chan struct{})

	b := NewBuilder(flowSchema)
	mustRegister(t, b, "slow", StepFunc(func(context.Context, State) Result {
		close(started)
		<-proceed
		return Continue(Delta{}.Set("trace", Strings("slow")))
	}))
	mustEdge(t, b, "slow", Otherwise, End)
	g, _ := b.Compile("slow")
	e := newEngine(t, g, store.NewMemStore(), WithConflictBackoff(time.Millisecond))

	errc := make(chan error, 1)
	go func() {
		_, err := e.StartOrResume(ctx, "run-1", "")
		errc <- err
	}()

	<-started
	if _, err := e.Cancel(ctx, "run-1", "stop"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(proceed)

	if err := <-errc; !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("StartOrResume err = %v, want ErrRunCancelled", err)
	}
	run, _ := e.Inspect(ctx, "run-1")
	if run.Status != StatusCancelled || run.State.Has("trace") {
		t.Errorf("the in-flight step's effects must be discarded: %+v", run)
	}
}

func TestEngine_Retry(t *testing.T) {
	ctx := context.Background()
	var attempts int64

	b := NewBuilder(flowSchema)
	mustRegister(t, b, "a", tracer("a", nil))
	mustRegister(t, b, "flaky", StepFunc(func(context.Context, State) Result {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return Fail(errors.New("catalog unavailable"))
		}
		return Continue(Delta{}.Set("trace", Strings("flaky")))
	}))
	mustEdge(t, b, "a", Otherwise, "flaky")
	mustEdge(t, b, "flaky", Otherwise, End)
	g, _ := b.Compile("a")
	e := newEngine(t, g, store.NewMemStore())

	if _, err := e.Retry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Retry(missing) err = %v", err)
	}

	res, err := e.StartOrResume(ctx, "run-1", "")
	var stepErr *StepExecutionError
	if !errors.As(err, &stepErr) || stepErr.Step != "flaky" {
		t.Fatalf("err = %v, want StepExecutionError at flaky", err)
	}
	if res.Outcome != OutcomeFailed || res.Error.Code != "STEP_EXECUTION" || res.Error.Step != "flaky" {
		t.Fatalf("result = %+v", res)
	}

	// A failed run is returned as is, not re-executed.
	same, err := e.StartOrResume(ctx, "run-1", "")
	if err != nil || same.Outcome != OutcomeFailed || attempts != 1 {
		t.Errorf("StartOrResume on failed run = %+v, %v (attempts %d)", same, err, attempts)
	}

	done, err := e.Retry(ctx, "run-1")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if done.Outcome != OutcomeCompleted || done.State.Error != nil {
		t.Fatalf("result = %+v", done)
	}
	if got := strings.Join(done.State.Strings("trace"), ","); got != "a,flaky" {
		t.Errorf("trace = %s; a must not run again", got)
	}

	if _, err := e.Retry(ctx, "run-1"); !errors.Is(err, ErrRunNotFailed) {
		t.Errorf("Retry(completed) err = %v, want ErrRunNotFailed", err)
	}
}

func TestEngine_StepTimeoutAndPanic(t *testing.T) {
	tests := []struct {
		name     string
		step     Step
		opts     []StepOption
		wantCode string
		wantErr  error
	}{
		{
			name: "timeout",
			step: StepFunc(func(ctx context.Context, _ State) Result {
				<-ctx.Done()
				return Continue(Delta{})
			}),
			opts:     []StepOption{StepTimeout(10 * time.Millisecond)},
			wantCode: "STEP_TIMEOUT",
			wantErr:  ErrStepTimeout,
		},
		{
			name:     "panic",
			step:     StepFunc(func(context.Context, State) Result { panic("boom") }),
			wantCode: "STEP_EXECUTION",
		},
		{
			name: "unknown field reference",
			step: StepFunc(func(context.Context, State) Result {
				return Fail(fmt.Errorf("%w: orders.margin", ErrUnknownFieldReference))
			}),
			wantCode: "UNKNOWN_FIELD_REFERENCE",
			wantErr:  ErrUnknownFieldReference,
		},
		{
			name: "schema mismatch",
			step: StepFunc(func(context.Context, State) Result {
				return Continue(Delta{}.Set("count", String("three")))
			}),
			wantCode: "SCHEMA_MISMATCH",
			wantErr:  ErrSchemaMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(flowSchema)
			mustRegister(t, b, "s", tt.step, tt.opts...)
			mustEdge(t, b, "s", Otherwise, End)
			g, _ := b.Compile("s")
			e := newEngine(t, g, store.NewMemStore())

			res, err := e.StartOrResume(context.Background(), "run", "")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if res.Error == nil || res.Error.Code != tt.wantCode {
				t.Errorf("error detail = %+v, want code %s", res.Error, tt.wantCode)
			}
			run, _ := e.Inspect(context.Background(), "run")
			if run.Status != StatusFailed {
				t.Errorf("status = %s, want failed", run.Status)
			}
		})
	}
}

// bumpingStore makes the first checkpoint write after creation lose a CAS
// race against a writer that rewrote the same content.
type bumpingStore struct {
	store.Store
	once sync.Once
}

func (s *bumpingStore) Save(ctx context.Context, rec store.Record) (store.Record, error) {
	if rec.Version > 0 {
		s.once.Do(func() {
			current, err := s.Store.Load(ctx, rec.RunID)
			if err == nil {
				_, _ = s.Store.Save(ctx, current)
			}
		})
	}
	return s.Store.Save(ctx, rec)
}

func TestEngine_RetriesBenignConflict(t *testing.T) {
	events := emit.NewBufferedEmitter()
	b := NewBuilder(flowSchema)
	mustRegister(t, b, "a", tracer("a", nil))
	mustEdge(t, b, "a", Otherwise, End)
	g, _ := b.Compile("a")

	e := newEngine(t, g, &bumpingStore{Store: store.NewMemStore()}, WithEmitter(events), WithConflictBackoff(time.Millisecond))
	res, err := e.StartOrResume(context.Background(), "run-1", "")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s", res.Outcome)
	}
	conflicts := events.GetHistoryWithFilter("run-1", emit.HistoryFilter{Msg: emit.MsgCheckpointConflict})
	if len(conflicts) != 1 {
		t.Errorf("conflict events = %d, want 1", len(conflicts))
	}
}

func TestEngine_ConcurrentCallersExecuteOnce(t *testing.T) {
	var calls int64
	b := NewBuilder(flowSchema)
	mustRegister(t, b, "a", StepFunc(func(context.Context, State) Result {
		atomic.AddInt64(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return Continue(Delta{}.Set("trace", Strings("a")))
	}))
	mustEdge(t, b, "a", Otherwise, End)
	g, _ := b.Compile("a")
	e := newEngine(t, g, store.NewMemStore())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.StartOrResume(context.Background(), "shared", "q")
			if err != nil || res.Outcome != OutcomeCompleted {
				t.Errorf("StartOrResume = %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("step executed %d times, want 1", calls)
	}
}

func TestEngine_IndependentRunsInParallel(t *testing.T) {
	b := NewBuilder(flowSchema)
	mustRegister(t, b, "a", tracer("a", nil))
	mustRegister(t, b, "b", tracer("b", nil))
	mustEdge(t, b, "a", Otherwise, "b")
	mustEdge(t, b, "b", Otherwise, End)
	g, _ := b.Compile("a")
	e := newEngine(t, g, store.NewMemStore())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.StartOrResume(context.Background(), fmt.Sprintf("run-%d", i), "q")
			if err != nil || len(res.State.Strings("trace")) != 2 {
				t.Errorf("run-%d = %+v, %v", i, res, err)
			}
		}(i)
	}
	wg.Wait()

	runs, err := e.List(context.Background(), store.Query{Status: string(StatusCompleted)})
	if err != nil || len(runs) != 20 {
		t.Errorf("List = %d runs, %v", len(runs), err)
	}
}

func TestEngine_InvalidRunID(t *testing.T) {
	e := newEngine(t, askGraph(t, nil), store.NewMemStore())
	_, err := e.StartOrResume(context.Background(), "", "")
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "INVALID_RUN_ID" {
		t.Errorf("err = %v, want INVALID_RUN_ID", err)
	}
}

func TestEngine_InvalidInput(t *testing.T) {
	e := newEngine(t, askGraph(t, nil), store.NewMemStore())
	_, err := e.StartOrResume(context.Background(), "run-1", "caf\xe9")
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "INVALID_INPUT" {
		t.Errorf("err = %v, want INVALID_INPUT", err)
	}
	if _, err := e.Inspect(context.Background(), "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("run must not be created, Inspect err = %v", err)
	}
}

func TestEngine_Continue(t *testing.T) {
	ctx := context.Background()
	var calls int64

	b := NewBuilder(flowSchema)
	mustRegister(t, b, "a", tracer("a", &calls))
	mustRegister(t, b, "b", tracer("b", nil))
	mustEdge(t, b, "a", Otherwise, "b")
	mustEdge(t, b, "b", Otherwise, End)
	g, _ := b.Compile("a")

	events := emit.NewBufferedEmitter()
	e := newEngine(t, g, store.NewMemStore(), WithEmitter(events), WithMaxSteps(3))

	if _, err := e.Continue(ctx, "missing", "more"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Continue(missing) err = %v", err)
	}

	first, err := e.StartOrResume(ctx, "s1", "revenue by region")
	if err != nil || first.Outcome != OutcomeCompleted {
		t.Fatalf("first turn = %+v, %v", first, err)
	}

	for _, input := range []string{"", "caf\xe9"} {
		_, err := e.Continue(ctx, "s1", input)
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "INVALID_INPUT" {
			t.Errorf("Continue(%q) err = %v, want INVALID_INPUT", input, err)
		}
	}

	// Two steps per turn against a budget of three: the budget is per turn.
	second, err := e.Continue(ctx, "s1", "filter that to EMEA")
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if second.Outcome != OutcomeCompleted || calls != 2 {
		t.Fatalf("second turn = %+v (calls %d)", second, calls)
	}
	if got := strings.Join(second.State.Strings("trace"), ","); got != "a,b,a,b" {
		t.Errorf("trace = %s, want a,b,a,b", got)
	}
	if len(second.State.Messages) != 2 || second.State.Messages[1].Content != "filter that to EMEA" {
		t.Errorf("messages = %+v", second.State.Messages)
	}
	if ids := second.State.Messages; ids[0].ID == ids[1].ID {
		t.Errorf("message IDs must be distinct: %+v", ids)
	}
	if !strings.Contains(strings.Join(events.Messages("s1"), ","), "run_continued,step_completed") {
		t.Errorf("events = %v", events.Messages("s1"))
	}

	if _, err := e.Cancel(ctx, "s1", ""); !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("Cancel(completed) err = %v", err)
	}
}

func TestEngine_ContinueRequiresCompletedRun(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, askGraph(t, nil), store.NewMemStore(), WithTicketIDs(sequentialIDs()))

	res, err := e.StartOrResume(ctx, "run-1", "")
	if err != nil || res.Outcome != OutcomeSuspended {
		t.Fatalf("StartOrResume = %+v, %v", res, err)
	}
	if _, err := e.Continue(ctx, "run-1", "next question"); !errors.Is(err, ErrRunNotCompleted) {
		t.Errorf("Continue(suspended) err = %v, want ErrRunNotCompleted", err)
	}

	if _, err := e.Cancel(ctx, "run-1", "stop"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := e.Continue(ctx, "run-1", "next question"); !errors.Is(err, ErrRunNotCompleted) {
		t.Errorf("Continue(cancelled) err = %v, want ErrRunNotCompleted", err)
	}
}
