package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/interruptgraph/enrich"
	"github.com/dshills/interruptgraph/graph"
)

func writeConfig(t *testing.T, extra ...string) string {
	t.Helper()
	catalog, err := filepath.Abs(filepath.Join("..", "..", "..", "semantic", "testdata", "catalog.yaml"))
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, "interruptgraph.yaml")
	content := fmt.Sprintf(`
log:
  level: error
store:
  driver: sqlite
  dsn: %s
catalog:
  kind: static
  path: %s
events:
  emitter: "null"
`, filepath.Join(dir, "runs.db"), catalog)
	for _, e := range extra {
		content += e + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfg}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCLI_SuspendResumeAcrossInvocations(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "start", "r1", "Show me revenue by region")
	require.NoError(t, err)
	var started graph.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &started))
	require.Equal(t, graph.OutcomeSuspended, started.Outcome)
	require.NotNil(t, started.Ticket)

	out, err = run(t, cfg, "resume", "r1", started.Ticket.ID, "--answer", "ecommerce.orders")
	require.NoError(t, err)
	var resumed graph.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &resumed))
	assert.Equal(t, graph.OutcomeSuspended, resumed.Outcome, "revenue is ambiguous")
	require.NotNil(t, resumed.Ticket)
	assert.NotEqual(t, started.Ticket.ID, resumed.Ticket.ID)

	_, err = run(t, cfg, "resume", "r1", started.Ticket.ID, "--answer", "again")
	assert.ErrorIs(t, err, graph.ErrTicketNotFound)

	out, err = run(t, cfg, "inspect", "r1")
	require.NoError(t, err)
	var run1 graph.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run1))
	assert.Equal(t, "orders", run1.State.String("explore"))

	out, err = run(t, cfg, "cancel", "r1", "--reason", "done for today")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &run1))
	assert.Equal(t, graph.StatusCancelled, run1.Status)

	out, err = run(t, cfg, "history", "r1")
	require.NoError(t, err)
	var history []graph.Run
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	assert.GreaterOrEqual(t, len(history), 3)
}

func TestCLI_AnswerThenContinue(t *testing.T) {
	cfg := writeConfig(t)
	decode := func(out string) graph.RunResult {
		t.Helper()
		var res graph.RunResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		return res
	}

	out, err := run(t, cfg, "start", "r1", "Show me revenue by region")
	require.NoError(t, err)
	res := decode(out)

	out, err = run(t, cfg, "resume", "r1", res.Ticket.ID, "--answer", "ecommerce.orders")
	require.NoError(t, err)
	res = decode(out)
	require.Equal(t, graph.OutcomeSuspended, res.Outcome)
	assert.Equal(t, []string{"gross_revenue", "net_revenue"}, res.State.Strings("clarify_options"))

	_, err = run(t, cfg, "continue", "r1", "filter that to EMEA")
	assert.ErrorIs(t, err, graph.ErrRunNotCompleted)

	out, err = run(t, cfg, "resume", "r1", res.Ticket.ID, "--option", "2")
	require.NoError(t, err)
	res = decode(out)
	require.Equal(t, graph.OutcomeCompleted, res.Outcome)
	assert.Contains(t, res.State.String("generated_query"), "net_revenue")

	out, err = run(t, cfg, "continue", "r1", "filter that to EMEA")
	require.NoError(t, err)
	res = decode(out)
	assert.Equal(t, graph.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "follow_up", res.State.String("intent"))
	assert.Equal(t, []string{"region"}, res.State.Strings("dimensions"))
	assert.Equal(t, []string{"net_revenue"}, res.State.Strings("measures"))
}

func TestCLI_SchemaOverviewAndList(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "start", "r1", "What data is available?")
	require.NoError(t, err)
	var res graph.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, graph.OutcomeCompleted, res.Outcome)

	out, err = run(t, cfg, "list", "--status", "completed")
	require.NoError(t, err)
	var runs []graph.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)

	_, err = run(t, cfg, "retry", "r1")
	assert.ErrorIs(t, err, graph.ErrRunNotFailed)
}

func TestCLI_Errors(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, cfg, "start", "r1")
	assert.Error(t, err, "missing question")

	_, err = run(t, cfg, "resume", "r1", "t1")
	assert.ErrorContains(t, err, "required")

	_, err = run(t, cfg, "resume", "r1", "t1", "--response", "{not json")
	assert.ErrorContains(t, err, "valid JSON")

	_, err = run(t, cfg, "inspect", "missing")
	assert.ErrorIs(t, err, graph.ErrNotFound)

	_, err = run(t, filepath.Join(t.TempDir(), "absent.yaml"), "list")
	assert.Error(t, err)
}

func TestResumePayload(t *testing.T) {
	got, err := resumePayload("", "net_revenue", 0, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"net_revenue"}`, string(got))

	got, err = resumePayload("", "", 2, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"option":2}`, string(got))

	got, err = resumePayload(`{"answer":"x"}`, "", 0, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"x"}`, string(got))
}

func TestCLI_EnrichWorkflow(t *testing.T) {
	tables, err := filepath.Abs(filepath.Join("..", "..", "..", "enrich", "testdata", "tables.yaml"))
	require.NoError(t, err)
	cfg := writeConfig(t, "enrich:", "  tables: "+tables)
	decode := func(out string) graph.RunResult {
		t.Helper()
		var res graph.RunResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		return res
	}

	out, err := run(t, cfg, "--workflow", "enrich", "start", "e1", "enrich card_member_insights")
	require.NoError(t, err)
	res := decode(out)
	require.Equal(t, graph.OutcomeSuspended, res.Outcome)
	require.Equal(t, enrich.StepReview, res.Ticket.Step)

	_, err = run(t, cfg, "--workflow", "enrich", "resume", "e1", res.Ticket.ID, "--response", `{"decisions":[{"column":"nope","action":"accept"}]}`)
	assert.ErrorIs(t, err, graph.ErrInvalidResponse)

	out, err = run(t, cfg, "--workflow", "enrich", "resume", "e1", res.Ticket.ID, "--response", `{"accept_all":true}`)
	require.NoError(t, err)
	res = decode(out)
	require.Equal(t, enrich.StepAwaitReview, res.Ticket.Step)
	assert.Equal(t, int64(1), res.State.Int(enrich.FieldPRNumber))

	out, err = run(t, cfg, "--workflow", "enrich", "resume", "e1", res.Ticket.ID, "--response", `{"state":"merged"}`)
	require.NoError(t, err)
	res = decode(out)
	assert.Equal(t, graph.OutcomeCompleted, res.Outcome)
	assert.Contains(t, res.State.String(enrich.FieldFinalResponse), "merged")

	_, err = run(t, cfg, "inspect", "e1")
	assert.ErrorIs(t, err, graph.ErrNotFound, "query runs and enrichment runs are kept apart")

	_, err = run(t, cfg, "--workflow", "bogus", "list")
	assert.ErrorContains(t, err, "unknown workflow")
}

func TestCLI_EnrichNotConfigured(t *testing.T) {
	_, err := run(t, writeConfig(t), "--workflow", "enrich", "list")
	assert.ErrorContains(t, err, "enrich.tables")
}
