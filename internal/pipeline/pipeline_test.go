package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparlo-backend/internal/llm"
	"sparlo-backend/internal/notify"
	"sparlo-backend/internal/reports"
	"sparlo-backend/internal/usage"
)

const (
	framingJSON = `{
  "title": "Quieter Drone Rotors",
  "problem_statement": "Reduce rotor noise without losing thrust",
  "core_contradiction": "lower tip speed reduces noise but reduces lift",
  "constraints": ["max 2dB thrust loss"],
  "assumptions": [],
  "needs_clarification": false,
  "clarification": null
}`

	framingAskJSON = `{
  "title": "Quieter Drone Rotors",
  "problem_statement": "Reduce rotor noise without losing thrust",
  "core_contradiction": "lower tip speed reduces noise but reduces lift",
  "constraints": [],
  "assumptions": [],
  "needs_clarification": true,
  "clarification": {
    "question": "What is the maximum acceptable thrust loss?",
    "context": "Determines whether passive blade treatments are viable.",
    "options": ["under 2dB", "under 5dB"]
  }
}`

	framingFlagOnlyJSON = `{
  "title": "Quieter Drone Rotors",
  "problem_statement": "Reduce rotor noise",
  "core_contradiction": "noise vs lift",
  "constraints": [],
  "assumptions": [],
  "needs_clarification": true,
  "clarification": null
}`

	assemblyJSON = `{
  "report": "# Report\n\nFull analysis here.",
  "summary": "Top concepts identified.",
  "recommended_concepts": ["Serrated trailing edge"]
}`
)

// scriptedLLM answers by stage, keyed off the prompt text, and counts calls.
type scriptedLLM struct {
	mu        sync.Mutex
	calls     []string
	framing   string
	reframing string
	assembly  string
	err       error
	errOn     string
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	stage := "prose"
	var content string
	switch {
	case strings.Contains(req.UserMessage, "second pass"):
		stage = "reframing"
		content = s.reframing
	case strings.Contains(req.UserMessage, "Stage: problem framing"):
		stage = "framing"
		content = s.framing
	case strings.Contains(req.UserMessage, "Stage: report assembly"):
		stage = "assembly"
		content = s.assembly
	default:
		content = "Detailed markdown analysis."
	}
	s.calls = append(s.calls, stage)

	if s.errOn != "" && stage == s.errOn {
		return llm.Response{}, s.err
	}
	return llm.Response{
		Content: content,
		Usage:   llm.Usage{InputTokens: 1000, OutputTokens: 500},
	}, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type capturingNotifier struct {
	mu      sync.Mutex
	updates []notify.ReportUpdate
}

func (n *capturingNotifier) Publish(ctx context.Context, update notify.ReportUpdate) error {
	_ = ctx
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, update)
	return nil
}

func newTestRunner(client llm.Client) (*Runner, *reports.MemoryRepo, *capturingNotifier) {
	repo := reports.NewMemoryRepo()
	notifier := &capturingNotifier{}
	runner := &Runner{
		Repo:                 repo,
		Usage:                usage.NewService(repo, 1_000_000),
		LLM:                  client,
		Notifier:             notifier,
		MaxTokens:            8192,
		ClarificationTimeout: 24 * time.Hour,
	}
	return runner, repo, notifier
}

func seedReport(t *testing.T, repo *reports.MemoryRepo, id string) reports.Report {
	t.Helper()
	report := reports.Report{
		ID:              id,
		AccountID:      "acct-1",
		Status:          reports.StatusPending,
		DesignChallenge: "Make drone rotors quieter without losing thrust.",
		Clarifications:  []reports.Clarification{},
		TokensReserved:  120_000,
	}
	require.NoError(t, repo.Create(context.Background(), report))
	return report
}

func TestRunCompletesAllSteps(t *testing.T) {
	client := &scriptedLLM{framing: framingJSON, assembly: assemblyJSON}
	runner, repo, _ := newTestRunner(client)
	seedReport(t, repo, "r1")

	require.NoError(t, runner.Run(context.Background(), "r1", "req-1"))

	report, err := repo.GetByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusComplete, report.Status)
	require.NotNil(t, report.Title)
	assert.Equal(t, "Quieter Drone Rotors", *report.Title)
	assert.Equal(t, "# Report\n\nFull analysis here.", report.ReportData["report"])

	checkpoints, err := repo.Checkpoints(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, checkpoints, 6)
	for _, step := range reports.StepOrder {
		assert.Contains(t, checkpoints, step)
	}
}

func TestRunIsIdempotentAfterCompletion(t *testing.T) {
	client := &scriptedLLM{framing: framingJSON, assembly: assemblyJSON}
	runner, repo, _ := newTestRunner(client)
	seedReport(t, repo, "r1")

	require.NoError(t, runner.Run(context.Background(), "r1", "req-1"))
	before := client.callCount()

	require.NoError(t, runner.Run(context.Background(), "r1", "req-1-redelivery"))
	assert.Equal(t, before, client.callCount(), "redelivery of a terminal report must not call the provider")
}

func TestRunSkipsCheckpointedSteps(t *testing.T) {
	client := &scriptedLLM{framing: framingJSON, assembly: assemblyJSON}
	runner, repo, _ := newTestRunner(client)
	seedReport(t, repo, "r1")
	ctx := context.Background()

	// Simulate a worker crash mid-pipeline: framing and two steps done,
	// report still processing.
	require.NoError(t, repo.SetProcessing(ctx, "r1", reports.StepPriorArt))
	for _, step := range []string{reports.StepFraming, reports.StepFirstPrinciples, reports.StepPriorArt} {
		body := []byte(`"done"`)
		if step == reports.StepFraming {
			body = []byte(framingJSON)
		}
		require.NoError(t, repo.SaveCheckpoint(ctx, reports.StepCheckpoint{
			ReportID: "r1",
			Step:     step,
			Output:   body,
		}))
	}

	require.NoError(t, runner.Run(ctx, "r1", "req-redelivery"))

	report, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusComplete, report.Status)
	assert.Equal(t, 3, client.callCount(), "only the three missing steps should run")
}

func TestRunSuspendsOnClarification(t *testing.T) {
	client := &scriptedLLM{framing: framingAskJSON, assembly: assemblyJSON}
	runner, repo, notifier := newTestRunner(client)
	seedReport(t, repo, "r1")
	ctx := context.Background()

	require.NoError(t, runner.Run(ctx, "r1", "req-1"))

	report, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusClarifying, report.Status)
	require.Len(t, report.Clarifications, 1)
	assert.Equal(t, "What is the maximum acceptable thrust loss?", report.Clarifications[0].Question)
	assert.Nil(t, report.Clarifications[0].Answer)
	require.NotNil(t, report.ClarificationExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *report.ClarificationExpiresAt, time.Minute)

	assert.Equal(t, 1, client.callCount(), "pipeline must stop at the framing step")

	notifier.mu.Lock()
	last := notifier.updates[len(notifier.updates)-1]
	notifier.mu.Unlock()
	assert.Equal(t, string(reports.StatusClarifying), last.Status)
}

func TestResumeRunsReframingAndCompletes(t *testing.T) {
	client := &scriptedLLM{framing: framingAskJSON, reframing: framingJSON, assembly: assemblyJSON}
	runner, repo, _ := newTestRunner(client)
	seedReport(t, repo, "r1")
	ctx := context.Background()

	require.NoError(t, runner.Run(ctx, "r1", "req-1"))
	require.NoError(t, repo.AnswerClarification(ctx, "r1", "under 2dB", time.Now()))

	require.NoError(t, runner.Resume(ctx, "r1", "req-2"))

	report, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusComplete, report.Status)

	checkpoints, err := repo.Checkpoints(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, checkpoints, reports.StepFraming)
	assert.Contains(t, checkpoints, reports.StepReframing, "answered framing must checkpoint under its own label")
}

func TestResumeIgnoresSecondClarificationRequest(t *testing.T) {
	// The reframing pass asks again; the budget is one round, so the flag is
	// ignored and the run completes.
	client := &scriptedLLM{framing: framingAskJSON, reframing: framingAskJSON, assembly: assemblyJSON}
	runner, repo, _ := newTestRunner(client)
	seedReport(t, repo, "r1")
	ctx := context.Background()

	require.NoError(t, runner.Run(ctx, "r1", "req-1"))
	require.NoError(t, repo.AnswerClarification(ctx, "r1", "under 2dB", time.Now()))
	require.NoError(t, runner.Resume(ctx, "r1", "req-2"))

	report, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusComplete, report.Status)
	assert.Len(t, report.Clarifications, 1)
}

func TestRunProceedsOnFlagWithoutPayload(t *testing.T) {
	client := &scriptedLLM{framing: framingFlagOnlyJSON, assembly: assemblyJSON}
	runner, repo, _ := newTestRunner(client)
	seedReport(t, repo, "r1")

	require.NoError(t, runner.Run(context.Background(), "r1", "req-1"))

	report, err := repo.GetByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusComplete, report.Status)
	assert.Empty(t, report.Clarifications)
}

func TestRunToleratesProseFraming(t *testing.T) {
	client := &scriptedLLM{framing: "The core problem is rotor noise, no JSON here.", assembly: assemblyJSON}
	runner, repo, _ := newTestRunner(client)
	seedReport(t, repo, "r1")

	require.NoError(t, runner.Run(context.Background(), "r1", "req-1"))

	report, err := repo.GetByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusComplete, report.Status)
	assert.Nil(t, report.Title)
	assert.Empty(t, report.Clarifications)
}

func TestRunFailsWithSanitizedMessage(t *testing.T) {
	client := &scriptedLLM{
		framing:  framingJSON,
		assembly: assemblyJSON,
		errOn:    "prose",
		err:      &llm.Error{Status: 500, Type: "api_error", Message: "secret internal detail", Retryable: false},
	}
	runner, repo, _ := newTestRunner(client)
	seedReport(t, repo, "r1")

	err := runner.Run(context.Background(), "r1", "req-1")
	require.Error(t, err)

	report, getErr := repo.GetByID(context.Background(), "r1")
	require.NoError(t, getErr)
	assert.Equal(t, reports.StatusError, report.Status)
	require.NotNil(t, report.ErrorMessage)
	assert.NotContains(t, *report.ErrorMessage, "secret internal detail")
}

func TestRunWrapsNonJSONAssembly(t *testing.T) {
	client := &scriptedLLM{framing: framingJSON, assembly: "# Plain markdown report, no JSON"}
	runner, repo, _ := newTestRunner(client)
	seedReport(t, repo, "r1")

	require.NoError(t, runner.Run(context.Background(), "r1", "req-1"))

	report, err := repo.GetByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusComplete, report.Status)
	assert.Equal(t, "# Plain markdown report, no JSON", report.ReportData["report"])
}

func TestSweeperExpiresOnlyPastDeadline(t *testing.T) {
	repo := reports.NewMemoryRepo()
	notifier := &capturingNotifier{}
	ctx := context.Background()

	stale := seedReport(t, repo, "stale")
	fresh := seedReport(t, repo, "fresh")
	_ = stale
	_ = fresh

	ask := reports.Clarification{ID: "c1", Question: "which alloy?", AskedAt: time.Now()}
	require.NoError(t, repo.Suspend(ctx, "stale", ask, time.Now().Add(-time.Minute)))
	require.NoError(t, repo.Suspend(ctx, "fresh", ask, time.Now().Add(time.Hour)))

	sweeper := &Sweeper{Repo: repo, Notifier: notifier}
	assert.Equal(t, 1, sweeper.SweepOnce(ctx))

	expired, err := repo.GetByID(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusExpired, expired.Status)
	require.NotNil(t, expired.ErrorMessage)
	assert.Equal(t, reports.ExpiredMessage, *expired.ErrorMessage)

	waiting, err := repo.GetByID(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, reports.StatusClarifying, waiting.Status)
}

func TestAnswerAfterExpiryLosesCleanly(t *testing.T) {
	repo := reports.NewMemoryRepo()
	ctx := context.Background()
	seedReport(t, repo, "r1")

	ask := reports.Clarification{ID: "c1", Question: "which alloy?", AskedAt: time.Now()}
	require.NoError(t, repo.Suspend(ctx, "r1", ask, time.Now().Add(-time.Minute)))

	sweeper := &Sweeper{Repo: repo}
	require.Equal(t, 1, sweeper.SweepOnce(ctx))

	err := repo.AnswerClarification(ctx, "r1", "6061 aluminum", time.Now())
	assert.ErrorIs(t, err, reports.ErrInvalidState)
}

func TestExtractJSONFromFencedOutput(t *testing.T) {
	fenced := "Here is the framing:\n```json\n" + framingJSON + "\n```\nDone."
	framing := parseFraming(fenced)
	assert.Equal(t, "Quieter Drone Rotors", framing.Title)
	assert.False(t, framing.NeedsClarification)
}

func TestParseFramingToleratesProse(t *testing.T) {
	framing := parseFraming("The problem is rotor noise at high tip speeds.")
	assert.Empty(t, framing.Title)
	assert.False(t, framing.NeedsClarification)

	framing = parseFraming("```json\n{\"title\": \"x\", bad}\n```")
	assert.Empty(t, framing.Title)
	assert.False(t, framing.NeedsClarification)
}
