package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"sparlo-backend/internal/llm"
	"sparlo-backend/internal/notify"
	"sparlo-backend/internal/reports"
	"sparlo-backend/internal/shared/metrics"
	"sparlo-backend/internal/shared/storage/object"
	"sparlo-backend/internal/shared/telemetry"
	"sparlo-backend/internal/usage"
)

// Runner executes the analysis pipeline for one report at a time. All
// cross-step state lives in the report row and its checkpoints; a Runner
// holds no per-report memory, so any worker can pick up any message.
type Runner struct {
	Repo                 reports.Repo
	Usage                *usage.Service
	Store                object.ObjectStore
	LLM                  llm.Client
	Notifier             notify.Notifier
	MaxTokens            int
	Temperature          float64
	ClarificationTimeout time.Duration
}

// framingOutput is the JSON contract of the framing step.
type framingOutput struct {
	Title              string                `json:"title"`
	ProblemStatement   string                `json:"problem_statement"`
	CoreContradiction  string                `json:"core_contradiction"`
	Constraints        []string              `json:"constraints"`
	Assumptions        []string              `json:"assumptions"`
	NeedsClarification bool                  `json:"needs_clarification"`
	Clarification      *clarificationPayload `json:"clarification"`
}

type clarificationPayload struct {
	Question string   `json:"question"`
	Context  string   `json:"context"`
	Options  []string `json:"options"`
}

// wellFormed reports whether the payload can actually be asked. A
// needs_clarification flag without a usable question is treated as noise and
// the pipeline proceeds.
func (p *clarificationPayload) wellFormed() bool {
	return p != nil && strings.TrimSpace(p.Question) != ""
}

// assemblyOutput is the JSON contract of the assembly step.
type assemblyOutput struct {
	Report              string   `json:"report"`
	Summary             string   `json:"summary"`
	RecommendedConcepts []string `json:"recommended_concepts"`
}

// Run executes the pipeline for a freshly submitted report. Safe under
// message re-delivery: completed steps are skipped via checkpoints and
// terminal reports are ignored.
func (r *Runner) Run(ctx context.Context, reportID, requestID string) error {
	return r.execute(ctx, reportID, requestID, false)
}

// Resume continues a report whose clarification was answered. The framing
// step re-runs with the answer and is checkpointed under its own label so the
// suspended first-pass output is never mistaken for the final framing.
func (r *Runner) Resume(ctx context.Context, reportID, requestID string) error {
	return r.execute(ctx, reportID, requestID, true)
}

func (r *Runner) execute(ctx context.Context, reportID, requestID string, resumed bool) error {
	report, err := r.Repo.GetByID(ctx, reportID)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	if report.Status.Terminal() {
		telemetry.Info("pipeline.skip_terminal", map[string]any{
			"report_id":  reportID,
			"status":     report.Status,
			"request_id": requestID,
		})
		return nil
	}
	if report.Status == reports.StatusClarifying {
		// A run message re-delivered after the worker suspended the report.
		// The answer path enqueues its own resume message.
		telemetry.Info("pipeline.skip_clarifying", map[string]any{
			"report_id":  reportID,
			"request_id": requestID,
		})
		return nil
	}

	checkpoints, err := r.Repo.Checkpoints(ctx, reportID)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}

	client := newRetryingLLM(r.LLM, reportID, requestID)

	framing, raw, suspended, err := r.framing(ctx, client, report, checkpoints, resumed)
	if err != nil {
		r.fail(ctx, report, err, requestID)
		return err
	}
	if suspended {
		return nil
	}

	outputs := map[string]string{reports.StepFraming: raw}

	for _, step := range reports.StepOrder[1:] {
		if cp, ok := checkpoints[step]; ok {
			outputs[step] = string(cp.Output)
			continue
		}

		content, err := r.runStep(ctx, client, report, step, stepInput(step, report, outputs))
		if err != nil {
			r.fail(ctx, report, err, requestID)
			return err
		}
		outputs[step] = content
	}

	return r.complete(ctx, report, framing, outputs[reports.StepAssembly], requestID)
}

// framing resolves the framing step: reuse a checkpoint, run the first pass
// (possibly suspending), or run the second pass with the user's answer.
// Returns the parsed framing, its raw output, and whether the report was
// suspended for clarification.
func (r *Runner) framing(ctx context.Context, client llm.Client, report reports.Report, checkpoints map[string]reports.StepCheckpoint, resumed bool) (framingOutput, string, bool, error) {
	answered := report.AnsweredRounds() > 0

	// The second pass supersedes the first whenever an answer exists.
	if cp, ok := checkpoints[reports.StepReframing]; ok {
		return parseFraming(string(cp.Output)), string(cp.Output), false, nil
	}
	if cp, ok := checkpoints[reports.StepFraming]; ok && !answered {
		framing := parseFraming(string(cp.Output))
		// Checkpoint exists but the report is still processing: either the
		// framing asked nothing, or the suspend was lost before commit. One
		// round max, so ask now only if no round was ever recorded.
		if framing.NeedsClarification && framing.Clarification.wellFormed() && len(report.Clarifications) == 0 {
			if err := r.suspend(ctx, report, framing); err != nil {
				return framingOutput{}, "", false, err
			}
			return framingOutput{}, "", true, nil
		}
		return framing, string(cp.Output), false, nil
	}

	step := reports.StepFraming
	prompt := framingPrompt
	if answered || resumed {
		step = reports.StepReframing
		prompt = reframingPrompt
	}

	content, err := r.runStep(ctx, client, report, step, framingInputWith(prompt, report))
	if err != nil {
		return framingOutput{}, "", false, err
	}
	framing := parseFraming(content)

	if step == reports.StepFraming && framing.NeedsClarification && framing.Clarification.wellFormed() {
		if err := r.suspend(ctx, report, framing); err != nil {
			return framingOutput{}, "", false, err
		}
		return framingOutput{}, "", true, nil
	}
	if framing.NeedsClarification {
		// Budget of one round is spent; treat the framing as final.
		telemetry.Warn("pipeline.clarification_capped", map[string]any{
			"report_id": report.ID,
		})
	}

	return framing, content, false, nil
}

// runStep executes one LLM call, records token usage, and checkpoints the
// output. The checkpoint insert is conflict-ignoring, so a re-run after a
// crash between call and commit wastes one call but stores one result.
func (r *Runner) runStep(ctx context.Context, client llm.Client, report reports.Report, step, userMessage string) (string, error) {
	if err := r.Repo.SetProcessing(ctx, report.ID, step); err != nil {
		return "", fmt.Errorf("set processing %s: %w", step, err)
	}
	r.publish(ctx, report.ID, report.AccountID, reports.StatusProcessing, step)

	started := time.Now()
	resp, err := client.Complete(ctx, llm.Request{
		CacheablePrefix: consultantPrefix,
		UserMessage:     userMessage,
		Documents:       r.stepDocuments(ctx, report, step),
		MaxTokens:       r.MaxTokens,
		Temperature:     r.Temperature,
	})
	metrics.ObserveStepDurationMs(float64(time.Since(started).Microseconds()) / 1000.0)
	if err != nil {
		return "", fmt.Errorf("step %s: %w", step, err)
	}

	if err := r.Usage.Record(ctx, report.AccountID, "report_step:"+step, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
		telemetry.Warn("pipeline.usage_record_failed", map[string]any{
			"report_id": report.ID,
			"step":      step,
			"error":     err.Error(),
		})
	}

	if err := r.Repo.SaveCheckpoint(ctx, reports.StepCheckpoint{
		ReportID:     report.ID,
		Step:         step,
		Output:       json.RawMessage(checkpointBody(step, resp.Content)),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CompletedAt:  time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", step, err)
	}

	telemetry.Info("pipeline.step_done", map[string]any{
		"report_id":     report.ID,
		"step":          step,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"duration_ms":   time.Since(started).Milliseconds(),
	})

	return resp.Content, nil
}

func (r *Runner) suspend(ctx context.Context, report reports.Report, framing framingOutput) error {
	now := time.Now().UTC()
	clarification := reports.Clarification{
		ID:       uuid.NewString(),
		Question: strings.TrimSpace(framing.Clarification.Question),
		Options:  framing.Clarification.Options,
		AskedAt:  now,
	}
	if c := strings.TrimSpace(framing.Clarification.Context); c != "" {
		clarification.Context = &c
	}

	timeout := r.ClarificationTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	expiresAt := now.Add(timeout)

	if err := r.Repo.Suspend(ctx, report.ID, clarification, expiresAt); err != nil {
		return fmt.Errorf("suspend for clarification: %w", err)
	}

	metrics.IncClarificationAsked()
	r.publish(ctx, report.ID, report.AccountID, reports.StatusClarifying, reports.StepFraming)

	telemetry.Info("pipeline.suspended", map[string]any{
		"report_id":  report.ID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	return nil
}

func (r *Runner) complete(ctx context.Context, report reports.Report, framing framingOutput, assemblyRaw, requestID string) error {
	reportData := parseAssembly(assemblyRaw)

	var title *string
	if t := strings.TrimSpace(framing.Title); t != "" {
		title = &t
	}

	if err := r.Repo.Complete(ctx, report.ID, title, reportData); err != nil {
		err = fmt.Errorf("store report data: %w", err)
		r.fail(ctx, report, err, requestID)
		return err
	}

	metrics.IncReportCompleted()
	r.publish(ctx, report.ID, report.AccountID, reports.StatusComplete, "")

	telemetry.Info("pipeline.completed", map[string]any{
		"report_id":  report.ID,
		"account_id": report.AccountID,
		"request_id": requestID,
	})
	return nil
}

func (r *Runner) fail(ctx context.Context, report reports.Report, cause error, requestID string) {
	msg := userFacingMessage(cause)
	if err := r.Repo.Fail(context.WithoutCancel(ctx), report.ID, msg); err != nil {
		telemetry.Error("pipeline.fail_update_failed", map[string]any{
			"report_id": report.ID,
			"error":     err.Error(),
			"cause":     sanitizeError(cause),
		})
	}
	metrics.IncReportFailed()
	r.publish(ctx, report.ID, report.AccountID, reports.StatusError, "")

	telemetry.Error("pipeline.failed", map[string]any{
		"report_id":  report.ID,
		"account_id": report.AccountID,
		"request_id": requestID,
		"error":      sanitizeError(cause),
	})
}

func (r *Runner) publish(ctx context.Context, reportID, accountID string, status reports.Status, step string) {
	if r.Notifier == nil {
		return
	}
	err := r.Notifier.Publish(ctx, notify.ReportUpdate{
		ReportID:    reportID,
		AccountID:   accountID,
		Status:      string(status),
		CurrentStep: step,
	})
	if err != nil {
		telemetry.Warn("pipeline.notify_failed", map[string]any{
			"report_id": reportID,
			"error":     err.Error(),
		})
	}
}

// stepDocuments passes attachments to the provider on the framing passes
// only; later steps work from the framing text.
func (r *Runner) stepDocuments(ctx context.Context, report reports.Report, step string) []llm.Document {
	if step != reports.StepFraming && step != reports.StepReframing {
		return nil
	}
	docs := make([]llm.Document, 0, len(report.Attachments))
	for _, att := range report.Attachments {
		doc := llm.Document{Name: att.Name, MediaType: att.MimeType}
		if att.ExtractedTextKey != nil {
			if text, err := r.loadText(ctx, *att.ExtractedTextKey); err == nil {
				doc.Text = text
				docs = append(docs, doc)
				continue
			}
		}
		// Raw bytes only work for types the provider accepts as blocks.
		if att.MimeType != "application/pdf" && !strings.HasPrefix(att.MimeType, "image/") {
			telemetry.Warn("pipeline.attachment_skipped", map[string]any{
				"report_id":  report.ID,
				"attachment": att.Name,
				"reason":     "no extracted text and unsupported raw type",
			})
			continue
		}
		data, err := r.loadBytes(ctx, att.StorageKey)
		if err != nil {
			telemetry.Warn("pipeline.attachment_skipped", map[string]any{
				"report_id":  report.ID,
				"attachment": att.Name,
				"error":      err.Error(),
			})
			continue
		}
		doc.Data = data
		docs = append(docs, doc)
	}
	return docs
}

func (r *Runner) loadText(ctx context.Context, key string) (string, error) {
	data, err := r.loadBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *Runner) loadBytes(ctx context.Context, key string) ([]byte, error) {
	if r.Store == nil {
		return nil, errors.New("object store not configured")
	}
	body, err := r.Store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// framingInputWith builds the framing user message: stage instructions, the
// challenge, and on the second pass the question-answer exchange.
func framingInputWith(prompt string, report reports.Report) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n## Design challenge\n\n")
	b.WriteString(report.DesignChallenge)
	for _, c := range report.Clarifications {
		if !c.Answered() {
			continue
		}
		b.WriteString("\n\n## Clarification\n\nQuestion: ")
		b.WriteString(c.Question)
		b.WriteString("\nAnswer: ")
		b.WriteString(*c.Answer)
	}
	return b.String()
}

// stepInput assembles a step's user message from the minimal slice of prior
// outputs it consumes.
func stepInput(step string, report reports.Report, outputs map[string]string) string {
	var b strings.Builder
	switch step {
	case reports.StepFirstPrinciples:
		b.WriteString(firstPrinciplesPrompt)
		writeSection(&b, "Framing", outputs[reports.StepFraming])
	case reports.StepPriorArt:
		b.WriteString(priorArtPrompt)
		writeSection(&b, "Framing", outputs[reports.StepFraming])
	case reports.StepConcepts:
		b.WriteString(conceptsPrompt)
		writeSection(&b, "Framing", outputs[reports.StepFraming])
		writeSection(&b, "Prior-art survey", outputs[reports.StepPriorArt])
	case reports.StepEvaluation:
		b.WriteString(evaluationPrompt)
		writeSection(&b, "Framing", outputs[reports.StepFraming])
		writeSection(&b, "Solution concepts", outputs[reports.StepConcepts])
	case reports.StepAssembly:
		b.WriteString(assemblyPrompt)
		writeSection(&b, "Framing", outputs[reports.StepFraming])
		writeSection(&b, "Solution concepts", outputs[reports.StepConcepts])
		writeSection(&b, "Concept evaluation", outputs[reports.StepEvaluation])
	}
	writeSection(&b, "Original design challenge", report.DesignChallenge)
	return b.String()
}

func writeSection(b *strings.Builder, heading, body string) {
	b.WriteString("\n\n## ")
	b.WriteString(heading)
	b.WriteString("\n\n")
	b.WriteString(body)
}

// checkpointBody stores JSON-producing steps as raw JSON and prose steps as a
// JSON string, so the checkpoint column stays valid jsonb either way.
func checkpointBody(step, content string) []byte {
	switch step {
	case reports.StepFraming, reports.StepReframing, reports.StepAssembly:
		if extracted := extractJSON(content); extracted != "" {
			return []byte(extracted)
		}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return []byte(`""`)
	}
	return encoded
}

// parseFraming decodes the framing JSON. Output that isn't valid JSON
// degrades to a zero framing (no title, no clarification) rather than
// failing the run; the raw text still feeds the later steps.
func parseFraming(content string) framingOutput {
	extracted := extractJSON(content)
	if extracted == "" {
		return framingOutput{}
	}
	var framing framingOutput
	if err := json.Unmarshal([]byte(extracted), &framing); err != nil {
		return framingOutput{}
	}
	return framing
}

// parseAssembly decodes the assembly JSON; non-JSON output is preserved
// wrapped as {"report": <text>} rather than failing the whole run.
func parseAssembly(content string) map[string]any {
	if extracted := extractJSON(content); extracted != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(extracted), &data); err == nil {
			if _, ok := data["report"]; ok {
				return data
			}
			data["report"] = content
			return data
		}
	}
	return map[string]any{"report": content}
}

// extractJSON pulls the outermost JSON object out of model output that may be
// wrapped in markdown fences or prose.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	candidate := content[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return ""
	}
	return candidate
}

func userFacingMessage(err error) string {
	var llmErr *llm.Error
	if errors.As(err, &llmErr) && llmErr.Retryable {
		return "The analysis service is temporarily unavailable. Please try again shortly."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The analysis took too long and was stopped. Please try again."
	}
	return "The analysis failed due to an internal error. Please try again."
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
