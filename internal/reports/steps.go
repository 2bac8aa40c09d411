package reports

// Pipeline step identifiers. They name the checkpoint rows and the report's
// current_step column, so renaming one is a data migration.
const (
	StepFraming         = "AN0"
	StepReframing       = "AN0R"
	StepFirstPrinciples = "AN1"
	StepPriorArt        = "AN2"
	StepConcepts        = "AN3"
	StepEvaluation      = "AN4"
	StepAssembly        = "AN5"
)

// StepOrder is the user-visible progress sequence. Reframing is not listed:
// it replaces the framing output after a clarification and reports progress
// under the framing phase.
var StepOrder = []string{
	StepFraming,
	StepFirstPrinciples,
	StepPriorArt,
	StepConcepts,
	StepEvaluation,
	StepAssembly,
}

var stepLabels = map[string]string{
	StepFraming:         "Framing the challenge",
	StepReframing:       "Reframing with your answer",
	StepFirstPrinciples: "First-principles analysis",
	StepPriorArt:        "Searching prior art",
	StepConcepts:        "Generating concepts",
	StepEvaluation:      "Evaluating concepts",
	StepAssembly:        "Assembling the report",
}

// StepLabel returns the human-readable name for a step.
func StepLabel(step string) string {
	if label, ok := stepLabels[step]; ok {
		return label
	}
	return step
}

// Phase is one entry in the progress view served by the read API.
type Phase struct {
	Step   string `json:"step"`
	Label  string `json:"label"`
	Status string `json:"status"` // complete | in_progress | pending
}

// PhaseProgress derives the per-phase view from the report's lifecycle state
// and its completed checkpoints. A reframing checkpoint counts as framing
// done again.
func PhaseProgress(report Report, checkpoints map[string]StepCheckpoint) []Phase {
	phases := make([]Phase, 0, len(StepOrder))
	for _, step := range StepOrder {
		status := "pending"
		_, done := checkpoints[step]
		if step == StepFraming {
			if _, redone := checkpoints[StepReframing]; redone {
				done = true
			}
		}
		switch {
		case report.Status == StatusComplete || done:
			status = "complete"
		case report.CurrentStep != nil && stepMatches(*report.CurrentStep, step) && !report.Status.Terminal():
			status = "in_progress"
		}
		phases = append(phases, Phase{Step: step, Label: StepLabel(step), Status: status})
	}
	return phases
}

func stepMatches(current, step string) bool {
	if current == step {
		return true
	}
	return step == StepFraming && current == StepReframing
}
