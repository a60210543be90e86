package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
)

// Analyzer enriches a collected payload with the persona fields, one LLM
// prompt per field, strictly in order. Enrichment is all-or-nothing: the
// first call or parse failure fails the job and nothing is persisted.
type Analyzer struct {
	Tasks    domain.TaskRepository
	Payloads domain.PayloadRepository
	Status   usecase.StatusService
	Bus      domain.Bus
	LLM      domain.LLMClient
	Tokens   *tokencount.Counter

	EmailQueue    string
	Model         string
	ContextBudget int
}

func NewAnalyzer(t domain.TaskRepository, p domain.PayloadRepository, st usecase.StatusService, b domain.Bus, llm domain.LLMClient, tk *tokencount.Counter, emailQueue, model string, contextBudget int) *Analyzer {
	return &Analyzer{
		Tasks: t, Payloads: p, Status: st, Bus: b, LLM: llm, Tokens: tk,
		EmailQueue: emailQueue, Model: model, ContextBudget: contextBudget,
	}
}

func (a *Analyzer) Handle(ctx domain.Context, msg domain.TaskMessage) error {
	lock, ok, err := a.Bus.AcquireLock(ctx, msg.TaskID)
	if err != nil {
		return fmt.Errorf("op=analyze.lock: %w", err)
	}
	if !ok {
		slog.Info("task locked by another worker", slog.String("task_id", msg.TaskID))
		return nil
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			slog.Warn("lock release failed", slog.String("task_id", msg.TaskID), slog.Any("error", rerr))
		}
	}()

	task, err := a.Tasks.Get(ctx, msg.TaskID)
	if err != nil {
		a.failInfra(ctx, msg.TaskID, err)
		return fmt.Errorf("op=analyze.load_task: %w", err)
	}
	if task.Status == domain.TaskPaused || task.Status == domain.TaskCancelled {
		slog.Info("task halted, skipping analysis",
			slog.String("task_id", msg.TaskID),
			slog.String("status", string(task.Status)))
		return nil
	}
	if task.CollectStatus != domain.StageCompleted {
		errMsg := "collection not completed"
		if serr := a.Status.Set(ctx, msg.TaskID, domain.TaskFailed, domain.TaskUpdate{ErrorMsg: &errMsg}); serr != nil {
			slog.Error("failure mark did not persist",
				slog.String("task_id", msg.TaskID), slog.Any("error", serr))
		}
		return fmt.Errorf("op=analyze.gate: collect_status is %q", task.CollectStatus)
	}

	if err := a.Status.Set(ctx, msg.TaskID, domain.TaskAnalyzing, domain.TaskUpdate{}); err != nil {
		return fmt.Errorf("op=analyze.mark: %w", err)
	}

	payload, err := a.Payloads.Get(ctx, msg.TaskID)
	if err != nil {
		a.failInfra(ctx, msg.TaskID, err)
		return fmt.Errorf("op=analyze.load_payload: %w", err)
	}

	userPrompt := buildCorpusPrompt(payload, a.budgetCorpus(payload.SampleTexts))

	steps := []struct {
		field  string
		system string
		apply  func(string) error
	}{
		{"personality_type", personalityPrompt, func(out string) error {
			v, perr := parsePersonality(out)
			payload.PersonalityType = v
			return perr
		}},
		{"personality_explanation", personalityExplanationPrompt, func(out string) error {
			v, perr := parseFreeText(out)
			payload.PersonalityExplanation = v
			return perr
		}},
		{"niche_journey", nicheJourneyPrompt, func(out string) error {
			v, perr := parseNicheJourney(out)
			payload.NicheJourney = v
			return perr
		}},
		{"top_niches", topNichesPrompt, func(out string) error {
			niches, pct, perr := parseTopNiches(out)
			payload.TopNiches = niches
			payload.TopNichePercentile = pct
			return perr
		}},
		{"brain_rot_score", brainrotScorePrompt, func(out string) error {
			v, perr := parseScore(out)
			if perr == nil {
				payload.BrainRotScore = &v
			}
			return perr
		}},
		{"brain_rot_explanation", brainrotExplanationPrompt, func(out string) error {
			v, perr := parseFreeText(out)
			payload.BrainRotExplanation = v
			return perr
		}},
		{"keyword_2026", keyword2026Prompt, func(out string) error {
			v, perr := firstLine(out)
			payload.Keyword2026 = v
			return perr
		}},
		{"thumb_roast", roastThumbPrompt, func(out string) error {
			v, perr := parseFreeText(out)
			payload.ThumbRoast = v
			return perr
		}},
	}
	for _, step := range steps {
		out, cerr := a.LLM.Chat(ctx, step.system, userPrompt, 0)
		if cerr != nil {
			return a.failAnalysis(ctx, msg.TaskID, step.field, cerr)
		}
		if perr := step.apply(out); perr != nil {
			return a.failAnalysis(ctx, msg.TaskID, step.field, perr)
		}
	}
	if !payload.LLMFieldsComplete() {
		return a.failAnalysis(ctx, msg.TaskID, "payload", errors.New("schema invalid: incomplete enrichment"))
	}

	if err := a.Payloads.Upsert(ctx, msg.TaskID, msg.UserID, payload); err != nil {
		a.failInfra(ctx, msg.TaskID, err)
		return fmt.Errorf("op=analyze.persist: %w", err)
	}
	success := domain.StageSuccess
	if err := a.Status.Set(ctx, msg.TaskID, domain.TaskCompleted, domain.TaskUpdate{AnalysisStatus: &success}); err != nil {
		a.failInfra(ctx, msg.TaskID, err)
		return fmt.Errorf("op=analyze.advance: %w", err)
	}
	// The artifact already stands on its own; a lost handoff only costs the
	// notification.
	if err := a.Bus.Push(ctx, a.EmailQueue, domain.TaskMessage{TaskID: msg.TaskID, UserID: msg.UserID}); err != nil {
		return fmt.Errorf("op=analyze.enqueue_email: %w", err)
	}
	slog.Info("analysis completed", slog.String("task_id", msg.TaskID))
	return nil
}

// budgetCorpus keeps sample texts while their running token count fits the
// model context budget. The first sample always survives.
func (a *Analyzer) budgetCorpus(samples []string) []string {
	out := make([]string, 0, len(samples))
	total := 0
	for _, s := range samples {
		n, err := a.Tokens.Count(s, a.Model)
		if err != nil {
			n = tokencount.Estimate(s)
		}
		if total+n > a.ContextBudget && len(out) > 0 {
			break
		}
		out = append(out, s)
		total += n
	}
	return out
}

// failAnalysis records a per-field analysis verdict: the stage field carries
// failed or timeout, the job fails with a field-tagged diagnostic.
func (a *Analyzer) failAnalysis(ctx domain.Context, taskID, field string, cause error) error {
	verdict := domain.StageFailed
	if strings.Contains(cause.Error(), "timeout") {
		verdict = domain.StageTimeout
	}
	errMsg := fmt.Sprintf("analyze fail: %s: %v", field, cause)
	if err := a.Status.Set(ctx, taskID, domain.TaskFailed, domain.TaskUpdate{
		AnalysisStatus: &verdict,
		ErrorMsg:       &errMsg,
	}); err != nil {
		slog.Error("failure mark did not persist",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
	return fmt.Errorf("op=analyze.%s: %w", field, cause)
}

// failInfra fails the job without an analysis verdict.
func (a *Analyzer) failInfra(ctx domain.Context, taskID string, cause error) {
	errMsg := fmt.Sprintf("analyze failed: %v", cause)
	if err := a.Status.Set(ctx, taskID, domain.TaskFailed, domain.TaskUpdate{ErrorMsg: &errMsg}); err != nil {
		slog.Error("failure mark did not persist",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}
