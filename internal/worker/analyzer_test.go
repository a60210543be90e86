package worker_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain/mocks"
	"github.com/fairyhunter13/tiktok-wrapped/internal/usecase"
	"github.com/fairyhunter13/tiktok-wrapped/internal/worker"
)

type analyzerFixture struct {
	tasks    *mocks.MockTaskRepository
	payloads *mocks.MockPayloadRepository
	bus      *mocks.MockBus
	llm      *mocks.MockLLMClient
	handler  *worker.Analyzer
}

func newAnalyzerFixture() *analyzerFixture {
	f := &analyzerFixture{
		tasks:    &mocks.MockTaskRepository{},
		payloads: &mocks.MockPayloadRepository{},
		bus:      &mocks.MockBus{},
		llm:      &mocks.MockLLMClient{},
	}
	status := usecase.NewStatusService(f.tasks, f.bus)
	f.handler = worker.NewAnalyzer(f.tasks, f.payloads, status, f.bus, f.llm, tokencount.NewCounter(), testEmailQueue, "gpt-4o-mini", 6000)
	return f
}

func (f *analyzerFixture) armEntry() {
	grantLock(f.bus, "task-1")
	f.bus.On("SetStatus", mock.Anything, "task-1", mock.Anything).Return(nil)
	f.tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{
		TaskID:        "task-1",
		AppUserID:     "user-1",
		Status:        domain.TaskAnalyzing,
		CollectStatus: domain.StageCompleted,
	}, nil)
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskAnalyzing, nil)).Return(nil)
	peak := 23
	f.payloads.On("Get", mock.Anything, "task-1").Return(domain.WrappedPayload{
		TotalVideos: 3,
		TotalHours:  0.0333,
		NightPct:    50,
		PeakHour:    &peak,
		TopCreators: []string{"creator-1"},
		SampleTexts: []string{"pasta hack one pot wonder #cooking kitchen beats chef-sam"},
	}, nil)
}

// scriptChat answers the step whose system prompt contains the marker. The
// markers are chosen so each step matches exactly one expectation.
func (f *analyzerFixture) scriptChat(systemContains, reply string) {
	f.llm.On("Chat", mock.Anything, mock.MatchedBy(func(system string) bool {
		return strings.Contains(system, systemContains)
	}), mock.Anything, 0).Return(reply, nil)
}

func (f *analyzerFixture) scriptHappyChats() {
	f.scriptChat("personality label", "night_shift_scroller")
	f.scriptChat("why this personality fits", "Most of the year was watched after midnight.")
	f.scriptChat("niche interest journey", "```json\n[\"cooking\",\"asmr\",\"finance\",\"gym\",\"travel\"]\n```")
	f.scriptChat("top 2 niche interests", `{"top_niches":["cooking","asmr"],"top_niche_percentile":"top 5%"}`)
	f.scriptChat("Return only the integer", "87")
	f.scriptChat("explain the brainrot score", "Short loops, heavy repeats.")
	f.scriptChat("2026 vibe", "reset")
	f.scriptChat("thumb", "Your thumb logged more miles than your car this year.")
}

func TestAnalyzer_Handle_EnrichesPayloadAndNotifies(t *testing.T) {
	t.Parallel()
	f := newAnalyzerFixture()
	f.armEntry()
	f.scriptHappyChats()
	f.payloads.On("Upsert", mock.Anything, "task-1", "user-1", mock.MatchedBy(func(p domain.WrappedPayload) bool {
		return p.PersonalityType == "night_shift_scroller" &&
			p.PersonalityExplanation != "" &&
			len(p.NicheJourney) == 5 &&
			len(p.TopNiches) == 2 &&
			p.TopNichePercentile == "top 5%" &&
			p.BrainRotScore != nil && *p.BrainRotScore == 87 &&
			p.BrainRotExplanation != "" &&
			p.Keyword2026 == "reset" &&
			p.ThumbRoast != ""
	})).Return(nil)
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskCompleted, func(p domain.TaskUpdate) bool {
		return p.AnalysisStatus != nil && *p.AnalysisStatus == domain.StageSuccess
	})).Return(nil)
	f.bus.On("Push", mock.Anything, testEmailQueue, domain.TaskMessage{TaskID: "task-1", UserID: "user-1"}).Return(nil)

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	f.llm.AssertExpectations(t)
	f.payloads.AssertExpectations(t)
	f.tasks.AssertExpectations(t)
	f.bus.AssertExpectations(t)
}

func TestAnalyzer_Handle_BadNicheJSONFailsJob(t *testing.T) {
	t.Parallel()
	f := newAnalyzerFixture()
	f.armEntry()
	f.scriptChat("personality label", "night_shift_scroller")
	f.scriptChat("why this personality fits", "Late nights, every night.")
	f.scriptChat("niche interest journey", `["cooking","asmr","finance","gym","travel"]`)
	f.scriptChat("top 2 niche interests", "The user's interests are varied and hard to pin down.")
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskFailed, func(p domain.TaskUpdate) bool {
		return p.AnalysisStatus != nil && *p.AnalysisStatus == domain.StageFailed &&
			p.ErrorMsg != nil && strings.HasPrefix(*p.ErrorMsg, "analyze fail: top_niches:")
	})).Return(nil)

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.ErrorContains(t, err, "top_niches")
	f.payloads.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.bus.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
	f.tasks.AssertExpectations(t)
}

func TestAnalyzer_Handle_TimeoutGetsTimeoutVerdict(t *testing.T) {
	t.Parallel()
	f := newAnalyzerFixture()
	f.armEntry()
	f.llm.On("Chat", mock.Anything, mock.Anything, mock.Anything, 0).Return("", errors.New("timeout (60 seconds)"))
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskFailed, func(p domain.TaskUpdate) bool {
		return p.AnalysisStatus != nil && *p.AnalysisStatus == domain.StageTimeout &&
			p.ErrorMsg != nil && strings.HasPrefix(*p.ErrorMsg, "analyze fail: personality_type:")
	})).Return(nil)

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.ErrorContains(t, err, "timeout")
	f.bus.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
	f.tasks.AssertExpectations(t)
}

func TestAnalyzer_Handle_GateRequiresCompletedCollection(t *testing.T) {
	t.Parallel()
	f := newAnalyzerFixture()
	grantLock(f.bus, "task-1")
	f.bus.On("SetStatus", mock.Anything, "task-1", mock.Anything).Return(nil)
	f.tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{
		TaskID:        "task-1",
		AppUserID:     "user-1",
		Status:        domain.TaskAnalyzing,
		CollectStatus: domain.StageFailed,
	}, nil)
	// The gate failure carries no analysis verdict; analysis never started.
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskFailed, func(p domain.TaskUpdate) bool {
		return p.AnalysisStatus == nil &&
			p.ErrorMsg != nil && *p.ErrorMsg == "collection not completed"
	})).Return(nil)

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.ErrorContains(t, err, "collect_status")
	f.payloads.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	f.llm.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.tasks.AssertExpectations(t)
}

func TestAnalyzer_Handle_PersistFaultIsInfra(t *testing.T) {
	t.Parallel()
	f := newAnalyzerFixture()
	f.armEntry()
	f.scriptHappyChats()
	f.payloads.On("Upsert", mock.Anything, "task-1", "user-1", mock.Anything).Return(errors.New("pg down"))
	f.tasks.On("Update", mock.Anything, "task-1", statusPatch(domain.TaskFailed, func(p domain.TaskUpdate) bool {
		return p.AnalysisStatus == nil &&
			p.ErrorMsg != nil && strings.HasPrefix(*p.ErrorMsg, "analyze failed:")
	})).Return(nil)

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.ErrorContains(t, err, "pg down")
	f.bus.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
	f.tasks.AssertExpectations(t)
}

func TestAnalyzer_Handle_SkipsHaltedTask(t *testing.T) {
	t.Parallel()
	f := newAnalyzerFixture()
	grantLock(f.bus, "task-1")
	f.tasks.On("Get", mock.Anything, "task-1").Return(domain.Task{TaskID: "task-1", Status: domain.TaskPaused}, nil)

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	f.payloads.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestAnalyzer_Handle_SkipsWhenLocked(t *testing.T) {
	t.Parallel()
	f := newAnalyzerFixture()
	denyLock(f.bus, "task-1")

	err := f.handler.Handle(context.Background(), domain.TaskMessage{TaskID: "task-1", UserID: "user-1"})

	require.NoError(t, err)
	f.tasks.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}
