package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/genesis/internal/bus"
	"github.com/normanking/genesis/internal/classify"
	"github.com/normanking/genesis/internal/config"
	"github.com/normanking/genesis/internal/direct"
	"github.com/normanking/genesis/internal/fallback"
	"github.com/normanking/genesis/internal/feedback"
	"github.com/normanking/genesis/internal/llm"
	"github.com/normanking/genesis/internal/memory"
	"github.com/normanking/genesis/internal/metrics"
	"github.com/normanking/genesis/internal/solver"
	"github.com/normanking/genesis/internal/store"
	"github.com/normanking/genesis/internal/timesync"
	"github.com/normanking/genesis/internal/tone"
	"github.com/normanking/genesis/internal/trace"
	"github.com/normanking/genesis/internal/uncertainty"
)

// stubLocal stands in for the local model, counting generations and keeping
// the last prompt it saw.
type stubLocal struct {
	calls  int
	prompt string
	text   string
	err    error
}

func (s *stubLocal) Generate(ctx context.Context, prompt string, params *llm.Params) (*llm.Response, error) {
	s.calls++
	s.prompt = prompt
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.text, LatencyMS: 3}, nil
}

func (s *stubLocal) Name() string    { return "local" }
func (s *stubLocal) Available() bool { return true }

// stubSource is one fake cascade leg.
type stubSource struct {
	name       string
	calls      int
	text       string
	confidence float64
	err        error
}

func (s *stubSource) Name() string    { return s.name }
func (s *stubSource) Available() bool { return true }

func (s *stubSource) Ask(ctx context.Context, prompt string) (string, float64, error) {
	s.calls++
	if s.err != nil {
		return "", 0, s.err
	}
	return s.text, s.confidence, nil
}

func newTestController(t *testing.T, local llm.Provider, sources ...fallback.Source) *Controller {
	t.Helper()

	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	st, err := store.New(cfg.BaseDir)
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", filepath.Join(cfg.BaseDir, "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ms, err := metrics.NewStore(db)
	require.NoError(t, err)

	mem := memory.New(nil, st)
	ledger := feedback.NewLedger(st)

	srcMap := make(map[string]fallback.Source, len(sources))
	for _, s := range sources {
		srcMap[s.Name()] = s
	}

	ctrl, err := New(Deps{
		Config:     cfg,
		Store:      st,
		Clock:      timesync.New(nil),
		Memory:     mem,
		Classifier: classify.New(),
		Direct:     direct.New(mem, nil),
		Solver:     solver.New(),
		Tracer:     trace.New(),
		Detector:   uncertainty.New(0),
		Tone:       tone.New("", ""),
		Ledger:     ledger,
		Learning:   feedback.NewLearningLog(st),
		Local:      local,
		Fallback: fallback.New(&fallback.Config{SourceTimeout: 200 * time.Millisecond},
			st, ledger, sources...),
		Sources: srcMap,
		Metrics: ms,
		Bus:     bus.New(),
	})
	require.NoError(t, err)
	return ctrl
}

// ═══════════════════════════════════════════════════════════════════════════
// End-to-end scenarios
// ═══════════════════════════════════════════════════════════════════════════

func TestRateProblemSolvedWithoutModel(t *testing.T) {
	local := &stubLocal{text: "should not be consulted"}
	web := &stubSource{name: "websearch", text: "web", confidence: 0.9}
	ctrl := newTestController(t, local, web)

	r := ctrl.Process(context.Background(),
		"If 5 machines make 5 widgets in 5 minutes, how many machines for 100 widgets in 100 minutes?")

	assert.Equal(t, SourceLocalCalculated, r.Source)
	assert.Equal(t, 1.0, r.Confidence)
	assert.Contains(t, r.Text, "5")
	assert.NotEmpty(t, r.Steps)
	assert.Equal(t, 0, local.calls, "a verified symbolic answer skips the model")
	assert.Equal(t, 0, web.calls, "a verified symbolic answer skips the cascade")
}

func TestBatAndBall(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	r := ctrl.Process(context.Background(),
		"A bat and a ball cost $1.10. The bat costs $1.00 more than the ball. How much does the ball cost?")

	assert.Equal(t, SourceLocalCalculated, r.Source)
	assert.Contains(t, r.Text, "$0.05")
}

func TestCompoundPercentage(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	r := ctrl.Process(context.Background(),
		"$15,000 increases by 18%, then decreases by 12%, then increases by 25%. Final value and total change?")

	assert.Equal(t, SourceLocalCalculated, r.Source)
	assert.Contains(t, r.Text, "$19,470.00")
	assert.Contains(t, r.Text, "+29.80%")
}

func TestTemporalQuestionAlwaysCascades(t *testing.T) {
	// The local answer is fluent and confident; the clock still wins.
	local := &stubLocal{text: "The president of the United States is a well-documented public fact."}
	web := &stubSource{name: "websearch", text: "Current reporting names the sitting president.", confidence: 0.9}
	ctrl := newTestController(t, local, web)

	r := ctrl.Process(context.Background(), "Who is the president of the United States right now?")

	assert.Equal(t, 1, web.calls)
	assert.Equal(t, "websearch", r.Source)
	assert.Equal(t, web.text, r.Text)
}

func TestRetryPreservesQuestionAndAnswer(t *testing.T) {
	local := &stubLocal{text: "x"}
	ctrl := newTestController(t, local)

	r1 := ctrl.Process(context.Background(),
		"If 5 machines make 5 widgets in 5 minutes, how many machines for 100 widgets in 100 minutes?")
	r2 := ctrl.Process(context.Background(), "try again")

	assert.Equal(t, r1.QuestionID, r2.QuestionID)
	assert.Equal(t, r1.Text, r2.Text)
	assert.Equal(t, 0, local.calls, "a retry never re-runs the model")
}

func TestRepeatedIncorrectFeedbackLowersWeight(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	ctrl.Process(context.Background(),
		"A bat and a ball cost $1.10. The bat costs $1.00 more than the ball. How much does the ball cost?")

	prev := ctrl.d.Ledger.Weights()["local"].BaseConfidence
	for i := 0; i < 10; i++ {
		r := ctrl.Process(context.Background(), "#incorrect - the arithmetic is off")
		assert.True(t, r.Directive)

		w := ctrl.d.Ledger.Weights()["local"]
		assert.Less(t, w.BaseConfidence, prev, "weight must strictly decrease")
		assert.GreaterOrEqual(t, w.BaseConfidence, 0.4)
		assert.Equal(t, 0, w.Success)
		prev = w.BaseConfidence
	}

	assert.Equal(t, 10, ctrl.d.Ledger.Weights()["local"].Total)
	assert.Equal(t, 10, ctrl.d.Learning.Count(), "noted corrections become learning events")
}

// ═══════════════════════════════════════════════════════════════════════════
// Gate and cascade behavior
// ═══════════════════════════════════════════════════════════════════════════

func TestLocalFailureFallsBack(t *testing.T) {
	local := &stubLocal{err: errors.New("spawn failed")}
	web := &stubSource{name: "websearch", text: "Rayleigh scattering favors shorter wavelengths.", confidence: 0.8}
	ctrl := newTestController(t, local, web)

	r := ctrl.Process(context.Background(), "Explain why the sky is blue.")

	assert.Equal(t, 1, local.calls)
	assert.Equal(t, "websearch", r.Source)
	assert.Equal(t, web.text, r.Text)
}

func TestConfidentLocalAnswerSkipsCascade(t *testing.T) {
	local := &stubLocal{text: "The sky is blue because air scatters short wavelengths of sunlight more strongly than long ones."}
	web := &stubSource{name: "websearch", text: "web", confidence: 0.9}
	ctrl := newTestController(t, local, web)

	r := ctrl.Process(context.Background(), "Explain why the sky is blue.")

	assert.Equal(t, SourceLocalModel, r.Source)
	assert.Equal(t, 0, web.calls)
}

func TestAllSourcesExhausted(t *testing.T) {
	local := &stubLocal{text: "I think maybe it could be 42."}
	web := &stubSource{name: "websearch", err: errors.New("offline")}
	px := &stubSource{name: "perplexity", err: errors.New("offline")}
	ctrl := newTestController(t, local, web, px)

	r := ctrl.Process(context.Background(), "Explain why the sky is blue.")

	assert.Equal(t, fallback.ExhaustedSource, r.Source)
	assert.True(t, strings.HasPrefix(r.Text, fallback.CautionBanner))
	assert.Contains(t, r.Text, local.text)
}

func TestForcedSourcePrefix(t *testing.T) {
	local := &stubLocal{text: "x"}
	px := &stubSource{name: "perplexity", text: "Go is a compiled language from Google.", confidence: 0.75}
	ctrl := newTestController(t, local, px)

	r := ctrl.Process(context.Background(), "ask perplexity: what is Go?")

	assert.Equal(t, "perplexity", r.Source)
	assert.Equal(t, px.text, r.Text)
	assert.Equal(t, 1, px.calls)
	assert.Equal(t, 0, local.calls)
}

func TestForcedSourceUnavailable(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	r := ctrl.Process(context.Background(), "ask claude: hello")

	assert.True(t, r.Directive)
	assert.Contains(t, r.Text, "not available")
}

func TestSuccessfulClaudeFallbackFeedsRetrainSet(t *testing.T) {
	local := &stubLocal{err: errors.New("down")}
	cl := &stubSource{name: "claude", text: "A thorough answer.", confidence: 0.85}
	ctrl := newTestController(t, local, cl)

	ctrl.Process(context.Background(), "Explain why the sky is blue.")

	var examples []retrainExample
	found, err := ctrl.d.Store.Load(retrainFile, &examples)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, examples, 1)
	assert.Equal(t, "A thorough answer.", examples[0].Answer)
}

func TestRelatedLongTermContextReachesModel(t *testing.T) {
	local := &stubLocal{text: "Goroutines are scheduled by the runtime, and channels synchronize the values passed between them."}
	ctrl := newTestController(t, local)

	// A past coding exchange lands in the long-term pool, then falls out of
	// the session window behind unrelated filler.
	ctrl.d.Memory.Append(memory.Interaction{
		QuestionID: "past-1",
		Prompt:     "how do goroutines and channels work together",
		FinalText:  "Channels move values between goroutines and synchronize them.",
		Source:     SourceLocalModel,
		Kind:       "code",
		Timestamp:  time.Now().Add(-time.Hour),
	})
	for i := 0; i < contextWindow; i++ {
		ctrl.d.Memory.Append(memory.Interaction{
			QuestionID: fmt.Sprintf("filler-%d", i),
			Prompt:     "small talk",
			FinalText:  "noted",
			Source:     SourceLocalModel,
			Timestamp:  time.Now(),
		})
	}

	ctrl.Process(context.Background(), "Explain how goroutines and channels communicate.")

	require.Equal(t, 1, local.calls)
	assert.Contains(t, local.prompt, "Related past exchanges:")
	assert.Contains(t, local.prompt, "how do goroutines and channels work together")
}

func TestSnippetKeepsRuneBoundary(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 40)
	got := snippet(long, snippetLen)

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, snippetLen+1, utf8.RuneCountInString(got))
}

func TestDirectCommandBypassesEverything(t *testing.T) {
	local := &stubLocal{text: "x"}
	web := &stubSource{name: "websearch", text: "web", confidence: 0.9}
	ctrl := newTestController(t, local, web)

	r := ctrl.Process(context.Background(), "pwd")

	assert.Equal(t, SourceDirect, r.Source)
	assert.NotEmpty(t, r.Text)
	assert.Equal(t, 0, local.calls)
	assert.Equal(t, 0, web.calls)
}

func TestDistinctQuestionsGetDistinctIDs(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "A long and perfectly confident explanation of the matter at hand."})

	r1 := ctrl.Process(context.Background(),
		"A bat and a ball cost $1.10. The bat costs $1.00 more than the ball. How much does the ball cost?")
	r2 := ctrl.Process(context.Background(), "Explain why the sky is blue.")

	require.NotEqual(t, r1.QuestionID, r2.QuestionID)
	// The second question's trace carries no residue of the first's solution.
	assert.Nil(t, ctrl.d.Tracer.CalculatedAnswer())
	assert.NotContains(t, r2.Text, "$0.05")
}

// ═══════════════════════════════════════════════════════════════════════════
// Directives
// ═══════════════════════════════════════════════════════════════════════════

func TestHelpListsDirectives(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	r := ctrl.Process(context.Background(), "#help")
	assert.True(t, r.Directive)
	assert.Contains(t, r.Text, "#tone")
	assert.Contains(t, r.Text, "search web:")
}

func TestUnknownDirective(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	r := ctrl.Process(context.Background(), "#frobnicate")
	assert.Contains(t, r.Text, "Unknown directive")
}

func TestToneDirective(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	r := ctrl.Process(context.Background(), "#tone technical")
	assert.Contains(t, r.Text, "Tone set")

	r = ctrl.Process(context.Background(), "#tone bogus")
	assert.Contains(t, r.Text, "Usage:")

	r = ctrl.Process(context.Background(), "#verbosity short")
	assert.Contains(t, r.Text, "Verbosity set")

	tn, vb := ctrl.ToneState()
	assert.Equal(t, "technical", tn)
	assert.Equal(t, "short", vb)
}

func TestFeedbackWithoutHistory(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	r := ctrl.Process(context.Background(), "#correct")
	assert.Contains(t, r.Text, "No answer to rate")
}

func TestAssistToggle(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})
	flag := ctrl.d.Config.AssistFlagPath()

	require.False(t, ctrl.AssistEnabled())

	r := ctrl.Process(context.Background(), "#assist")
	assert.Contains(t, r.Text, "enabled")
	_, err := os.Stat(flag)
	assert.NoError(t, err)

	r = ctrl.Process(context.Background(), "#assist")
	assert.Contains(t, r.Text, "disabled")
	assert.False(t, ctrl.AssistEnabled())
}

func TestAssistStats(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	r := ctrl.Process(context.Background(), "#assist-stats")
	assert.Contains(t, r.Text, "0 attempted")
	assert.Contains(t, r.Text, "0 examples")
}

func TestPerformanceDirective(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	ctrl.Process(context.Background(),
		"A bat and a ball cost $1.10. The bat costs $1.00 more than the ball. How much does the ball cost?")

	r := ctrl.Process(context.Background(), "#performance")
	assert.Contains(t, r.Text, "Performance:")

	r = ctrl.Process(context.Background(), "#reset_metrics")
	assert.Contains(t, r.Text, "cleared")
}

func TestResetClearsSessionAndRetryState(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	ctrl.Process(context.Background(),
		"A bat and a ball cost $1.10. The bat costs $1.00 more than the ball. How much does the ball cost?")
	ctrl.Process(context.Background(), "#reset")

	r := ctrl.Process(context.Background(), "try again")
	assert.Contains(t, r.Text, "Nothing to retry")
	assert.Nil(t, ctrl.d.Memory.Last())
}

func TestRenderIncludesHeaderAndSteps(t *testing.T) {
	ctrl := newTestController(t, &stubLocal{text: "x"})

	r := ctrl.Process(context.Background(),
		"A bat and a ball cost $1.10. The bat costs $1.00 more than the ball. How much does the ball cost?")

	out := r.Render()
	assert.Contains(t, out, "[Tone:")
	assert.Contains(t, out, "Reasoning:")
	assert.Contains(t, out, "$0.05")
}
