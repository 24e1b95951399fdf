package synth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

type stubLLM struct {
	response map[string]any
	err      error
}

func (s *stubLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", s.err
}

func (s *stubLLM) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	return s.response, s.err
}

func TestSynthesizePropagatesFailure(t *testing.T) {
	svc := New(&stubLLM{err: errors.New("down")}, zaptest.NewLogger(t))
	_, err := svc.Synthesize(context.Background(), "q", nil, nil)
	require.Error(t, err)
}

func TestSynthesizeEmptyBriefIsError(t *testing.T) {
	svc := New(&stubLLM{response: map[string]any{"confidence": 0.9}}, zaptest.NewLogger(t))
	_, err := svc.Synthesize(context.Background(), "q", nil, nil)
	require.Equal(t, rmkerr.KindLLMUnavailable, rmkerr.KindOf(err))
}

func TestSynthesizeClampsConfidence(t *testing.T) {
	svc := New(&stubLLM{response: map[string]any{"brief": "answer", "confidence": 3.5}}, zaptest.NewLogger(t))
	brief, err := svc.Synthesize(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "answer", brief.Answer)
	require.Equal(t, 0.5, brief.Confidence, "out-of-range confidence falls back to the default")
}

func TestEvaluateConnectionSwallowsFailure(t *testing.T) {
	svc := New(&stubLLM{err: errors.New("down")}, zaptest.NewLogger(t))
	ins, err := svc.EvaluateConnection(context.Background(),
		&graph.Node{Name: "a"}, &graph.Node{Name: "b"}, false)
	require.NoError(t, err)
	require.False(t, ins.HasInsight)
}

func TestEvaluateConnectionCoercesType(t *testing.T) {
	svc := New(&stubLLM{response: map[string]any{
		"has_insight":  true,
		"insight_type": "revelation",
		"summary":      "linked",
		"confidence":   0.8,
	}}, zaptest.NewLogger(t))
	ins, err := svc.EvaluateConnection(context.Background(),
		&graph.Node{Name: "a"}, &graph.Node{Name: "b"}, false)
	require.NoError(t, err)
	require.True(t, ins.HasInsight)
	require.Equal(t, "pattern", ins.Type)
}

func TestFormatFacts(t *testing.T) {
	out := FormatFacts([]*graph.Node{
		{Name: "Emma", Description: "sister"},
		{Name: "Boston", Kind: graph.KindEntity},
	})
	require.Contains(t, out, "- Emma: sister")
	require.Contains(t, out, "- Boston (Entity)")

	require.Equal(t, "No facts stored.", FormatFacts(nil))
}
