package feedback

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func args(payloads ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		out[i] = json.RawMessage(p)
	}
	return out
}

func TestSinkStartsEmpty(t *testing.T) {
	st := NewSink().State()
	assert.Equal(t, 0, st.RepCount)
	assert.Nil(t, st.Feedback)
}

func TestHandleRepCountPayloads(t *testing.T) {
	tests := []struct {
		payload string
		want    int
	}{
		{`3`, 3},
		{`4.0`, 4},
		{`"5"`, 5},
		{`{"count": 6}`, 6},
		{`{"rep_count": 7, "feedback": "ignored here"}`, 7},
		{`-2`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			s := NewSink()
			s.HandleRepCount(args(tt.payload))
			st := s.State()
			assert.Equal(t, tt.want, st.RepCount)
			assert.Nil(t, st.Feedback)
		})
	}
}

func TestHandleRepCountIgnoresGarbage(t *testing.T) {
	s := NewSink()
	s.HandleRepCount(args(`9`))
	for _, p := range []string{`null`, `true`, `"abc"`, `{"feedback":"x"}`, `[1]`} {
		s.HandleRepCount(args(p))
	}
	s.HandleRepCount(nil)
	assert.Equal(t, 9, s.State().RepCount)
}

func TestHandleFeedbackPayloads(t *testing.T) {
	s := NewSink()
	s.HandleFeedback(args(`"Keep your back straight"`))
	require.NotNil(t, s.State().Feedback)
	assert.Equal(t, "Keep your back straight", *s.State().Feedback)

	s.HandleFeedback(args(`{"message": "Go lower", "rep_count": 2}`))
	st := s.State()
	require.NotNil(t, st.Feedback)
	assert.Equal(t, "Go lower", *st.Feedback)
	assert.Equal(t, 2, st.RepCount)

	s.HandleFeedback(args(`{"feedback": "Good form"}`))
	st = s.State()
	assert.Equal(t, "Good form", *st.Feedback)
	assert.Equal(t, 2, st.RepCount, "count unchanged when absent")

	s.HandleFeedback(args(`12`))
	assert.Equal(t, "Good form", *s.State().Feedback)
}

func TestHandleAnalysis(t *testing.T) {
	s := NewSink()
	s.HandleAnalysis(args(`{"reps": 10, "feedback": "Nice"}`))
	st := s.State()
	assert.Equal(t, 10, st.RepCount)
	require.NotNil(t, st.Feedback)
	assert.Equal(t, "Nice", *st.Feedback)
	assert.False(t, st.UpdatedAt.IsZero())

	s.HandleAnalysis(args(`"nope"`))
	assert.Equal(t, 10, s.State().RepCount)
}

func TestStateIsCopied(t *testing.T) {
	s := NewSink()
	s.HandleFeedback(args(`"one"`))
	st := s.State()
	s.HandleFeedback(args(`"two"`))
	assert.Equal(t, "one", *st.Feedback)
}

func TestReset(t *testing.T) {
	s := NewSink()
	s.HandleAnalysis(args(`{"rep_count": 3, "feedback": "x"}`))
	s.Reset()
	st := s.State()
	assert.Equal(t, 0, st.RepCount)
	assert.Nil(t, st.Feedback)
}

func TestSubscribeReceivesLatest(t *testing.T) {
	s := NewSink()
	ch := s.Subscribe()

	s.HandleRepCount(args(`1`))
	s.HandleRepCount(args(`2`))
	s.HandleRepCount(args(`3`))

	select {
	case st := <-ch:
		assert.Equal(t, 3, st.RepCount)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	s.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
	s.Unsubscribe(ch)
}

func TestHandlers(t *testing.T) {
	s := NewSink()
	h := s.Handlers()
	require.Len(t, h, 3)
	h[EventRepCount](args(`4`))
	assert.Equal(t, 4, s.State().RepCount)
}
