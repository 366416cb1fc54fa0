package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govchat-api/internal/domain"
)

type fakePrimary struct {
	mu     sync.Mutex
	result domain.PrimaryResult
	err    error
	block  bool
	before func()
	calls  []domain.AgentRequest
}

func (f *fakePrimary) Converse(ctx context.Context, req domain.AgentRequest) (domain.PrimaryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.before != nil {
		f.before()
	}
	if f.block {
		<-ctx.Done()
		return domain.PrimaryResult{}, ctx.Err()
	}
	return f.result, f.err
}

type fakeFallback struct {
	mu    sync.Mutex
	reply domain.AgentReply
	err   error
	calls []domain.AgentRequest
}

func (f *fakeFallback) Converse(_ context.Context, req domain.AgentRequest) (domain.AgentReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.reply, f.err
}

func answered(text string, handle domain.Handle, citations ...domain.Citation) domain.PrimaryResult {
	return domain.PrimaryResult{
		Kind:  domain.PrimaryAnswered,
		Reply: domain.AgentReply{Text: text, Handle: handle, Citations: citations},
	}
}

func noResults(handle domain.Handle) domain.PrimaryResult {
	return domain.PrimaryResult{Kind: domain.PrimaryNoResults, Reply: domain.AgentReply{Handle: handle}}
}

func mustNew(t *testing.T, p PrimaryAgent, f FallbackAgent, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(p, f, opts...)
	require.NoError(t, err)
	return o
}

func expectError(t *testing.T, err error, kind Kind, stage Stage) *Error {
	t.Helper()
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, kind, oerr.Kind)
	require.Equal(t, stage, oerr.Stage)
	return oerr
}

func TestNew_RequiresPrimary(t *testing.T) {
	_, err := New(nil, &fakeFallback{})
	require.Error(t, err)

	o, err := New(&fakePrimary{}, nil)
	require.NoError(t, err)
	require.False(t, o.FallbackEnabled())
}

func TestHandle_PrimaryAnswered_DoesNotCallFallback(t *testing.T) {
	primary := &fakePrimary{result: answered("Benefits are ...", "h1",
		domain.Citation{Title: "Benefits", URL: "https://va.example/benefits"},
		domain.Citation{Title: "Placeholder", URL: "#"},
	)}
	fallback := &fakeFallback{}
	o := mustNew(t, primary, fallback)

	out, err := o.Handle(context.Background(), domain.Message{Content: "  What benefits?  ", Handle: "h1", Mode: domain.ModeChat})
	require.NoError(t, err)
	require.Equal(t, domain.SourcePrimary, out.Source)
	require.Equal(t, "Benefits are ...", out.Text)
	require.Equal(t, domain.Handle("h1"), out.Handle)
	require.False(t, out.NoResults)
	require.Equal(t, []domain.Citation{{Title: "Benefits", URL: "https://va.example/benefits"}}, out.Citations)
	require.Empty(t, fallback.calls)

	require.Len(t, primary.calls, 1)
	require.Equal(t, domain.AgentRequest{Content: "What benefits?", Handle: "h1", Mode: domain.ModeChat}, primary.calls[0])
}

func TestHandle_EndToEndFallbackScenario(t *testing.T) {
	primary := &fakePrimary{result: noResults("abc123")}
	fallback := &fakeFallback{reply: domain.AgentReply{
		Text:      "Today's forecast is...",
		Handle:    "abc123",
		Citations: []domain.Citation{{Title: "WeatherSite", URL: "https://weather.example/today"}},
	}}
	o := mustNew(t, primary, fallback)

	out, err := o.Handle(context.Background(), domain.Message{Content: "What is the weather today?", Mode: domain.ModeChat})
	require.NoError(t, err)

	require.Len(t, primary.calls, 1)
	require.True(t, primary.calls[0].Handle.IsZero())

	require.Len(t, fallback.calls, 1)
	require.Equal(t, domain.AgentRequest{
		Content: "What is the weather today?",
		Handle:  "abc123",
		Mode:    domain.ModeChat,
		Handoff: true,
	}, fallback.calls[0])

	require.Equal(t, domain.AgentResponse{
		Text:      "Today's forecast is...",
		Handle:    "abc123",
		Citations: []domain.Citation{{Title: "WeatherSite", URL: "https://weather.example/today"}},
		Source:    domain.SourceFallback,
	}, out)
}

func TestHandle_KeepsPrimaryHandleAcrossFallback(t *testing.T) {
	primary := &fakePrimary{result: noResults("H1")}
	fallback := &fakeFallback{reply: domain.AgentReply{Text: "web answer", Handle: "H2"}}
	o := mustNew(t, primary, fallback)

	out, err := o.Handle(context.Background(), domain.Message{Content: "hi", Mode: domain.ModeChat})
	require.NoError(t, err)
	require.Equal(t, domain.Handle("H1"), out.Handle)
	require.Equal(t, domain.Handle("H1"), fallback.calls[0].Handle)
}

func TestHandle_ReusesClientHandleWhenPrimaryOmitsIt(t *testing.T) {
	primary := &fakePrimary{result: noResults("")}
	fallback := &fakeFallback{reply: domain.AgentReply{Text: "web answer"}}
	o := mustNew(t, primary, fallback)

	out, err := o.Handle(context.Background(), domain.Message{Content: "hi", Handle: "existing", Mode: domain.ModeSearch})
	require.NoError(t, err)
	require.Equal(t, domain.Handle("existing"), out.Handle)
	require.Equal(t, domain.Handle("existing"), fallback.calls[0].Handle)
	require.Equal(t, domain.ModeSearch, fallback.calls[0].Mode)
}

func TestHandle_MissingHandleIsMalformed(t *testing.T) {
	o := mustNew(t, &fakePrimary{result: answered("text", "")}, &fakeFallback{})
	_, err := o.Handle(context.Background(), domain.Message{Content: "hi", Mode: domain.ModeChat})
	expectError(t, err, KindMalformedUpstreamResponse, StagePrimaryCall)
}

func TestHandle_FallbackSentinelLikeTextReturnedAsIs(t *testing.T) {
	primary := &fakePrimary{result: noResults("h1")}
	fallback := &fakeFallback{reply: domain.AgentReply{Text: "NO_RESULTS_FOUND", Handle: "h1"}}
	o := mustNew(t, primary, fallback)

	out, err := o.Handle(context.Background(), domain.Message{Content: "obscure", Mode: domain.ModeChat})
	require.NoError(t, err)
	require.Equal(t, domain.SourceFallback, out.Source)
	require.Equal(t, "NO_RESULTS_FOUND", out.Text)
	require.Empty(t, out.Citations)
	require.Len(t, primary.calls, 1)
	require.Len(t, fallback.calls, 1)
}

func TestHandle_NoFallbackConfigured(t *testing.T) {
	o := mustNew(t, &fakePrimary{result: noResults("h1")}, nil)

	out, err := o.Handle(context.Background(), domain.Message{Content: "hi", Mode: domain.ModeChat})
	require.NoError(t, err)
	require.True(t, out.NoResults)
	require.Empty(t, out.Text)
	require.Equal(t, domain.SourcePrimary, out.Source)
	require.Equal(t, domain.Handle("h1"), out.Handle)
	require.NotNil(t, out.Citations)
}

func TestHandle_PrimaryFailureNeverFallsBack(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "transport", err: errors.New("connection refused"), kind: KindUpstreamUnavailable},
		{name: "malformed", err: &domain.MalformedResponseError{Err: errors.New("no assistant message")}, kind: KindMalformedUpstreamResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fallback := &fakeFallback{}
			o := mustNew(t, &fakePrimary{err: tc.err}, fallback)

			_, err := o.Handle(context.Background(), domain.Message{Content: "hi", Mode: domain.ModeChat})
			expectError(t, err, tc.kind, StagePrimaryCall)
			require.Empty(t, fallback.calls)
		})
	}
}

func TestHandle_PrimaryTimeoutIsUpstreamUnavailable(t *testing.T) {
	fallback := &fakeFallback{}
	o := mustNew(t, &fakePrimary{block: true}, fallback, WithPrimaryTimeout(20*time.Millisecond))

	_, err := o.Handle(context.Background(), domain.Message{Content: "hi", Mode: domain.ModeChat})
	oerr := expectError(t, err, KindUpstreamUnavailable, StagePrimaryCall)
	require.True(t, oerr.Timeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, fallback.calls)
}

func TestHandle_CallerCancelDuringPrimarySkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	primary := &fakePrimary{result: noResults("h1"), before: cancel}
	fallback := &fakeFallback{}
	o := mustNew(t, primary, fallback)

	_, err := o.Handle(ctx, domain.Message{Content: "hi", Mode: domain.ModeChat})
	expectError(t, err, KindCanceled, StageFallbackCall)
	require.Empty(t, fallback.calls)
}

func TestHandle_CallerCancelWhilePrimaryBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	fallback := &fakeFallback{}
	o := mustNew(t, &fakePrimary{block: true}, fallback, WithPrimaryTimeout(time.Minute))

	_, err := o.Handle(ctx, domain.Message{Content: "hi", Mode: domain.ModeChat})
	oerr := expectError(t, err, KindCanceled, StagePrimaryCall)
	require.False(t, oerr.Timeout)
	require.Empty(t, fallback.calls)
}

func TestHandle_InvocationDeadlineWhilePrimaryBlocksIsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	fallback := &fakeFallback{}
	o := mustNew(t, &fakePrimary{block: true}, fallback, WithPrimaryTimeout(time.Minute))

	_, err := o.Handle(ctx, domain.Message{Content: "hi", Mode: domain.ModeChat})
	oerr := expectError(t, err, KindUpstreamUnavailable, StagePrimaryCall)
	require.True(t, oerr.Timeout)
	require.Empty(t, fallback.calls)
}

func TestHandle_InvocationDeadlineBeforeFallbackSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	fallback := &fakeFallback{}
	o := mustNew(t, &fakePrimary{result: noResults("h1")}, fallback)

	_, err := o.Handle(ctx, domain.Message{Content: "hi", Mode: domain.ModeChat})
	oerr := expectError(t, err, KindUpstreamUnavailable, StageFallbackCall)
	require.True(t, oerr.Timeout)
	require.Empty(t, fallback.calls)
}

func TestHandle_FallbackFailure(t *testing.T) {
	primary := &fakePrimary{result: noResults("h1")}
	fallback := &fakeFallback{err: errors.New("bing unavailable")}
	o := mustNew(t, primary, fallback)

	_, err := o.Handle(context.Background(), domain.Message{Content: "hi", Mode: domain.ModeChat})
	expectError(t, err, KindUpstreamUnavailable, StageFallbackCall)
	require.Len(t, fallback.calls, 1)
}

func TestHandle_ValidationRejectsBeforeAnyCall(t *testing.T) {
	primary := &fakePrimary{result: answered("x", "h1")}
	o := mustNew(t, primary, &fakeFallback{})

	_, err := o.Handle(context.Background(), domain.Message{Content: "   \n\t", Mode: domain.ModeChat})
	expectError(t, err, KindEmptyInput, StageValidation)

	_, err = o.Handle(context.Background(), domain.Message{Content: "hi", Mode: "images"})
	expectError(t, err, KindInvalidMode, StageValidation)

	require.Empty(t, primary.calls)
}

func TestHandle_UnknownPrimaryKindIsMalformed(t *testing.T) {
	fallback := &fakeFallback{}
	o := mustNew(t, &fakePrimary{result: domain.PrimaryResult{Reply: domain.AgentReply{Handle: "h1"}}}, fallback)

	_, err := o.Handle(context.Background(), domain.Message{Content: "hi", Mode: domain.ModeChat})
	expectError(t, err, KindMalformedUpstreamResponse, StagePrimaryCall)
	require.Empty(t, fallback.calls)
}

func TestHandle_StateTransitions(t *testing.T) {
	cases := []struct {
		name     string
		primary  *fakePrimary
		fallback *fakeFallback
		want     []State
	}{
		{
			name:     "primary answers",
			primary:  &fakePrimary{result: answered("a", "h")},
			fallback: &fakeFallback{},
			want:     []State{StatePrimaryCalled, StateDonePrimary},
		},
		{
			name:     "fallback answers",
			primary:  &fakePrimary{result: noResults("h")},
			fallback: &fakeFallback{reply: domain.AgentReply{Text: "b"}},
			want:     []State{StatePrimaryCalled, StateFallbackCalled, StateDoneFallback},
		},
		{
			name:     "primary fails",
			primary:  &fakePrimary{err: errors.New("down")},
			fallback: &fakeFallback{},
			want:     []State{StatePrimaryCalled, StateFailed},
		},
		{
			name:     "fallback fails",
			primary:  &fakePrimary{result: noResults("h")},
			fallback: &fakeFallback{err: errors.New("down")},
			want:     []State{StatePrimaryCalled, StateFallbackCalled, StateFailed},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []State
			o := mustNew(t, tc.primary, tc.fallback, WithTransitionHook(func(_, to State) {
				got = append(got, to)
			}))
			_, _ = o.Handle(context.Background(), domain.Message{Content: "hi", Mode: domain.ModeChat})
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHandle_ConcurrentRequestsAreIndependent(t *testing.T) {
	primary := &fakePrimary{result: noResults("h")}
	fallback := &fakeFallback{reply: domain.AgentReply{Text: "ok"}}
	o := mustNew(t, primary, fallback)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := o.Handle(context.Background(), domain.Message{Content: "hi", Mode: domain.ModeChat})
			require.NoError(t, err)
			require.Equal(t, domain.SourceFallback, out.Source)
		}()
	}
	wg.Wait()
	require.Len(t, primary.calls, 16)
	require.Len(t, fallback.calls, 16)
}

func TestFilterCitations(t *testing.T) {
	in := []domain.Citation{
		{Title: "A", URL: "https://a.example"},
		{Title: "hash", URL: "#"},
		{Title: "empty", URL: ""},
		{Title: "blank", URL: "  "},
		{Title: "Document 2", URL: "assistant-abc"},
		{Title: "relative", URL: "/files/rates.pdf"},
		{Title: "script", URL: "javascript:alert(1)"},
		{Title: "B", URL: "https://b.example"},
		{Title: "A again", URL: "https://a.example"},
	}
	out := FilterCitations(in)
	require.Equal(t, []domain.Citation{
		{Title: "A", URL: "https://a.example"},
		{Title: "B", URL: "https://b.example"},
		{Title: "A again", URL: "https://a.example"},
	}, out)

	require.NotNil(t, FilterCitations(nil))
	require.Empty(t, FilterCitations(nil))
}
