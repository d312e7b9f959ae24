package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/engagecore/internal/agent"
	agentmock "github.com/MrWong99/engagecore/internal/agent/mock"
	"github.com/MrWong99/engagecore/internal/agent/selector"
	"github.com/MrWong99/engagecore/internal/eventlog"
	"github.com/MrWong99/engagecore/internal/generation"
	"github.com/MrWong99/engagecore/internal/observe"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// stubSelector returns a fixed selection and records its inputs.
type stubSelector struct {
	mu        sync.Mutex
	sel       selector.Selection
	panicWith any
	calls     []agent.Context
}

func (s *stubSelector) Select(_ context.Context, _ string, c agent.Context, _ bool) selector.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.sel
}

// recordingSink keeps orchestration events in memory.
type recordingSink struct {
	mu     sync.Mutex
	events []eventlog.OrchestrationEvent
}

func (r *recordingSink) LogGeneration(context.Context, eventlog.GenerationRecord) error { return nil }

func (r *recordingSink) LogOrchestration(_ context.Context, ev eventlog.OrchestrationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) last(t *testing.T) eventlog.OrchestrationEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		t.Fatal("no orchestration event logged")
	}
	return r.events[len(r.events)-1]
}

// failingProvider fails every lookup.
type failingProvider struct{}

func (failingProvider) UserContext(context.Context, string) (agent.Blob, error) {
	return nil, errors.New("platform unavailable")
}
func (failingProvider) LessonContext(context.Context, string, string) (agent.Blob, error) {
	return nil, nil
}
func (failingProvider) TaskContext(context.Context, string, string) (agent.Blob, error) {
	return nil, nil
}

type fixture struct {
	orch     *Orchestrator
	agents   map[string]*agentmock.Agent
	sel      *stubSelector
	agg      *agentmock.Aggregator
	sink     *recordingSink
	reader   *sdkmetric.ManualReader
	contexts *StaticContextProvider
}

func newFixture(t *testing.T, names []string, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		agents:   map[string]*agentmock.Agent{},
		sel:      &stubSelector{sel: selector.Selection{AgentNames: names, Reasoning: "because", Confidence: 0.9, Method: selector.MethodLLM}},
		agg:      &agentmock.Aggregator{Result: "merged answer"},
		sink:     &recordingSink{},
		reader:   sdkmetric.NewManualReader(),
		contexts: &StaticContextProvider{
			Users:   map[string]agent.Blob{"42": {"level": "B1"}},
			Lessons: map[string]agent.Blob{"7": {"title": "Past Simple"}},
			Tasks:   map[string]agent.Blob{"11": {"type": "fill-in"}},
		},
	}
	var factories []agent.Factory
	for i, n := range []string{"ContentAgent", "SupportAgent", "ProfessionalAgent"} {
		a := &agentmock.Agent{
			Desc:   agent.Descriptor{Name: n, Role: strings.ToLower(n), Fallback: i == 0},
			Result: agent.Response{Text: "answer from " + n},
		}
		f.agents[n] = a
		factories = append(factories, a.Factory())
	}
	reg, err := agent.NewRegistry(factories...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	base := []Option{
		WithSink(f.sink),
		WithMetrics(met),
		WithIDSource(func() string { return "abcd1234" }),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	}
	f.orch, err = New(reg, f.sel, f.agg, f.contexts, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) route(msg string, mc MessageContext) string {
	return f.orch.RouteMessage(context.Background(), msg, "42", mc)
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// ── construction ─────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	a := &agentmock.Agent{Desc: agent.Descriptor{Name: "A"}}
	reg, _ := agent.NewRegistry(a.Factory())
	sel := &stubSelector{}
	agg := &agentmock.Aggregator{}
	cp := &StaticContextProvider{}

	tests := []struct {
		name string
		fn   func() (*Orchestrator, error)
	}{
		{"registry", func() (*Orchestrator, error) { return New(nil, sel, agg, cp) }},
		{"selector", func() (*Orchestrator, error) { return New(reg, nil, agg, cp) }},
		{"aggregator", func() (*Orchestrator, error) { return New(reg, sel, nil, cp) }},
		{"contexts", func() (*Orchestrator, error) { return New(reg, sel, agg, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.fn(); err == nil {
				t.Errorf("expected error for nil %s", tt.name)
			}
		})
	}
}

// ── routing ──────────────────────────────────────────────────────────────────

func TestRouteMessage_SingleAgentVerbatim(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"ContentAgent"})

	got := f.route("What is the past simple?", MessageContext{})
	if got != "answer from ContentAgent" {
		t.Errorf("reply = %q, want the agent's text verbatim", got)
	}
	if f.agg.CallCount() != 0 {
		t.Error("aggregator must not run for a single response")
	}

	ev := f.sink.last(t)
	if ev.Aggregation != eventlog.AggregationSingle {
		t.Errorf("Aggregation = %q, want single", ev.Aggregation)
	}
	if !regexp.MustCompile(`^orch_42_1700000000_abcd1234$`).MatchString(ev.RequestID) {
		t.Errorf("RequestID = %q", ev.RequestID)
	}
	if ev.SelectionMethod != selector.MethodLLM || ev.Reasoning != "because" || ev.Confidence != 0.9 {
		t.Errorf("selection not recorded: %+v", ev)
	}
	if ev.ResponseLength != len(got) || len(ev.Outcomes) != 1 || !ev.Outcomes[0].OK {
		t.Errorf("unexpected event %+v", ev)
	}
	if n := counterTotal(t, f.reader, "engagecore.agent.calls"); n != 1 {
		t.Errorf("agent.calls = %d, want 1", n)
	}
}

func TestRouteMessage_AggregatesInSelectionOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"SupportAgent", "ContentAgent", "ProfessionalAgent"})
	// The first selected agent finishes last.
	f.agents["SupportAgent"].Delay = 20 * time.Millisecond

	got := f.route("I'm stuck", MessageContext{})
	if got != "merged answer" {
		t.Fatalf("reply = %q, want the aggregator result", got)
	}
	call := f.agg.Calls[0]
	var order []string
	for _, r := range call.Responses {
		order = append(order, r.AgentName)
	}
	if strings.Join(order, ",") != "SupportAgent,ContentAgent,ProfessionalAgent" {
		t.Errorf("responses order = %v, want selection order", order)
	}
	if call.Reasoning != "because" {
		t.Errorf("reasoning = %q", call.Reasoning)
	}
	if ev := f.sink.last(t); ev.Aggregation != eventlog.AggregationAggregator {
		t.Errorf("Aggregation = %q, want aggregator", ev.Aggregation)
	}
}

func TestRouteMessage_AgentsRunConcurrently(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"ContentAgent", "SupportAgent"}, WithAgentTimeout(2*time.Second))

	var started sync.WaitGroup
	started.Add(2)
	barrier := func(ctx context.Context, c agent.Context) (agent.Response, error) {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return agent.Response{Text: "met the other agent"}, nil
		case <-ctx.Done():
			return agent.Response{}, ctx.Err()
		}
	}
	f.agents["ContentAgent"].HandleFunc = barrier
	f.agents["SupportAgent"].HandleFunc = barrier

	if got := f.route("hi", MessageContext{}); got != "merged answer" {
		t.Fatalf("reply = %q; agents did not run in parallel", got)
	}
}

func TestRouteMessage_AggregationFallback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		texts map[string]string
		want  string
	}{
		{
			name: "naive join of substantial answers",
			texts: map[string]string{
				"ContentAgent":      "  Use did for questions. ",
				"SupportAgent":      "ok!",
				"ProfessionalAgent": "Nurses often report in the past simple.",
			},
			want: "Use did for questions. Nurses often report in the past simple.",
		},
		{
			name: "nothing substantial",
			texts: map[string]string{
				"ContentAgent":      "yes",
				"SupportAgent":      "ok!",
				"ProfessionalAgent": "12345",
			},
			want: CombineFailedMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, []string{"ContentAgent", "SupportAgent", "ProfessionalAgent"})
			f.agg.Err = errors.New("top manager down")
			for n, text := range tt.texts {
				f.agents[n].Result = agent.Response{Text: text}
			}
			if got := f.route("hi", MessageContext{}); got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
			if ev := f.sink.last(t); ev.Aggregation != eventlog.AggregationNaiveJoin {
				t.Errorf("Aggregation = %q, want naive_join", ev.Aggregation)
			}
		})
	}
}

func TestNaiveJoin_KeepsFirstThree(t *testing.T) {
	t.Parallel()
	var rs []agent.Response
	for _, s := range []string{"first answer", "second answer", "tiny", "third answer", "fourth answer"} {
		rs = append(rs, agent.Response{Text: s})
	}
	if got := naiveJoin(rs); got != "first answer second answer third answer" {
		t.Errorf("naiveJoin = %q", got)
	}
}

func TestRouteMessage_AggregatorTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"ContentAgent", "SupportAgent"}, WithAggregatorTimeout(10*time.Millisecond))
	f.agg.Delay = time.Second

	got := f.route("hi", MessageContext{})
	if got != "answer from ContentAgent answer from SupportAgent" {
		t.Errorf("reply = %q, want the naive join", got)
	}
}

func TestRouteMessage_FailedAgentsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"ContentAgent", "SupportAgent", "ProfessionalAgent"}, WithAgentTimeout(20*time.Millisecond))
	f.agents["ContentAgent"].PanicWith = "boom"
	// Ignores its context entirely.
	f.agents["SupportAgent"].HandleFunc = func(context.Context, agent.Context) (agent.Response, error) {
		time.Sleep(200 * time.Millisecond)
		return agent.Response{Text: "too late"}, nil
	}

	got := f.route("hi", MessageContext{})
	if got != "answer from ProfessionalAgent" {
		t.Errorf("reply = %q, want the only surviving answer", got)
	}

	ev := f.sink.last(t)
	if len(ev.Outcomes) != 3 {
		t.Fatalf("outcomes = %+v", ev.Outcomes)
	}
	if ev.Outcomes[0].OK || !strings.Contains(ev.Outcomes[0].Err, "panic: boom") {
		t.Errorf("panic outcome = %+v", ev.Outcomes[0])
	}
	if ev.Outcomes[1].OK || !strings.Contains(ev.Outcomes[1].Err, "timed out") {
		t.Errorf("timeout outcome = %+v", ev.Outcomes[1])
	}
	if !ev.Outcomes[2].OK {
		t.Errorf("healthy outcome = %+v", ev.Outcomes[2])
	}
}

func TestRouteMessage_AgentConstructionFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		newFn   func() (agent.Agent, error)
		wantErr string
	}{
		{
			name:    "constructor panics",
			newFn:   func() (agent.Agent, error) { panic("constructor exploded") },
			wantErr: "panic: constructor exploded",
		},
		{
			name:    "constructor errors",
			newFn:   func() (agent.Agent, error) { return nil, errors.New("missing persona") },
			wantErr: "missing persona",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			healthy := &agentmock.Agent{
				Desc:   agent.Descriptor{Name: "ContentAgent", Role: "content", Fallback: true},
				Result: agent.Response{Text: "answer from ContentAgent"},
			}
			reg, err := agent.NewRegistry(
				healthy.Factory(),
				agent.Factory{Descriptor: agent.Descriptor{Name: "BrokenAgent", Role: "broken"}, New: tt.newFn},
			)
			if err != nil {
				t.Fatalf("NewRegistry: %v", err)
			}
			sel := &stubSelector{sel: selector.Selection{
				AgentNames: []string{"BrokenAgent", "ContentAgent"},
				Method:     selector.MethodLLM,
			}}
			sink := &recordingSink{}
			o, err := New(reg, sel, &agentmock.Aggregator{Result: "merged"}, &StaticContextProvider{}, WithSink(sink))
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			got := o.RouteMessage(context.Background(), "hi", "42", MessageContext{})
			if got != "answer from ContentAgent" {
				t.Errorf("reply = %q, want the healthy agent's answer", got)
			}
			ev := sink.last(t)
			if len(ev.Outcomes) != 2 || ev.Outcomes[0].OK || !strings.Contains(ev.Outcomes[0].Err, tt.wantErr) {
				t.Errorf("outcomes = %+v, want BrokenAgent failed with %q", ev.Outcomes, tt.wantErr)
			}
		})
	}
}

func TestRouteMessage_RecordsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture(t, []string{"ContentAgent"})
	f.route("hi", MessageContext{})

	var root *tracetest.SpanStub
	var agentSpan bool
	for _, s := range exp.GetSpans() {
		switch s.Name {
		case "orchestrator.RouteMessage":
			root = &s
		case "orchestrator.agent.ContentAgent":
			agentSpan = true
		}
	}
	if root == nil {
		t.Fatal("no RouteMessage span recorded")
	}
	if !agentSpan {
		t.Error("no agent span recorded")
	}
	attrs := map[string]string{}
	for _, kv := range root.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["user_id"] != "42" {
		t.Errorf("user_id = %q, want 42", attrs["user_id"])
	}
	if !strings.HasPrefix(attrs["request_id"], "orch_42_") {
		t.Errorf("request_id = %q", attrs["request_id"])
	}
}

func TestRouteMessage_NoAnswers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"ContentAgent", "Ghost"})
	f.agents["ContentAgent"].Err = &agent.Error{Agent: "ContentAgent", Err: errors.New("model returned nothing")}

	if got := f.route("hi", MessageContext{}); got != NoAnswerMessage {
		t.Errorf("reply = %q, want %q", got, NoAnswerMessage)
	}
	ev := f.sink.last(t)
	if ev.Aggregation != eventlog.AggregationNone {
		t.Errorf("Aggregation = %q, want none", ev.Aggregation)
	}
	if !strings.Contains(ev.Outcomes[1].Err, "unknown agent") {
		t.Errorf("unknown agent outcome = %+v", ev.Outcomes[1])
	}
}

func TestRouteMessage_EmptyAnswerIsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"ContentAgent", "SupportAgent"})
	f.agents["SupportAgent"].Result = agent.Response{Text: "  \n"}

	if got := f.route("hi", MessageContext{}); got != "answer from ContentAgent" {
		t.Errorf("reply = %q", got)
	}
	if f.agg.CallCount() != 0 {
		t.Error("a single surviving answer must not be aggregated")
	}
}

func TestRouteMessage_ContextFailureReturnsApology(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"ContentAgent"})
	f.orch.contexts = failingProvider{}

	if got := f.route("hi", MessageContext{}); got != generation.DefaultApology {
		t.Errorf("reply = %q, want the apology", got)
	}
	if len(f.sel.calls) != 0 {
		t.Error("selector must not run after a fatal context error")
	}
	if ev := f.sink.last(t); ev.Aggregation != eventlog.AggregationNone || ev.ResponseLength == 0 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestRouteMessage_PanicIsContained(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"ContentAgent"})
	f.sel.panicWith = "selector exploded"

	if got := f.route("hi", MessageContext{}); got != CriticalMessage {
		t.Errorf("reply = %q, want %q", got, CriticalMessage)
	}
}

// ── context building ─────────────────────────────────────────────────────────

func TestRouteMessage_BuildsAgentContext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		mc         MessageContext
		wantSource string
		wantAction bool
		wantPage   agent.Page
		wantLesson bool
		wantTask   bool
	}{
		{
			name:       "action context wins",
			mc:         MessageContext{ActionContext: map[string]any{"task_id": 11.0, "lesson_id": "7"}, EnvironmentContext: map[string]any{"lesson_id": "99"}},
			wantSource: agent.SourceAction, wantAction: true,
			wantPage:   agent.Page{LessonID: "7", TaskID: "11"},
			wantLesson: true, wantTask: true,
		},
		{
			name:       "environment context",
			mc:         MessageContext{EnvironmentContext: map[string]any{"lesson_id": 7, "course_id": "3", "enrollment_id": int64(5)}},
			wantSource: agent.SourceEnvironment,
			wantPage:   agent.Page{LessonID: "7", CourseID: "3", EnrollmentID: "5"},
			wantLesson: true,
		},
		{
			name: "no context",
			mc:   MessageContext{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, []string{"ContentAgent"})
			f.route("  hi  ", tt.mc)

			c := f.sel.calls[0]
			if c.Source != tt.wantSource || c.ActionMessage != tt.wantAction {
				t.Errorf("source = %q action = %v", c.Source, c.ActionMessage)
			}
			if c.Page != tt.wantPage {
				t.Errorf("page = %+v, want %+v", c.Page, tt.wantPage)
			}
			if c.User["level"] != "B1" {
				t.Errorf("user blob = %v", c.User)
			}
			if (c.Lesson != nil) != tt.wantLesson || (c.Task != nil) != tt.wantTask {
				t.Errorf("lesson = %v, task = %v", c.Lesson, c.Task)
			}
			if got := f.agents["ContentAgent"].Calls[0]; got.UserID != "42" || got.UserMessage != "  hi  " {
				t.Errorf("agent context = %+v", got)
			}
		})
	}
}

func TestIDString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want string
	}{
		{"  12 ", "12"},
		{12, "12"},
		{int64(12), "12"},
		{12.0, "12"},
		{12.5, "12.5"},
		{nil, ""},
		{[]int{1}, ""},
	}
	for _, tt := range tests {
		if got := idString(tt.in); got != tt.want {
			t.Errorf("idString(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
