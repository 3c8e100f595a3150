package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type analyzerResult struct {
	analysis string
	err      error
}

// fakeAnalyzer returns results in order, then fallback. A gate keyed by
// image name holds that image's call until the gate is closed, ignoring ctx.
type fakeAnalyzer struct {
	mu       sync.Mutex
	results  []analyzerResult
	fallback analyzerResult
	gates    map[string]chan struct{}
	byImage  map[string]analyzerResult
	calls    int
	started  chan string
}

func (a *fakeAnalyzer) AnalyzeImage(_ context.Context, img Image) (string, error) {
	a.mu.Lock()
	a.calls++
	res := a.fallback
	if r, ok := a.byImage[img.Name]; ok {
		res = r
	} else if len(a.results) > 0 {
		res = a.results[0]
		a.results = a.results[1:]
	}
	gate := a.gates[img.Name]
	started := a.started
	a.mu.Unlock()

	if started != nil {
		started <- img.Name
	}
	if gate != nil {
		<-gate
	}
	return res.analysis, res.err
}

func (a *fakeAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeClock struct {
	mu      sync.Mutex
	waits   []time.Duration
	elapsed time.Duration
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.elapsed += d
	c.mu.Unlock()
	return nil
}

func waitTask(t *testing.T, task *VisionTask) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("vision task did not finish")
	}
}

func TestVisionColdStartRetryBound(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	analyzer := &fakeAnalyzer{fallback: analyzerResult{err: &ColdStartError{Status: 502, Message: "warming up"}}}

	var mu sync.Mutex
	var progress []VisionProgress
	coord := NewVisionCoordinator(analyzer, VisionConfig{
		MaxRetries: 5,
		RetryDelay: 10 * time.Second,
		Sleep:      clock.sleep,
		OnProgress: func(p VisionProgress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})

	task := coord.Start(Image{Name: "a.png", MIMEType: "image/png", Data: []byte("a")})
	waitTask(t, task)

	if task.State() != VisionFailed {
		t.Fatalf("expected failed state, got %s", task.State())
	}
	_, err := task.Result()
	var exhausted *VisionExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Retries != 5 {
		t.Fatalf("expected exhaustion after 5 retries, got %v", err)
	}
	if !IsColdStart(err) {
		t.Fatal("expected the last cold-start error to be wrapped")
	}
	if got := analyzer.callCount(); got != 6 {
		t.Fatalf("expected 6 attempts, got %d", got)
	}
	if len(clock.waits) != 5 || clock.elapsed != 50*time.Second {
		t.Fatalf("expected 5 waits totalling 50s, got %v", clock.waits)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 5 {
		t.Fatalf("expected 5 progress updates, got %d", len(progress))
	}
	if progress[0].Attempt != 1 || progress[4].Attempt != 5 || progress[4].MaxAttempts != 6 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestVisionOneColdStartThenSuccess(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	analyzer := &fakeAnalyzer{results: []analyzerResult{
		{err: &ColdStartError{Status: 502, Message: "warming up"}},
		{analysis: "second call analysis"},
	}}
	coord := NewVisionCoordinator(analyzer, VisionConfig{MaxRetries: 5, RetryDelay: 10 * time.Second, Sleep: clock.sleep})

	task := coord.Start(Image{Name: "a.png", Data: []byte("a")})
	waitTask(t, task)

	result, err := task.Result()
	if err != nil || task.State() != VisionSuccess {
		t.Fatalf("expected success, got state %s err %v", task.State(), err)
	}
	if result != "second call analysis" {
		t.Fatalf("unexpected analysis %q", result)
	}
	if clock.elapsed != 10*time.Second {
		t.Fatalf("expected exactly one delay, got %v", clock.elapsed)
	}
	if task.Attempt() != 2 {
		t.Fatalf("expected attempt 2, got %d", task.Attempt())
	}
}

func TestVisionNonColdStartFailureStopsImmediately(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	analyzer := &fakeAnalyzer{fallback: analyzerResult{err: &APIError{Status: 500, Message: "Vision analysis failed (400)."}}}
	coord := NewVisionCoordinator(analyzer, VisionConfig{MaxRetries: 5, RetryDelay: time.Second, Sleep: clock.sleep})

	task := coord.Start(Image{Name: "a.png", Data: []byte("a")})
	waitTask(t, task)

	if task.State() != VisionFailed || analyzer.callCount() != 1 || len(clock.waits) != 0 {
		t.Fatalf("expected a single failed attempt, got state %s calls %d waits %d",
			task.State(), analyzer.callCount(), len(clock.waits))
	}
}

func TestVisionStartSupersedesPreviousTask(t *testing.T) {
	t.Parallel()

	gateA := make(chan struct{})
	gateB := make(chan struct{})
	analyzer := &fakeAnalyzer{
		byImage: map[string]analyzerResult{
			"a.png": {analysis: "analysis A"},
			"b.png": {analysis: "analysis B"},
		},
		gates:   map[string]chan struct{}{"a.png": gateA, "b.png": gateB},
		started: make(chan string, 2),
	}
	coord := NewVisionCoordinator(analyzer, VisionConfig{MaxRetries: 5, RetryDelay: time.Second, Sleep: (&fakeClock{}).sleep})

	taskA := coord.Start(Image{Name: "a.png", Data: []byte("a")})
	<-analyzer.started
	taskB := coord.Start(Image{Name: "b.png", Data: []byte("b")})
	<-analyzer.started

	if taskA.State() != VisionAborted {
		t.Fatalf("expected A aborted once B started, got %s", taskA.State())
	}

	// A resolves late; it must not change anything.
	close(gateA)
	waitTask(t, taskA)
	if taskA.State() != VisionAborted {
		t.Fatalf("late resolution mutated A: %s", taskA.State())
	}
	if result, _ := taskA.Result(); result != "" {
		t.Fatalf("late resolution stored a result: %q", result)
	}
	if _, err := taskA.Wait(context.Background()); !errors.Is(err, ErrVisionAborted) {
		t.Fatalf("expected ErrVisionAborted, got %v", err)
	}

	close(gateB)
	waitTask(t, taskB)
	if result, err := taskB.Result(); err != nil || result != "analysis B" {
		t.Fatalf("expected B to succeed, got %q %v", result, err)
	}
	if coord.Current() != taskB {
		t.Fatal("expected B to be the current task")
	}
}

func TestVisionResolveAwaitsInFlightTask(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	analyzer := &fakeAnalyzer{
		byImage: map[string]analyzerResult{"a.png": {analysis: "shared analysis"}},
		gates:   map[string]chan struct{}{"a.png": gate},
		started: make(chan string, 1),
	}
	coord := NewVisionCoordinator(analyzer, VisionConfig{MaxRetries: 5, RetryDelay: time.Second, Sleep: (&fakeClock{}).sleep})

	img := Image{Name: "a.png", MIMEType: "image/png", Data: []byte("a")}
	coord.Start(img)
	<-analyzer.started

	done := make(chan string, 1)
	go func() {
		result, err := coord.Resolve(context.Background(), img)
		if err != nil {
			result = "error: " + err.Error()
		}
		done <- result
	}()

	close(gate)
	select {
	case result := <-done:
		if result != "shared analysis" {
			t.Fatalf("unexpected result %q", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve did not return")
	}
	if got := analyzer.callCount(); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}

	if coord.Current() != nil {
		t.Fatal("expected the consumed task to be retired")
	}
}

func TestVisionResolveReusesSettledTask(t *testing.T) {
	t.Parallel()

	analyzer := &fakeAnalyzer{byImage: map[string]analyzerResult{"a.png": {analysis: "cached analysis"}}}
	coord := NewVisionCoordinator(analyzer, VisionConfig{MaxRetries: 5, RetryDelay: time.Second, Sleep: (&fakeClock{}).sleep})

	img := Image{Name: "a.png", MIMEType: "image/png", Data: []byte("a")}
	task := coord.Start(img)
	waitTask(t, task)

	result, err := coord.Resolve(context.Background(), img)
	if err != nil || result != "cached analysis" {
		t.Fatalf("unexpected cached resolve: %q %v", result, err)
	}
	if got := analyzer.callCount(); got != 1 {
		t.Fatalf("expected cached result, got %d calls", got)
	}
	if coord.Current() != nil {
		t.Fatal("expected the consumed task to be retired")
	}
	if task.State() != VisionSuccess {
		t.Fatalf("retiring must keep the settled state, got %s", task.State())
	}
}

func TestVisionResolveKeepsTaskForOtherImage(t *testing.T) {
	t.Parallel()

	analyzer := &fakeAnalyzer{byImage: map[string]analyzerResult{
		"a.png": {analysis: "analysis A"},
		"b.png": {analysis: "analysis B"},
	}}
	coord := NewVisionCoordinator(analyzer, VisionConfig{MaxRetries: 5, RetryDelay: time.Second, Sleep: (&fakeClock{}).sleep})

	taskB := coord.Start(Image{Name: "b.png", MIMEType: "image/png", Data: []byte("b")})
	waitTask(t, taskB)

	if _, err := coord.Resolve(context.Background(), Image{Name: "a.png", MIMEType: "image/png", Data: []byte("a")}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if coord.Current() != taskB {
		t.Fatal("expected the task for another image to stay current")
	}
}

func TestVisionResolveWithoutTaskCallsUpstream(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	analyzer := &fakeAnalyzer{results: []analyzerResult{
		{err: &ColdStartError{Status: 429, Message: "warming"}},
		{analysis: "fresh"},
	}}
	coord := NewVisionCoordinator(analyzer, VisionConfig{MaxRetries: 5, RetryDelay: 10 * time.Second, Sleep: clock.sleep})

	result, err := coord.Resolve(context.Background(), Image{Name: "x.png", Data: []byte("x")})
	if err != nil || result != "fresh" {
		t.Fatalf("unexpected resolve: %q %v", result, err)
	}
	if analyzer.callCount() != 2 || clock.elapsed != 10*time.Second {
		t.Fatalf("expected the same retry policy on the synchronous path, calls %d elapsed %v",
			analyzer.callCount(), clock.elapsed)
	}
}

func TestVisionClearInterruptsRetryDelay(t *testing.T) {
	t.Parallel()

	warming := make(chan struct{}, 1)
	analyzer := &fakeAnalyzer{fallback: analyzerResult{err: &ColdStartError{Status: 503, Message: "warming"}}}
	coord := NewVisionCoordinator(analyzer, VisionConfig{
		MaxRetries: 5,
		RetryDelay: time.Hour,
		OnProgress: func(VisionProgress) {
			select {
			case warming <- struct{}{}:
			default:
			}
		},
	})

	task := coord.Start(Image{Name: "a.png", Data: []byte("a")})
	select {
	case <-warming:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a warming-up notification")
	}

	coord.Clear()
	waitTask(t, task)

	if task.State() != VisionAborted {
		t.Fatalf("expected aborted, got %s", task.State())
	}
	if coord.Current() != nil {
		t.Fatal("expected no current task after Clear")
	}
	if analyzer.callCount() != 1 {
		t.Fatalf("expected the pending retry to be cancelled, got %d calls", analyzer.callCount())
	}
}

func TestVisionCoordinatorMaxAttempts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		maxRetries int
		want       int
	}{
		{name: "zero uses the default", maxRetries: 0, want: DefaultVisionMaxRetries + 1},
		{name: "explicit retries", maxRetries: 2, want: 3},
		{name: "retries disabled", maxRetries: NoVisionRetries, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := NewVisionCoordinator(&fakeAnalyzer{}, VisionConfig{MaxRetries: tt.maxRetries})
			if got := coord.MaxAttempts(); got != tt.want {
				t.Fatalf("MaxAttempts() = %d, want %d", got, tt.want)
			}
		})
	}
}
