package chat

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/euaiact-search/internal/retry"
)

// Default cold-start policy for vision calls.
const (
	DefaultVisionMaxRetries = 5
	DefaultVisionRetryDelay = 10 * time.Second

	// NoVisionRetries disables cold-start retries in VisionConfig.
	NoVisionRetries = -1
)

// VisionAnalyzer turns an image into a textual analysis. Implementations
// return an error wrapping *ColdStartError while the upstream is warming.
type VisionAnalyzer interface {
	AnalyzeImage(ctx context.Context, img Image) (string, error)
}

// VisionState is the lifecycle state of a VisionTask.
type VisionState string

const (
	VisionPending VisionState = "pending"
	VisionSuccess VisionState = "success"
	VisionFailed  VisionState = "failed"
	VisionAborted VisionState = "aborted"
)

// ErrVisionAborted is returned by Wait for a task that was cancelled.
var ErrVisionAborted = errors.New("vision analysis aborted")

// VisionExhaustedError is returned when every cold-start retry failed.
type VisionExhaustedError struct {
	Retries int
	Last    error
}

func (e *VisionExhaustedError) Error() string {
	return fmt.Sprintf("Vision AI service did not respond after %d retries.", e.Retries)
}

func (e *VisionExhaustedError) Unwrap() error {
	return e.Last
}

// VisionProgress is published after each failed cold-start attempt.
type VisionProgress struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

func (p VisionProgress) String() string {
	return fmt.Sprintf("Vision AI is warming up, attempt %d of %d", p.Attempt, p.MaxAttempts)
}

// VisionTask is one pre-analysis run for an attached image.
type VisionTask struct {
	image  Image
	digest [sha256.Size]byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   VisionState
	result  string
	err     error
	attempt int
}

func newVisionTask(parent context.Context, img Image) *VisionTask {
	ctx, cancel := context.WithCancel(parent)
	return &VisionTask{
		image:  img,
		digest: imageDigest(img),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  VisionPending,
	}
}

// Image returns the image being analyzed.
func (t *VisionTask) Image() Image { return t.image }

// Done is closed once the task can no longer change state.
func (t *VisionTask) Done() <-chan struct{} { return t.done }

// State returns the current lifecycle state.
func (t *VisionTask) State() VisionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempt returns the 1-indexed attempt in flight or last made.
func (t *VisionTask) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// Result returns the analysis and the failure, if any.
func (t *VisionTask) Result() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Wait blocks until the task resolves or ctx ends.
func (t *VisionTask) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case VisionSuccess:
		return t.result, nil
	case VisionAborted:
		return "", ErrVisionAborted
	default:
		return "", t.err
	}
}

func (t *VisionTask) matches(img Image) bool {
	return t.digest == imageDigest(img)
}

func (t *VisionTask) setAttempt(n int) {
	t.mu.Lock()
	if t.ctx.Err() == nil {
		t.attempt = n
	}
	t.mu.Unlock()
}

// abort cancels the task. A task that already resolved keeps its state.
func (t *VisionTask) abort() {
	t.mu.Lock()
	if t.state == VisionPending {
		t.state = VisionAborted
	}
	t.mu.Unlock()
	t.cancel()
}

// finish records the outcome unless the task was cancelled first.
func (t *VisionTask) finish(result string, err error) {
	t.mu.Lock()
	if t.ctx.Err() == nil && t.state == VisionPending {
		if err != nil {
			t.state = VisionFailed
			t.err = err
		} else {
			t.state = VisionSuccess
			t.result = result
		}
	} else if t.state == VisionPending {
		t.state = VisionAborted
	}
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}

// VisionConfig configures a VisionCoordinator.
type VisionConfig struct {
	// MaxRetries is the number of cold-start retries after the first call.
	// Zero means DefaultVisionMaxRetries; NoVisionRetries turns them off.
	MaxRetries int
	RetryDelay time.Duration

	// OnProgress is called after each failed cold-start attempt of a live task.
	OnProgress func(VisionProgress)

	// Sleep overrides the wait between attempts.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// VisionCoordinator runs at most one pre-analysis task at a time and lets
// turn submission reuse its result.
type VisionCoordinator struct {
	analyzer   VisionAnalyzer
	policy     retry.Policy
	onProgress func(VisionProgress)
	logger     *slog.Logger

	mu      sync.Mutex
	current *VisionTask
}

// NewVisionCoordinator creates a coordinator around analyzer.
func NewVisionCoordinator(analyzer VisionAnalyzer, cfg VisionConfig) *VisionCoordinator {
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultVisionMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultVisionRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	policy := retry.Fixed(cfg.MaxRetries, cfg.RetryDelay, IsColdStart)
	policy.Sleep = cfg.Sleep
	return &VisionCoordinator{
		analyzer:   analyzer,
		policy:     policy,
		onProgress: cfg.OnProgress,
		logger:     cfg.Logger,
	}
}

// MaxAttempts is the number of calls one analysis may make.
func (c *VisionCoordinator) MaxAttempts() int {
	return c.policy.MaxAttempts()
}

// Start retires the current task and begins analyzing img in the background.
func (c *VisionCoordinator) Start(img Image) *VisionTask {
	task := newVisionTask(context.Background(), img)

	c.mu.Lock()
	prev := c.current
	c.current = task
	c.mu.Unlock()

	if prev != nil {
		prev.abort()
	}

	go func() {
		result, err := c.analyze(task.ctx, img, task)
		if err != nil && task.ctx.Err() == nil {
			c.logger.Debug("Vision pre-analysis failed", "image", img.Name, "error", err)
		}
		task.finish(result, err)
	}()
	return task
}

// Clear aborts the current task, if any.
func (c *VisionCoordinator) Clear() {
	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()

	if prev != nil {
		prev.abort()
	}
}

// release retires task if it is still the current one.
func (c *VisionCoordinator) release(task *VisionTask) {
	c.mu.Lock()
	if c.current != task {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()
	task.abort()
}

// Current returns the active task, or nil.
func (c *VisionCoordinator) Current() *VisionTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Resolve returns the analysis for img. It reuses a succeeded task for the
// same image, waits on an in-flight one instead of issuing a second request,
// and otherwise makes a fresh call with the same retry policy. A task for img
// is retired once Resolve returns.
func (c *VisionCoordinator) Resolve(ctx context.Context, img Image) (string, error) {
	if task := c.Current(); task != nil && task.matches(img) {
		defer c.release(task)
		switch task.State() {
		case VisionSuccess:
			result, _ := task.Result()
			return result, nil
		case VisionPending:
			result, err := task.Wait(ctx)
			if err == nil {
				return result, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if !errors.Is(err, ErrVisionAborted) {
				c.logger.Debug("In-flight vision analysis failed, retrying at submit", "error", err)
			}
		}
	}
	return c.analyze(ctx, img, nil)
}

func (c *VisionCoordinator) analyze(ctx context.Context, img Image, task *VisionTask) (string, error) {
	var analysis string
	err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if task != nil {
			task.setAttempt(attempt)
		}
		result, err := c.analyzer.AnalyzeImage(ctx, img)
		if err != nil {
			return err
		}
		analysis = result
		return nil
	}, func(a retry.Attempt) {
		if task != nil && task.ctx.Err() != nil {
			return
		}
		c.logger.Info("Vision service warming up",
			"attempt", a.Number,
			"max_attempts", a.Max,
			"retry_in", a.Delay,
		)
		if c.onProgress != nil {
			c.onProgress(VisionProgress{Attempt: a.Number, MaxAttempts: a.Max, Delay: a.Delay})
		}
	})
	if err == nil {
		return analysis, nil
	}
	if IsColdStart(err) {
		return "", &VisionExhaustedError{Retries: c.policy.MaxRetries, Last: err}
	}
	return "", err
}

func imageDigest(img Image) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(img.MIMEType))
	h.Write([]byte{0})
	h.Write(img.Data)
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
