package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) component(name string, err error) Component {
	return Func(name, func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, name)
		return err
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var _ io.Closer = closerFunc(nil)

func TestPropertyReverseOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("components shut down newest first", prop.ForAll(
		func(n int) bool {
			rec := &recorder{}
			c := NewCoordinator(WithLogger(quietLogger()))
			var want []string
			for i := 0; i < n; i++ {
				name := string(rune('a' + i))
				c.Register(rec.component(name, nil))
				want = append([]string{name}, want...)
			}
			if err := c.Shutdown(); err != nil {
				return false
			}
			return cmp.Equal(want, rec.order) && c.ExitCode() == 0
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func TestShutdownCollectsErrors(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	c := NewCoordinator(WithLogger(quietLogger()))
	c.Register(rec.component("store", nil))
	c.Register(rec.component("worker", boom))

	err := c.Shutdown()
	if !errors.Is(err, boom) {
		t.Fatalf("Shutdown() = %v, want wrapped %v", err, boom)
	}
	if diff := cmp.Diff([]string{"worker", "store"}, rec.order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if c.ExitCode() != 1 {
		t.Errorf("ExitCode() = %d, want 1", c.ExitCode())
	}

	// Second call returns the first result without rerunning components.
	if err2 := c.Shutdown(); !errors.Is(err2, boom) {
		t.Errorf("second Shutdown() = %v", err2)
	}
	if len(rec.order) != 2 {
		t.Errorf("components ran %d times, want 2", len(rec.order))
	}
}

func TestShutdownTimeout(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(WithLogger(quietLogger()), WithTimeout(20*time.Millisecond))
	c.Register(rec.component("store", nil))
	c.Register(Func("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := c.Shutdown()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Shutdown() = %v, want ErrTimeout", err)
	}
	if len(rec.order) != 0 {
		t.Errorf("store ran after deadline: %v", rec.order)
	}
}

func TestCloser(t *testing.T) {
	closed := false
	c := NewCoordinator(WithLogger(quietLogger()))
	c.Register(Closer("db", closerFunc(func() error {
		closed = true
		return nil
	})))
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if !closed {
		t.Error("closer was not called")
	}
}

func TestContextCancelledOnSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	c := NewCoordinator(WithLogger(quietLogger()), WithSignalChannel(sigCh))
	ctx, stop := c.Context(context.Background())
	defer stop()

	sigCh <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after signal")
	}
}

func TestContextStop(t *testing.T) {
	c := NewCoordinator(WithLogger(quietLogger()), WithSignalChannel(make(chan os.Signal)))
	ctx, stop := c.Context(context.Background())
	stop()
	if ctx.Err() == nil {
		t.Error("context still live after stop")
	}
}
