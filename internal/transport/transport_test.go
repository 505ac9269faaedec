package transport_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/transport"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestWrapKeepsCause(t *testing.T) {
	base := errors.New("broker unavailable")

	retry := transport.WrapRetryable(base)
	if !errors.Is(retry, transport.ErrRetryable) || !errors.Is(retry, base) {
		t.Fatalf("expected retryable wrap to match both sentinels: %v", retry)
	}
	if !strings.Contains(retry.Error(), base.Error()) {
		t.Fatalf("expected wrapped message to include cause")
	}

	fatal := transport.WrapFatal(base)
	if !errors.Is(fatal, transport.ErrFatal) || !errors.Is(fatal, base) {
		t.Fatalf("expected fatal wrap to match both sentinels: %v", fatal)
	}

	if !errors.Is(transport.WrapRetryable(nil), transport.ErrRetryable) {
		t.Fatalf("expected nil retryable wrap to fall back to ErrRetryable")
	}
	if !errors.Is(transport.WrapFatal(nil), transport.ErrFatal) {
		t.Fatalf("expected nil fatal wrap to fall back to ErrFatal")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want transport.Result
	}{
		{"ack", nil, transport.ResultAck},
		{"fatal", transport.WrapFatal(errors.New("bad request")), transport.ResultFatal},
		{"retryable", transport.WrapRetryable(errors.New("503")), transport.ResultRetryable},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), transport.ResultRetryable},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, transport.ResultRetryable},
		{"unknown", errors.New("boom"), transport.ResultRetryable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := transport.Classify(tc.err); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestRecorderReplaysResults(t *testing.T) {
	boom := errors.New("boom")
	rec := transport.NewRecorder(boom)

	batch := models.NewBatch("b1", time.Now())
	batch.Add(&models.OperationRecord{OperationID: "op-1"}, []byte(`{}`))

	if err := rec.Send(context.Background(), batch); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	if err := rec.Send(context.Background(), batch); err != nil {
		t.Fatalf("expected ack after script exhausted, got %v", err)
	}

	if n := len(rec.Attempts()); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
	if got := rec.Delivered(); len(got) != 1 || got[0] != "op-1" {
		t.Fatalf("unexpected delivered ids %v", got)
	}
	_ = rec.Close()
	if !rec.Closed() {
		t.Fatalf("expected recorder closed")
	}
}

func TestFuncAdapter(t *testing.T) {
	called := false
	var c transport.Client = transport.Func(func(ctx context.Context, batch *models.Batch) error {
		called = true
		return nil
	})
	if err := c.Send(context.Background(), models.NewBatch("b", time.Now())); err != nil || !called {
		t.Fatalf("expected func to be invoked, err=%v", err)
	}
}
