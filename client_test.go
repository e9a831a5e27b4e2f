package voltaic

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testNode(url string) NodeDescriptor {
	return NodeDescriptor{Key: "n1", PredictURL: url + "/predict", TrainURL: url + "/train", HealthURL: url + "/health"}
}

func TestHTTPNodeClient_Predict_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d Discharge
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if d.ID != "d1" {
			t.Errorf("expected discharge id d1, got %q", d.ID)
		}
		json.NewEncoder(w).Encode(map[string]any{"prediction": 1, "confidence": 0.9})
	}))
	defer srv.Close()

	c := NewHTTPNodeClient()
	resp, err := c.Predict(context.Background(), testNode(srv.URL), Discharge{ID: "d1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Confidence == nil || *resp.Confidence != 0.9 {
		t.Errorf("unexpected confidence: %+v", resp.Confidence)
	}
}

func TestHTTPNodeClient_Predict_HTTPErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewHTTPNodeClient()
	_, err := c.Predict(context.Background(), testNode(srv.URL), Discharge{ID: "d1"})
	if err == nil {
		t.Fatal("expected error")
	}
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 500 {
		t.Fatalf("expected *ErrHTTP 500, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one call, got %d", calls)
	}
}

func TestHTTPNodeClient_Predict_SchemaViolationNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{"confidence": 0.5})
	}))
	defer srv.Close()

	c := NewHTTPNodeClient()
	_, err := c.Predict(context.Background(), testNode(srv.URL), Discharge{ID: "d1"})
	if err == nil {
		t.Fatal("expected schema violation error")
	}
	var se *ErrSchema
	if !errors.As(err, &se) {
		t.Fatalf("expected *ErrSchema, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one call, got %d", calls)
	}
}

func TestHTTPNodeClient_StartTraining_RetriesOnTransportFailure(t *testing.T) {
	// Dial a port nobody is listening on, then bring up the real server after
	// a couple of retry intervals, to prove the retry loop recovers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // close immediately: first attempts must hit "connection refused"

	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/train", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		time.Sleep(30 * time.Millisecond)
		srv := &http.Server{Addr: addr, Handler: mux}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		srv.Serve(l)
	}()

	c := NewHTTPNodeClient(WithRetryBackoff(10 * time.Millisecond))
	node := NodeDescriptor{Key: "n1", TrainURL: "http://" + addr + "/train"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.StartTraining(ctx, node, 5); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly one successful delivery once the node came up, got %d", calls)
	}
}

func TestHTTPNodeClient_PushDischarge_ProtocolErrorPropagatesImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPNodeClient()
	node := NodeDescriptor{Key: "n1", TrainURL: srv.URL + "/train"}
	err := c.PushDischarge(context.Background(), node, 1, Discharge{ID: "d1"})
	if err == nil {
		t.Fatal("expected protocol error")
	}
	var he *ErrHTTP
	if !errors.As(err, &he) {
		t.Fatalf("expected *ErrHTTP, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no retries on protocol error, got %d calls", calls)
	}
}

func TestHTTPNodeClient_RetryRespectsContextCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewHTTPNodeClient(WithRetryBackoff(10 * time.Millisecond))
	node := NodeDescriptor{Key: "n1", TrainURL: "http://" + addr + "/train"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.StartTraining(ctx, node, 1)
	if err == nil {
		t.Fatal("expected context deadline error since the node never comes up")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestHTTPNodeClient_PushDischarge_AttemptHookFiresPerAttempt(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		mux := http.NewServeMux()
		mux.HandleFunc("/train", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		(&http.Server{Addr: addr, Handler: mux}).Serve(l)
	}()

	var attempts []int
	var mu sync.Mutex
	hook := func(_ context.Context, op, nodeKey string, attempt int, err error) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, attempt)
		if op != "push_discharge" || nodeKey != "n1" {
			t.Errorf("unexpected hook call op=%q nodeKey=%q", op, nodeKey)
		}
	}

	c := NewHTTPNodeClient(WithRetryBackoff(10*time.Millisecond), WithAttemptHook(hook))
	node := NodeDescriptor{Key: "n1", TrainURL: "http://" + addr + "/train"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.PushDischarge(ctx, node, 1, Discharge{ID: "d1"}); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) < 2 {
		t.Fatalf("expected at least 2 attempts recorded (one failure, one success), got %v", attempts)
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Errorf("expected attempt numbers 1..n in order, got %v", attempts)
			break
		}
	}
}

func TestHTTPNodeClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPNodeClient()
	detail, err := c.Health(context.Background(), testNode(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.Status != "ok" {
		t.Errorf("expected status ok, got %q", detail.Status)
	}
}

func TestHTTPNodeClient_Health_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewHTTPNodeClient()
	node := NodeDescriptor{Key: "n1", HealthURL: "http://" + addr + "/health"}
	detail, err := c.Health(context.Background(), node)
	if err != nil {
		t.Fatalf("Health should not return a Go error for an unreachable node: %v", err)
	}
	if detail.Status != "unreachable" {
		t.Errorf("expected status unreachable, got %q", detail.Status)
	}
}
