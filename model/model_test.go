package model

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/metrics"
)

func TestLRScorer(t *testing.T) {
	ctx := context.Background()
	weights := map[string]float64{"similarity": 2, "engagement": 1, "user.interactions": 0.1}

	tests := []struct {
		name string
		link string
		user map[string]float64
		item map[string]float64
		want float64
	}{
		{"identity", LinkIdentity, nil, map[string]float64{"similarity": 0.5, "engagement": 0.25}, 1.5 + 1.25},
		{"user features prefixed", "", map[string]float64{"interactions": 10}, map[string]float64{"similarity": 0}, 1.5 + 1},
		{"unknown features ignored", "", map[string]float64{"similarity": 100}, map[string]float64{"other": 3}, 1.5},
		{"sigmoid", LinkSigmoid, nil, map[string]float64{"similarity": -0.75}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewLRScorer("v1", 1.5, weights, tt.link)
			if err != nil {
				t.Fatal(err)
			}
			got, err := s.Score(ctx, tt.user, tt.item)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultScorer(t *testing.T) {
	s := DefaultScorer()
	got, _ := s.Score(context.Background(), nil, map[string]float64{"similarity": 1, "engagement": 1, "category_affinity": 1})
	if math.Abs(got-1) > 1e-9 {
		t.Errorf("default weights should sum to 1, got %v", got)
	}
	if s.Version() != "builtin" {
		t.Errorf("version = %q", s.Version())
	}
}

func TestParseArtifact(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		kind    string
	}{
		{"lr", `{"type":"lr","version":"v2","weights":{"similarity":1}}`, false, "lr"},
		{"type defaults to lr", `{"version":"v2"}`, false, "lr"},
		{"rpc", `{"type":"rpc","version":"v3","endpoint":"http://x/predict","timeout":"20ms"}`, false, "rpc"},
		{"no version", `{"type":"lr"}`, true, ""},
		{"bad json", `{`, true, ""},
		{"unknown type", `{"type":"dnn","version":"v1"}`, true, ""},
		{"bad link", `{"version":"v1","link":"tanh"}`, true, ""},
		{"rpc without endpoint", `{"type":"rpc","version":"v1"}`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseArtifact([]byte(tt.data))
			if tt.wantErr {
				if !core.IsMalformed(err) {
					t.Fatalf("err = %v, want malformed", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if s.Name() != tt.kind {
				t.Errorf("scorer = %s, want %s", s.Name(), tt.kind)
			}
		})
	}
}

func TestRPCScorer(t *testing.T) {
	var got struct {
		Version      string               `json:"version"`
		FeaturesList []map[string]float64 `json:"features_list"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		scores := make([]float64, len(got.FeaturesList))
		for i, f := range got.FeaturesList {
			scores[i] = f["similarity"] + f["user.warm"]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"scores": scores})
	}))
	defer srv.Close()

	s := NewRPCScorer("v1", srv.URL, time.Second)
	scores, err := s.ScoreBatch(context.Background(), map[string]float64{"warm": 1},
		[]map[string]float64{{"similarity": 0.5}, {"similarity": 0.25}})
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 2 || scores[0] != 1.5 || scores[1] != 1.25 {
		t.Errorf("scores = %v", scores)
	}
	if _, ok := got.FeaturesList[0]["user.warm"]; !ok {
		t.Errorf("user features not prefixed: %v", got.FeaturesList[0])
	}
	if got.Version != "v1" {
		t.Errorf("version = %q", got.Version)
	}
}

func TestRPCScorer_BadRequestDoesNotTrip(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown feature", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewRPCScorer("v1", srv.URL, time.Second)
	for i := 0; i < 8; i++ {
		if _, err := s.Score(context.Background(), nil, map[string]float64{"x": 1}); !core.IsMalformed(err) {
			t.Fatalf("call %d: err = %v, want malformed", i, err)
		}
	}
	if n := calls.Load(); n != 8 {
		t.Errorf("server calls = %d, want every call to reach the server", n)
	}
}

func TestRPCScorer_FailuresTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewRPCScorer("v1", srv.URL, time.Second)
	for i := 0; i < 8; i++ {
		_, err := s.Score(context.Background(), nil, map[string]float64{"similarity": 1})
		if !core.IsUnavailable(err) {
			t.Fatalf("call %d: err = %v, want unavailable", i, err)
		}
	}
	if n := calls.Load(); n != 5 {
		t.Errorf("server calls = %d, want 5 before the circuit opens", n)
	}
}

func writeArtifact(t *testing.T, path, version string, weight float64) {
	t.Helper()
	data, _ := json.Marshal(Artifact{Type: "lr", Version: version, Weights: map[string]float64{"similarity": weight}})
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry_LoadAndSwap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scorer.json")
	writeArtifact(t, path, "v1", 1)

	reg := NewRegistry(nil)
	if reg.Current().Version() != "builtin" {
		t.Fatalf("initial version = %s", reg.Current().Version())
	}

	// 在途请求持有旧版本
	inflight := reg.Current()

	okBefore := testutil.ToFloat64(metrics.ModelSwaps.WithLabelValues("ok"))
	if _, err := reg.Load(path); err != nil {
		t.Fatal(err)
	}
	if reg.Current().Version() != "v1" || inflight.Version() != "builtin" {
		t.Errorf("current = %s, in-flight = %s", reg.Current().Version(), inflight.Version())
	}
	if d := testutil.ToFloat64(metrics.ModelSwaps.WithLabelValues("ok")) - okBefore; d != 1 {
		t.Errorf("ok swaps delta = %v", d)
	}

	// 坏文件不替换当前版本
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Load(""); err == nil {
		t.Fatal("expected load error")
	}
	if reg.Current().Version() != "v1" {
		t.Errorf("bad artifact replaced scorer: %s", reg.Current().Version())
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scorer.json")
	writeArtifact(t, path, "v1", 1)

	reg := NewRegistry(nil)
	if _, err := reg.Load(path); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(reg, path, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// 无关文件不触发加载
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeArtifact(t, path, "v2", 2)

	deadline := time.Now().Add(5 * time.Second)
	for reg.Current().Version() != "v2" {
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not reload, version = %s", reg.Current().Version())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
