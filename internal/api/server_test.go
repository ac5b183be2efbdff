package api

import (
	"bytes"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/linattn/internal/gla"
	"github.com/samcharles93/linattn/internal/tensor"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	NewServer(nil).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func randFloats(n int, seed int64) []float32 {
	s := tensor.NewSeq(1, 1, 1, n)
	tensor.FillRandSeq(s, seed)
	return s.Data
}

func gateFloats(n int, seed int64) []float32 {
	out := randFloats(n, seed)
	for i, x := range out {
		out[i] = -0.02 - 1.48*(x+0.5)
	}
	return out
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	rec := doJSON(t, newTestEcho(), http.MethodGet, "/v1/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp VersionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version == "" {
		t.Fatal("expected a non-empty version")
	}
}

func TestGLAEndpointMatchesDirectCall(t *testing.T) {
	t.Parallel()
	const (
		B, T, H, K, V = 1, 48, 2, 8, 8
	)
	req := GLARequest{
		Batch: B, Time: T, Heads: H, DimK: K, DimV: V,
		Q:                randFloats(B*T*H*K, 1),
		K:                randFloats(B*T*H*K, 2),
		V:                randFloats(B*T*H*V, 3),
		G:                gateFloats(B*T*H*K, 4),
		ChunkSize:        16,
		OutputFinalState: true,
	}

	rec := doJSON(t, newTestEcho(), http.MethodPost, "/v1/attn/gla", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp GLAResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID == "" {
		t.Fatal("expected a response id")
	}

	want, err := gla.Chunk(gla.Config{ChunkSize: 16},
		tensor.SeqFromData(B, T, H, K, req.Q),
		tensor.SeqFromData(B, T, H, K, req.K),
		tensor.SeqFromData(B, T, H, V, req.V),
		tensor.SeqFromData(B, T, H, K, req.G),
		gla.Options{OutputFinalState: true})
	if err != nil {
		t.Fatal(err)
	}
	approx := cmp.Comparer(func(a, b float32) bool {
		return math.Abs(float64(a)-float64(b)) <= 1e-6
	})
	if diff := cmp.Diff(want.Out.Data, resp.Output, approx); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.FinalState.Data, resp.FinalState, approx); diff != "" {
		t.Fatalf("final state mismatch (-want +got):\n%s", diff)
	}
}

func TestGLAEndpointRejectsBadShapes(t *testing.T) {
	t.Parallel()
	req := GLARequest{
		Batch: 1, Time: 8, Heads: 1, DimK: 4, DimV: 4,
		Q: randFloats(8*4, 1),
		K: randFloats(8*4, 2),
		V: randFloats(8*4, 3),
		G: randFloats(7, 4), // wrong length
	}
	rec := doJSON(t, newTestEcho(), http.MethodPost, "/v1/attn/gla", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Type != "invalid_request_error" {
		t.Fatalf("unexpected error type %q", envelope.Error.Type)
	}
}

func TestLogLinearEndpointStreamingRoundTrip(t *testing.T) {
	t.Parallel()
	const (
		T1, T2, H, K, V, NL = 37, 63, 2, 8, 8, 8
		bt                  = 16
	)
	T := T1 + T2
	q := randFloats(T*H*K, 11)
	k := randFloats(T*H*K, 12)
	v := randFloats(T*H*V, 13)
	g := gateFloats(T*H, 14)
	l := randFloats(T*H*NL, 15)

	e := newTestEcho()

	full := LogLinearRequest{
		Batch: 1, Time: T, Heads: H, DimK: K, DimV: V, Levels: NL,
		Q: q, K: k, V: v, G: g, L: l,
		ChunkSize: bt,
	}
	fullRec := doJSON(t, e, http.MethodPost, "/v1/attn/loglinear", full)
	if fullRec.Code != http.StatusOK {
		t.Fatalf("full status: got %d body=%s", fullRec.Code, fullRec.Body.String())
	}
	var fullResp LogLinearResponse
	if err := json.Unmarshal(fullRec.Body.Bytes(), &fullResp); err != nil {
		t.Fatal(err)
	}

	head := LogLinearRequest{
		Batch: 1, Time: T1, Heads: H, DimK: K, DimV: V, Levels: NL,
		Q: q[:T1*H*K], K: k[:T1*H*K], V: v[:T1*H*V], G: g[:T1*H], L: l[:T1*H*NL],
		ChunkSize:        bt,
		OutputFinalState: true,
	}
	headRec := doJSON(t, e, http.MethodPost, "/v1/attn/loglinear", head)
	if headRec.Code != http.StatusOK {
		t.Fatalf("head status: got %d body=%s", headRec.Code, headRec.Body.String())
	}
	var headResp LogLinearResponse
	if err := json.Unmarshal(headRec.Body.Bytes(), &headResp); err != nil {
		t.Fatal(err)
	}
	if headResp.FinalState == nil {
		t.Fatal("expected a final state")
	}

	tail := LogLinearRequest{
		Batch: 1, Time: T2, Heads: H, DimK: K, DimV: V, Levels: NL,
		Q: q[T1*H*K:], K: k[T1*H*K:], V: v[T1*H*V:], G: g[T1*H:], L: l[T1*H*NL:],
		ChunkSize:    bt,
		InitialState: headResp.FinalState,
	}
	tailRec := doJSON(t, e, http.MethodPost, "/v1/attn/loglinear", tail)
	if tailRec.Code != http.StatusOK {
		t.Fatalf("tail status: got %d body=%s", tailRec.Code, tailRec.Body.String())
	}
	var tailResp LogLinearResponse
	if err := json.Unmarshal(tailRec.Body.Bytes(), &tailResp); err != nil {
		t.Fatal(err)
	}

	approx := cmp.Comparer(func(a, b float32) bool {
		return math.Abs(float64(a)-float64(b)) <= 1e-4
	})
	if diff := cmp.Diff(fullResp.Output[:T1*H*V], headResp.Output, approx); diff != "" {
		t.Fatalf("head output mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fullResp.Output[T1*H*V:], tailResp.Output, approx); diff != "" {
		t.Fatalf("tail output mismatch (-want +got):\n%s", diff)
	}
}

func TestLogLinearEndpointRejectsOversizedSequence(t *testing.T) {
	t.Parallel()
	// A request above the hierarchy's position cap must come back as a
	// client error, not a panic.
	const T = 2049 * 16
	req := LogLinearRequest{
		Batch: 1, Time: T, Heads: 1, DimK: 1, DimV: 1, Levels: 16,
		Q: make([]float32, T), K: make([]float32, T), V: make([]float32, T),
		G: make([]float32, T), L: make([]float32, T*16),
		ChunkSize: 16,
	}
	rec := doJSON(t, newTestEcho(), http.MethodPost, "/v1/attn/loglinear", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
}
