package api

import (
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/linattn/internal/gla"
	"github.com/samcharles93/linattn/internal/logger"
	"github.com/samcharles93/linattn/internal/loglinear"
	"github.com/samcharles93/linattn/internal/tensor"
	"github.com/samcharles93/linattn/internal/version"
)

// Server exposes the attention engines over HTTP.
type Server struct {
	log logger.Logger
}

func NewServer(log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/attn/gla", s.handleGLA)
	e.POST("/v1/attn/loglinear", s.handleLogLinear)
	e.GET("/v1/version", s.handleVersion)
}

func (s *Server) handleVersion(c *echo.Context) error {
	info := version.Resolve()
	return c.JSON(http.StatusOK, VersionResponse{
		Version: info.Version,
		Commit:  info.Commit,
	})
}

func (s *Server) handleGLA(c *echo.Context) error {
	req, err := decodeJSON[GLARequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	q, err := seqFrom("q", req.Q, req.Batch, req.Time, req.Heads, req.DimK)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	k, err := seqFrom("k", req.K, req.Batch, req.Time, req.Heads, req.DimK)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	v, err := seqFrom("v", req.V, req.Batch, req.Time, req.Heads, req.DimV)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	g, err := seqFrom("g", req.G, req.Batch, req.Time, req.Heads, req.DimK)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	opts := gla.Options{
		OutputFinalState: req.OutputFinalState,
		SeqBoundaries:    req.SeqBoundaries,
	}
	if req.InitialState != nil {
		nseq := req.Batch
		if req.SeqBoundaries != nil {
			nseq = len(req.SeqBoundaries) - 1
		}
		st, err := stateFrom("initial_state", req.InitialState, nseq, req.Heads, req.DimK, req.DimV)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		opts.InitialState = st
	}

	res, err := gla.Chunk(gla.Config{
		ChunkSize:    req.ChunkSize,
		SubChunkSize: req.SubChunkSize,
		Scale:        req.Scale,
	}, q, k, v, g, opts)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	id := "attn_" + uuid.NewString()
	s.log.Debug("gla request served", "id", id, "batch", req.Batch, "time", req.Time, "heads", req.Heads)
	resp := GLAResponse{ID: id, Output: res.Out.Data}
	if res.FinalState != nil {
		resp.FinalState = res.FinalState.Data
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLogLinear(c *echo.Context) error {
	req, err := decodeJSON[LogLinearRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	q, err := seqFrom("q", req.Q, req.Batch, req.Time, req.Heads, req.DimK)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	k, err := seqFrom("k", req.K, req.Batch, req.Time, req.Heads, req.DimK)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	v, err := seqFrom("v", req.V, req.Batch, req.Time, req.Heads, req.DimV)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	g, err := seqFrom("g", req.G, req.Batch, req.Time, req.Heads, 1)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	l, err := seqFrom("l", req.L, req.Batch, req.Time, req.Heads, req.Levels)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	opts := loglinear.Options{
		OutputFinalState: req.OutputFinalState,
		SeqBoundaries:    req.SeqBoundaries,
	}
	if req.InitialState != nil {
		nseq := req.Batch
		if req.SeqBoundaries != nil {
			nseq = len(req.SeqBoundaries) - 1
		}
		st, err := llStateFrom(req.InitialState, nseq, req.Heads, req.DimK, req.DimV, req.Levels)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		opts.InitialState = st
	}

	res, err := loglinear.Chunk(loglinear.Config{ChunkSize: req.ChunkSize}, q, k, v, g, l, opts)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	id := "attn_" + uuid.NewString()
	s.log.Debug("loglinear request served", "id", id, "batch", req.Batch, "time", req.Time, "heads", req.Heads)
	resp := LogLinearResponse{ID: id, Output: res.Out.Data}
	if res.FinalState != nil {
		resp.FinalState = llStateTo(res.FinalState)
	}
	return c.JSON(http.StatusOK, resp)
}

func seqFrom(name string, data []float32, b, t, h, d int) (*tensor.Seq, error) {
	if b <= 0 || t <= 0 || h <= 0 || d <= 0 {
		return nil, fmt.Errorf("%s: shape [%d,%d,%d,%d] has a non-positive dimension", name, b, t, h, d)
	}
	if len(data) != b*t*h*d {
		return nil, fmt.Errorf("%s: got %d values, shape [%d,%d,%d,%d] needs %d", name, len(data), b, t, h, d, b*t*h*d)
	}
	return tensor.SeqFromData(b, t, h, d, data), nil
}

func stateFrom(name string, data []float32, n, h, k, v int) (*tensor.State, error) {
	if len(data) != n*h*k*v {
		return nil, fmt.Errorf("%s: got %d values, shape [%d,%d,%d,%d] needs %d", name, len(data), n, h, k, v, n*h*k*v)
	}
	st := tensor.NewState(n, h, k, v)
	copy(st.Data, data)
	return st, nil
}

func llStateFrom(ws *LogLinearState, n, h, k, v, nl int) (*loglinear.State, error) {
	bt := ws.ChunkSize
	if bt <= 0 {
		return nil, fmt.Errorf("initial_state: missing chunk_size")
	}
	st := &loglinear.State{
		Levels:    make([]*tensor.State, len(ws.Levels)),
		Offsets:   ws.Offsets,
		ChunkSize: bt,
	}
	for i, data := range ws.Levels {
		lvl, err := stateFrom(fmt.Sprintf("initial_state.levels[%d]", i), data, n, h, k, v)
		if err != nil {
			return nil, err
		}
		st.Levels[i] = lvl
	}
	var err error
	if st.PrevQ, err = seqFrom("initial_state.prev_q", ws.PrevQ, n, bt, h, k); err != nil {
		return nil, err
	}
	if st.PrevK, err = seqFrom("initial_state.prev_k", ws.PrevK, n, bt, h, k); err != nil {
		return nil, err
	}
	if st.PrevV, err = seqFrom("initial_state.prev_v", ws.PrevV, n, bt, h, v); err != nil {
		return nil, err
	}
	if st.PrevG, err = seqFrom("initial_state.prev_g", ws.PrevG, n, bt, h, 1); err != nil {
		return nil, err
	}
	if st.PrevL, err = seqFrom("initial_state.prev_l", ws.PrevL, n, bt, h, nl); err != nil {
		return nil, err
	}
	return st, nil
}

func llStateTo(st *loglinear.State) *LogLinearState {
	ws := &LogLinearState{
		Levels:    make([][]float32, len(st.Levels)),
		Offsets:   st.Offsets,
		PrevQ:     st.PrevQ.Data,
		PrevK:     st.PrevK.Data,
		PrevV:     st.PrevV.Data,
		PrevG:     st.PrevG.Data,
		PrevL:     st.PrevL.Data,
		ChunkSize: st.ChunkSize,
	}
	for i, lvl := range st.Levels {
		ws.Levels[i] = lvl.Data
	}
	return ws
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
