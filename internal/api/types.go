package api

// GLARequest is the payload of POST /v1/attn/gla. Tensors travel as flat
// row-major arrays with the shape carried alongside: q, k and g are
// [batch, time, heads, dim_k], v is [batch, time, heads, dim_v].
type GLARequest struct {
	Batch int `json:"batch"`
	Time  int `json:"time"`
	Heads int `json:"heads"`
	DimK  int `json:"dim_k"`
	DimV  int `json:"dim_v"`

	Q []float32 `json:"q"`
	K []float32 `json:"k"`
	V []float32 `json:"v"`
	G []float32 `json:"g"`

	ChunkSize    int     `json:"chunk_size,omitempty"`
	SubChunkSize int     `json:"sub_chunk_size,omitempty"`
	Scale        float64 `json:"scale,omitempty"`

	// InitialState is flat [sequences, heads, dim_k, dim_v].
	InitialState     []float32 `json:"initial_state,omitempty"`
	OutputFinalState bool      `json:"output_final_state,omitempty"`
	SeqBoundaries    []int     `json:"seq_boundaries,omitempty"`
}

// GLAResponse mirrors GLARequest: the output has the value tensor's shape
// and the final state, when requested, is flat [sequences, heads, dim_k,
// dim_v].
type GLAResponse struct {
	ID         string    `json:"id"`
	Output     []float32 `json:"output"`
	FinalState []float32 `json:"final_state,omitempty"`
}

// LogLinearState is the wire form of a resumable log-linear stream: the
// level hierarchy plus the deferred trailing chunk rows.
type LogLinearState struct {
	// Levels[l] is flat [sequences, heads, dim_k, dim_v].
	Levels  [][]float32 `json:"levels"`
	Offsets []int       `json:"offsets"`

	PrevQ []float32 `json:"prev_q"`
	PrevK []float32 `json:"prev_k"`
	PrevV []float32 `json:"prev_v"`
	PrevG []float32 `json:"prev_g"`
	PrevL []float32 `json:"prev_l"`

	ChunkSize int `json:"chunk_size"`
}

// LogLinearRequest is the payload of POST /v1/attn/loglinear. q and k are
// [batch, time, heads, dim_k], v is [batch, time, heads, dim_v], g is
// [batch, time, heads] and l is [batch, time, heads, levels].
type LogLinearRequest struct {
	Batch  int `json:"batch"`
	Time   int `json:"time"`
	Heads  int `json:"heads"`
	DimK   int `json:"dim_k"`
	DimV   int `json:"dim_v"`
	Levels int `json:"levels"`

	Q []float32 `json:"q"`
	K []float32 `json:"k"`
	V []float32 `json:"v"`
	G []float32 `json:"g"`
	L []float32 `json:"l"`

	ChunkSize int `json:"chunk_size,omitempty"`

	InitialState     *LogLinearState `json:"initial_state,omitempty"`
	OutputFinalState bool            `json:"output_final_state,omitempty"`
	SeqBoundaries    []int           `json:"seq_boundaries,omitempty"`
}

// LogLinearResponse carries the output tensor and, when requested, the
// resumable state to feed back as the next call's initial_state.
type LogLinearResponse struct {
	ID         string          `json:"id"`
	Output     []float32       `json:"output"`
	FinalState *LogLinearState `json:"final_state,omitempty"`
}

// VersionResponse is the payload of GET /v1/version.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

// ResponseError is the error envelope shared by every endpoint.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
