package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// Pair is one key-value result of a scan.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ScanResponse carries an ordered page of scan results.
type ScanResponse struct {
	Status Status `json:"status"`
	Pairs  []Pair `json:"pairs"`
	// More is set when the page was cut by the limit.
	More bool `json:"more"`
}

// BatchRequest stages mutations applied as one atomic group.
type BatchRequest struct {
	Ops []BatchOp `json:"ops"`
}

// BatchOp is one mutation in a batch: op is "put" or "delete".
type BatchOp struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}
