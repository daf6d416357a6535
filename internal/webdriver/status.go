package webdriver

// Status is the body of GET /status
type Status struct {
	Value StatusValue `json:"value"`
}

type StatusValue struct {
	Ready    bool        `json:"ready"`
	Message  string      `json:"message"`
	Browsers interface{} `json:"browsers"`
}

// NewStatus builds a ready status advertising the given browser catalog
func NewStatus(browsers interface{}) Status {
	return Status{Value: StatusValue{Ready: true, Message: "EUS ready", Browsers: browsers}}
}

// ErrorResponse is the protocol-shaped error body returned to clients
type ErrorResponse struct {
	Value ErrorValue `json:"value"`
}

type ErrorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// NewError builds an error body; cause may be nil
func NewError(kind, message string, cause error) ErrorResponse {
	v := ErrorValue{Error: kind, Message: message}
	if cause != nil {
		v.Stacktrace = cause.Error()
	}
	return ErrorResponse{Value: v}
}
