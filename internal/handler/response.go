package handler

// Response is the success envelope. Errors use middleware.ErrorResponse.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	// Version is the cache version the response reflects, when relevant.
	Version uint64 `json:"version,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

// AtVersion stamps the response with the cache version it reflects.
func (r *Response) AtVersion(v uint64) *Response {
	r.Version = v
	return r
}
