package protocol

import (
	"encoding/json"
	"io"

	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
)

// Response is the payload of every Reply frame. A successful response may still carry a code, e.g. a commit of an
// unknown transaction answers success with the transaction-not-found code.
type Response struct {
	Success bool            `json:"success"`
	Code    errcode.CodeStr `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewResponse builds a successful response carrying data, nil data gives an empty body.
func NewResponse(data interface{}) (*Response, error) {
	resp := &Response{Success: true}
	if data == nil {
		return resp, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp.Data = raw
	return resp, nil
}

// NewErrorResponse converts err into a failed response. Errors without a code are reported as internal.
func NewErrorResponse(err error) *Response {
	resp := &Response{
		Code:    core.CodeOf(err).CodeStr(),
		Message: err.Error(),
	}
	if chain := errcode.CodeChain(err); chain != nil {
		if data := errcode.ClientData(chain); data != nil {
			if raw, jsonErr := json.Marshal(data); jsonErr == nil {
				resp.Data = raw
			}
		}
	}
	return resp
}

// Err returns nil for a successful response, a *core.RemoteError otherwise.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	return &core.RemoteError{CodeStr: r.Code, Msg: r.Message}
}

// Decode unmarshals the data of a successful response into v.
func (r *Response) Decode(v interface{}) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return nil
	}
	return errors.Trace(json.Unmarshal(r.Data, v))
}

// WriteResponse writes resp as a Reply frame.
func WriteResponse(w io.Writer, resp *Response, compressThreshold int) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return errors.Trace(err)
	}
	return WriteEnvelope(w, &Envelope{Command: Reply, Payload: payload}, compressThreshold)
}

// ReadResponse reads one Reply frame.
func ReadResponse(r Reader, maxFrameSize int) (*Response, error) {
	env, err := ReadEnvelope(r, maxFrameSize)
	if err != nil {
		return nil, err
	}
	if env.Command != Reply {
		return nil, errors.Annotatef(ErrMalformedFrame, "expect reply, got %s", env.Command)
	}
	resp := &Response{}
	if err = json.Unmarshal(env.Payload, resp); err != nil {
		return nil, errors.Annotate(ErrMalformedFrame, err.Error())
	}
	return resp, nil
}
