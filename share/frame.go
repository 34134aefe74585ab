package wrshare

import (
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame type discriminators carried in Frame.Type. Request and response
// variants of "header" and "body" share a discriminator; the direction of
// travel on the control channel determines which variant a reader expects.
const (
	// FrameTypeHeader carries request metadata (server to client) or response
	// metadata (client to server)
	FrameTypeHeader = "header"

	// FrameTypeBody carries one chunk of a request or response body
	FrameTypeBody = "body"

	// FrameTypeRequest carries a complete request with its body inline. It is
	// only emitted when request buffering is enabled and disables duplex
	// streaming for that request.
	FrameTypeRequest = "request"

	// FrameTypeAbort tells the client that the public caller has abandoned a
	// request
	FrameTypeAbort = "abort"
)

// Text messages exchanged on the control channel, out-of-band from the binary
// frame stream
const (
	// PingMessage is sent by the client when the channel has been idle too long
	PingMessage = "ping"

	// PongMessage is the server's reply to PingMessage
	PongMessage = "pong"
)

// Frame is a single typed message on the control channel. One binary
// websocket message carries exactly one Frame, encoded with MessagePack as a
// map of labelled fields. Fields that do not apply to a frame type are left
// at their zero value and omitted from the encoding.
type Frame struct {
	// Type is the frame discriminator; one of the FrameType* constants
	Type string `msgpack:"type"`

	// RequestID correlates this frame with one in-flight public request. The
	// RequestID namespace is owned by the server.
	RequestID string `msgpack:"requestId"`

	// Method is the HTTP method of a request header frame
	Method string `msgpack:"method,omitempty"`

	// Path is the path and query string of a request header frame
	Path string `msgpack:"path,omitempty"`

	// Headers is an ordered list of [name, value] pairs; names are lowercase
	Headers [][2]string `msgpack:"headers,omitempty"`

	// Status and StatusText describe a response header frame
	Status     int    `msgpack:"status,omitempty"`
	StatusText string `msgpack:"statusText,omitempty"`

	// Data is one chunk of a streamed body frame
	Data []byte `msgpack:"data,omitempty"`

	// Body is a complete request body carried inline by a buffered request
	// frame
	Body []byte `msgpack:"body,omitempty"`

	// EOF marks the final frame for a RequestID in its direction. On a header
	// frame it means no body follows.
	EOF bool `msgpack:"eof,omitempty"`
}

// EncodeFrame encodes a frame into a single binary control-channel message
func EncodeFrame(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeFrame decodes a binary control-channel message into a Frame. A
// message that is not well-formed MessagePack, or whose "type" or "requestId"
// field is missing or not a string, yields an error; callers are expected to
// drop such messages silently rather than fail the connection, so that
// protocol skew between peer versions stays benign.
func DecodeFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := msgpack.Unmarshal(data, f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, errFrameNoType
	}
	if f.RequestID == "" {
		return nil, errFrameNoRequestID
	}
	return f, nil
}

var (
	errFrameNoType      = frameError("frame has no string \"type\" field")
	errFrameNoRequestID = frameError("frame has no string \"requestId\" field")
)

type frameError string

func (e frameError) Error() string {
	return string(e)
}

// HeaderPairs flattens an http.Header into the ordered lowercase [name,
// value] pair list carried by header frames. Multi-valued headers produce one
// pair per value.
func HeaderPairs(h http.Header) [][2]string {
	pairs := make([][2]string, 0, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		for _, v := range values {
			pairs = append(pairs, [2]string{lower, v})
		}
	}
	return pairs
}

// PairsToHeader converts a header frame's pair list back into an http.Header
func PairsToHeader(pairs [][2]string) http.Header {
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		h.Add(p[0], p[1])
	}
	return h
}

// headerValue returns the first value of the named (lowercase) header in a
// pair list, or "" if absent
func headerValue(pairs [][2]string, name string) string {
	for _, p := range pairs {
		if strings.EqualFold(p[0], name) {
			return p[1]
		}
	}
	return ""
}

// hasHeader returns true if the named (lowercase) header appears in a pair
// list
func hasHeader(pairs [][2]string, name string) bool {
	for _, p := range pairs {
		if strings.EqualFold(p[0], name) {
			return true
		}
	}
	return false
}
