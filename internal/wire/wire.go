// Package wire defines the request and response packets exchanged on an rpcmux
// connection and the binary codec that moves them over a byte stream.
package wire

// MaxPayloadSize is the largest payload a single request frame or response
// packet may carry. A full packet (header plus payload) fits in 64 KiB.
const MaxPayloadSize = 64*1024 - HeaderLen

// TransactionID identifies a transaction within a single connection. It is
// chosen by the client and is not unique across reconnects.
type TransactionID uint32

// RequestFlags are the flag bits carried on a request frame.
type RequestFlags uint8

const (
	// RequestFlagEndOfRequest marks the final frame of a request body.
	RequestFlagEndOfRequest RequestFlags = 0x1
)

// Has reports whether every bit of flag is set in f.
func (f RequestFlags) Has(flag RequestFlags) bool { return f&flag == flag }

// ResponseFlags are the flag bits carried on a response packet.
type ResponseFlags uint8

const (
	// ResponseFlagEndOfResponse marks the final packet of a response. No packet
	// for the same transaction may follow it.
	ResponseFlagEndOfResponse ResponseFlags = 0x1
)

// Has reports whether every bit of flag is set in f.
func (f ResponseFlags) Has(flag ResponseFlags) bool { return f&flag == flag }

// Version is a service version.
type Version struct {
	Major uint8
	Minor uint8
}

// ServiceDescriptor names the service a transaction is addressed to.
type ServiceDescriptor struct {
	ID      uint16
	Version Version
}

// ProcedureDescriptor names the procedure within a service.
type ProcedureDescriptor struct {
	ID uint16
}

// RequestHeader is common to every request frame.
type RequestHeader struct {
	ID    TransactionID
	Flags RequestFlags
}

// RequestBody is either *RequestBegin or *RequestFrame.
type RequestBody interface {
	requestBody()
}

// RequestBegin opens a transaction.
type RequestBegin struct {
	Service   ServiceDescriptor
	Procedure ProcedureDescriptor
	Payload   []byte
}

// RequestFrame continues the request body of an open transaction.
type RequestFrame struct {
	Payload []byte
}

func (*RequestBegin) requestBody() {}
func (*RequestFrame) requestBody() {}

// Request is a single frame received from a client.
type Request struct {
	Header RequestHeader
	Body   RequestBody
}

// Payload returns the bytes carried by the request body.
func (r *Request) Payload() []byte {
	switch b := r.Body.(type) {
	case *RequestBegin:
		return b.Payload
	case *RequestFrame:
		return b.Payload
	default:
		return nil
	}
}

// IsBegin reports whether the request opens a transaction.
func (r *Request) IsBegin() bool {
	_, ok := r.Body.(*RequestBegin)
	return ok
}

// ResponseKind is the kind of value a response begins: Ok or Err(code).
// The zero value is Ok.
type ResponseKind struct {
	code ErrorCode
}

// KindOk is the kind of a successful response value.
var KindOk = ResponseKind{}

// KindErr returns the kind of an error value carrying code.
func KindErr(code ErrorCode) ResponseKind { return ResponseKind{code: code} }

// IsOk reports whether the kind is Ok.
func (k ResponseKind) IsOk() bool { return k.code == 0 }

// Code returns the error code of an Err kind, or zero for Ok.
func (k ResponseKind) Code() ErrorCode { return k.code }

func (k ResponseKind) String() string {
	if k.IsOk() {
		return "Ok"
	}
	return "Err(" + k.code.String() + ")"
}

// ResponseHeader is common to every response packet.
type ResponseHeader struct {
	ID    TransactionID
	Flags ResponseFlags
}

// ResponseBody is either *ResponseBegin or *ResponseFrame.
type ResponseBody interface {
	responseBody()
}

// ResponseBegin starts a response value of the given kind.
type ResponseBegin struct {
	Kind    ResponseKind
	Payload []byte
}

// ResponseFrame continues the current response value.
type ResponseFrame struct {
	Payload []byte
}

func (*ResponseBegin) responseBody() {}
func (*ResponseFrame) responseBody() {}

// Response is a single packet sent to a client.
type Response struct {
	Header ResponseHeader
	Body   ResponseBody
}

// Payload returns the bytes carried by the response body.
func (r *Response) Payload() []byte {
	switch b := r.Body.(type) {
	case *ResponseBegin:
		return b.Payload
	case *ResponseFrame:
		return b.Payload
	default:
		return nil
	}
}

// IsEnd reports whether the packet carries ResponseFlagEndOfResponse.
func (r *Response) IsEnd() bool { return r.Header.Flags.Has(ResponseFlagEndOfResponse) }
