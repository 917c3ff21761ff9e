package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	// HeaderLen is the fixed length of every packet header.
	HeaderLen = 32

	// ProtocolVersion is the only version this codec speaks.
	ProtocolVersion uint8 = 1

	bodyTypeBegin uint8 = 0
	bodyTypeFrame uint8 = 1

	offMagic      = 0
	offVersion    = 4
	offID         = 5
	offFlags      = 9
	offBodyType   = 10
	offDescriptor = 11
	offLength     = 30
)

var magic = [4]byte{'r', 'p', 'c', 'm'}

var (
	// ErrBadMagic is returned when a header does not start with the protocol
	// magic. Framing is lost and the connection must be closed.
	ErrBadMagic = errors.New("wire: bad packet magic")
	// ErrUnsupportedVersion is returned for headers of an unknown protocol version.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	// ErrPayloadTooLarge is returned when encoding a payload above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")
)

// packetHeader is the decoded form of the fixed header.
//
//	+--------+---------+----------------+-------+----------+--------------+----------+--------+
//	| "rpcm" | version | transaction id | flags | bodytype | descriptor   | reserved | length |
//	|   4    |    1    |   4 (BE u32)   |   1   |    1     | 6            |    13    | 2 (BE) |
//	+--------+---------+----------------+-------+----------+--------------+----------+--------+
//
// For a request begin the descriptor is service id (u16), version major (u8),
// version minor (u8) and procedure id (u16). For a response begin the first
// two bytes carry the error code, zero meaning Ok.
type packetHeader struct {
	ID         TransactionID
	Flags      uint8
	BodyType   uint8
	Descriptor [6]byte
	Length     uint16
}

func readPacketHeader(r io.Reader) (packetHeader, error) {
	var raw [HeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return packetHeader{}, err
	}
	if [4]byte(raw[offMagic:offVersion]) != magic {
		return packetHeader{}, ErrBadMagic
	}
	if raw[offVersion] != ProtocolVersion {
		return packetHeader{}, errors.Wrapf(ErrUnsupportedVersion, "version %d", raw[offVersion])
	}

	var ph packetHeader
	ph.ID = TransactionID(binary.BigEndian.Uint32(raw[offID:]))
	ph.Flags = raw[offFlags]
	ph.BodyType = raw[offBodyType]
	copy(ph.Descriptor[:], raw[offDescriptor:offDescriptor+6])
	ph.Length = binary.BigEndian.Uint16(raw[offLength:])
	return ph, nil
}

func (ph *packetHeader) writeTo(w io.Writer) error {
	var raw [HeaderLen]byte
	copy(raw[offMagic:], magic[:])
	raw[offVersion] = ProtocolVersion
	binary.BigEndian.PutUint32(raw[offID:], uint32(ph.ID))
	raw[offFlags] = ph.Flags
	raw[offBodyType] = ph.BodyType
	copy(raw[offDescriptor:], ph.Descriptor[:])
	binary.BigEndian.PutUint16(raw[offLength:], ph.Length)
	_, err := w.Write(raw[:])
	return err
}

// Encoder writes packets to a buffered stream. It is not safe for concurrent use.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, HeaderLen+MaxPayloadSize)}
}

// WriteRequest encodes req. The packet is buffered until Flush.
func (e *Encoder) WriteRequest(req *Request) error {
	ph := packetHeader{ID: req.Header.ID, Flags: uint8(req.Header.Flags)}
	switch b := req.Body.(type) {
	case *RequestBegin:
		ph.BodyType = bodyTypeBegin
		binary.BigEndian.PutUint16(ph.Descriptor[0:], b.Service.ID)
		ph.Descriptor[2] = b.Service.Version.Major
		ph.Descriptor[3] = b.Service.Version.Minor
		binary.BigEndian.PutUint16(ph.Descriptor[4:], b.Procedure.ID)
	case *RequestFrame:
		ph.BodyType = bodyTypeFrame
	default:
		return errors.Errorf("wire: unknown request body %T", req.Body)
	}
	return e.writePacket(ph, req.Payload())
}

// WriteResponse encodes res. The packet is buffered until Flush.
func (e *Encoder) WriteResponse(res *Response) error {
	ph := packetHeader{ID: res.Header.ID, Flags: uint8(res.Header.Flags)}
	switch b := res.Body.(type) {
	case *ResponseBegin:
		ph.BodyType = bodyTypeBegin
		binary.BigEndian.PutUint16(ph.Descriptor[0:], uint16(b.Kind.Code()))
	case *ResponseFrame:
		ph.BodyType = bodyTypeFrame
	default:
		return errors.Errorf("wire: unknown response body %T", res.Body)
	}
	return e.writePacket(ph, res.Payload())
}

func (e *Encoder) writePacket(ph packetHeader, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(payload))
	}
	ph.Length = uint16(len(payload))
	if err := ph.writeTo(e.w); err != nil {
		return err
	}
	_, err := e.w.Write(payload)
	return err
}

// Flush writes any buffered packets to the underlying writer.
func (e *Encoder) Flush() error { return e.w.Flush() }

// Decoder reads packets from a stream. It is not safe for concurrent use.
//
// A clean end of stream between packets is reported as io.EOF. A stream that
// ends inside a packet yields io.ErrUnexpectedEOF. Malformed packets whose
// framing is intact are skipped and reported as *DecodeError.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, HeaderLen+MaxPayloadSize)}
}

// readBody reads the payload of ph, or discards it and returns a DecodeError
// when the declared length is over the limit.
func (d *Decoder) readBody(ph packetHeader) ([]byte, error) {
	if int(ph.Length) > MaxPayloadSize {
		if _, err := d.r.Discard(int(ph.Length)); err != nil {
			return nil, unexpected(err)
		}
		return nil, NewDecodeError(ph.ID, fmt.Sprintf("payload length %d exceeds maximum %d", ph.Length, MaxPayloadSize))
	}
	payload := make([]byte, ph.Length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, unexpected(err)
	}
	return payload, nil
}

// ReadRequest decodes the next request frame.
func (d *Decoder) ReadRequest() (*Request, error) {
	ph, err := readPacketHeader(d.r)
	if err != nil {
		return nil, err
	}
	payload, err := d.readBody(ph)
	if err != nil {
		return nil, err
	}

	req := &Request{Header: RequestHeader{ID: ph.ID, Flags: RequestFlags(ph.Flags)}}
	switch ph.BodyType {
	case bodyTypeBegin:
		req.Body = &RequestBegin{
			Service: ServiceDescriptor{
				ID:      binary.BigEndian.Uint16(ph.Descriptor[0:]),
				Version: Version{Major: ph.Descriptor[2], Minor: ph.Descriptor[3]},
			},
			Procedure: ProcedureDescriptor{ID: binary.BigEndian.Uint16(ph.Descriptor[4:])},
			Payload:   payload,
		}
	case bodyTypeFrame:
		req.Body = &RequestFrame{Payload: payload}
	default:
		return nil, NewDecodeError(ph.ID, fmt.Sprintf("unknown body type %d", ph.BodyType))
	}
	return req, nil
}

// ReadResponse decodes the next response packet.
func (d *Decoder) ReadResponse() (*Response, error) {
	ph, err := readPacketHeader(d.r)
	if err != nil {
		return nil, err
	}
	payload, err := d.readBody(ph)
	if err != nil {
		return nil, err
	}

	res := &Response{Header: ResponseHeader{ID: ph.ID, Flags: ResponseFlags(ph.Flags)}}
	switch ph.BodyType {
	case bodyTypeBegin:
		res.Body = &ResponseBegin{
			Kind:    ResponseKind{code: ErrorCode(binary.BigEndian.Uint16(ph.Descriptor[0:]))},
			Payload: payload,
		}
	case bodyTypeFrame:
		res.Body = &ResponseFrame{Payload: payload}
	default:
		return nil, NewDecodeError(ph.ID, fmt.Sprintf("unknown body type %d", ph.BodyType))
	}
	return res, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
