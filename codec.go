package mux

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
	"unicode/utf8"
)

// maxU8 and maxU16 name the overflow ceilings a pre-write length check
// validates against, rather than leaving bare magic numbers scattered
// across the validate* functions below.
const (
	maxU8  = 1<<8 - 1
	maxU16 = 1<<16 - 1
)

// ReadMessage synchronously reads one framed Message off r: a 4-byte
// signed big-endian size prefix followed by exactly size-4 bytes of
// frame body. Use this for any continuous stream, such as a net.Conn;
// DecodeMessage assumes EOF marks the end of the message instead.
func ReadMessage(r io.Reader) (Message, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Message{}, fmt.Errorf("mux: reading frame size: %w", err)
	}
	size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if size < 4 {
		return Message{}, ProtocolError(fmt.Sprintf("invalid mux frame size %d, minimum 4", size))
	}
	// size counts the kind byte and the 3-byte tag as well as the body.
	return DecodeMessage(io.LimitReader(r, int64(size)))
}

// WriteMessage encodes msg and writes it to w prefixed with its
// 4-byte big-endian size, as ReadMessage expects to receive it.
//
// Validation runs before anything touches w: an oversized header,
// context, or dtab is rejected without leaking a size prefix for a
// body that was never actually written.
func WriteMessage(w io.Writer, msg Message) error {
	if err := validateFrame(msg.Frame); err != nil {
		return err
	}
	size := frameSize(msg.Frame) + 4
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(int32(size)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return fmt.Errorf("mux: writing frame size: %w", err)
	}
	return EncodeMessage(w, msg)
}

// DecodeMessage reads a kind byte, a tag, and a frame body from r
// until r returns EOF. Use ReadMessage on a continuous stream.
func DecodeMessage(r io.Reader) (Message, error) {
	var head [4]byte // kind byte + 3-byte tag
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, fmt.Errorf("mux: reading frame header: %w", err)
	}
	kind := FrameKind(int8(head[0]))
	tag := decodeTag(head[1:4])

	frame, err := decodeFrame(kind, r)
	if err != nil {
		return Message{}, err
	}
	return Message{Tag: tag, Frame: frame}, nil
}

// EncodeMessage writes msg's kind byte, tag, and frame body to w with
// no length prefix. WriteMessage adds the prefix ReadMessage expects.
func EncodeMessage(w io.Writer, msg Message) error {
	if err := validateFrame(msg.Frame); err != nil {
		return err
	}
	var head [4]byte
	head[0] = byte(msg.Frame.Kind())
	encodeTag(head[1:4], msg.Tag)
	if _, err := w.Write(head[:]); err != nil {
		return fmt.Errorf("mux: writing frame header: %w", err)
	}
	return encodeFrame(w, msg.Frame)
}

// validateFrame performs every length check an encode would need
// before any byte is written, so a too-long header or context never
// leaves the sink half-written.
func validateFrame(f MessageFrame) error {
	switch v := f.(type) {
	case Treq:
		return validateHeaders(v.Headers)
	case Tdispatch:
		if err := validateContexts(v.Contexts); err != nil {
			return err
		}
		if len(v.Dest) > maxU16 {
			return fmt.Errorf("mux: dest %w", errLengthOverflow)
		}
		return validateDtab(v.Dtab)
	case Rdispatch:
		return validateContexts(v.Contexts)
	case Tinit, Rinit:
		return nil // Init headers use 32-bit lengths; overflow is not reachable in practice
	default:
		return nil
	}
}

var errLengthOverflow = fmt.Errorf("length overflow")

func validateHeaders(headers []Header) error {
	if len(headers) > maxU8 {
		return fmt.Errorf("mux: header count %w", errLengthOverflow)
	}
	for _, h := range headers {
		if len(h.Value) > maxU8 {
			return fmt.Errorf("mux: header value %w", errLengthOverflow)
		}
	}
	return nil
}

func validateContexts(ctx []ContextEntry) error {
	if len(ctx) > maxU16 {
		return fmt.Errorf("mux: context entry count %w", errLengthOverflow)
	}
	for _, c := range ctx {
		if len(c.Key) > maxU16 || len(c.Value) > maxU16 {
			return fmt.Errorf("mux: context entry %w", errLengthOverflow)
		}
	}
	return nil
}

func validateDtab(d Dtab) error {
	if len(d) > maxU16 {
		return fmt.Errorf("mux: dtab entry count %w", errLengthOverflow)
	}
	for _, e := range d {
		if len(e.Key) > maxU16 || len(e.Val) > maxU16 {
			return fmt.Errorf("mux: dtab entry %w", errLengthOverflow)
		}
	}
	return nil
}

// encodeFrame writes f's body (everything after the kind byte and
// tag) to w.
func encodeFrame(w io.Writer, f MessageFrame) error {
	switch v := f.(type) {
	case Treq:
		return encodeTreq(w, v)
	case Rreq:
		return encodeRmsg(w, Rmsg(v))
	case Tdispatch:
		return encodeTdispatch(w, v)
	case Rdispatch:
		return encodeRdispatch(w, v)
	case Tinit:
		return encodeInit(w, Init(v))
	case Rinit:
		return encodeInit(w, Init(v))
	case Tdrain, Rdrain, Tping, Rping:
		return nil
	case Tdiscarded:
		return encodeTdiscarded(w, v)
	case Tlease:
		return encodeTlease(w, v)
	case Rerr:
		_, err := io.WriteString(w, v.Msg)
		return err
	default:
		return ProtocolError(fmt.Sprintf("cannot encode frame of type %T", f))
	}
}

// decodeFrame reads one frame body of the given kind from r, which
// must return io.EOF exactly at the end of the frame (as a
// io.LimitReader from ReadMessage does).
func decodeFrame(kind FrameKind, r io.Reader) (MessageFrame, error) {
	switch kind {
	case KindTreq:
		return decodeTreq(r)
	case KindRreq:
		m, err := decodeRmsg(r)
		return Rreq(m), err
	case KindTdispatch:
		return decodeTdispatch(r)
	case KindRdispatch:
		return decodeRdispatch(r)
	case KindRdrain:
		return Rdrain{}, nil
	case KindTdrain:
		return Tdrain{}, nil
	case KindTping:
		return Tping{}, nil
	case KindRping:
		return Rping{}, nil
	case KindTdiscarded:
		return decodeTdiscarded(r)
	case KindTlease:
		return decodeTlease(r)
	case KindTinit:
		i, err := decodeInit(r)
		return Tinit(i), err
	case KindRinit:
		i, err := decodeInit(r)
		return Rinit(i), err
	case KindRerr:
		msg, err := readAllString(r)
		if err != nil {
			return nil, err
		}
		return Rerr{Msg: msg}, nil
	default:
		return nil, ProtocolError(fmt.Sprintf("invalid frame kind: %d", kind))
	}
}

///////////// Treq

func encodeTreq(w io.Writer, t Treq) error {
	if err := writeHeaders(w, t.Headers); err != nil {
		return err
	}
	_, err := w.Write(t.Body)
	return err
}

func decodeTreq(r io.Reader) (Treq, error) {
	headers, err := readHeaders(r)
	if err != nil {
		return Treq{}, err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return Treq{}, fmt.Errorf("mux: reading treq body: %w", err)
	}
	return Treq{Headers: headers, Body: body}, nil
}

func writeHeaders(w io.Writer, headers []Header) error {
	if err := writeUint8(w, uint8(len(headers))); err != nil {
		return err
	}
	for _, h := range headers {
		if _, err := w.Write([]byte{h.Key, byte(len(h.Value))}); err != nil {
			return err
		}
		if _, err := w.Write(h.Value); err != nil {
			return err
		}
	}
	return nil
}

func readHeaders(r io.Reader) ([]Header, error) {
	n, err := readUint8(r)
	if err != nil {
		return nil, fmt.Errorf("mux: reading header count: %w", err)
	}
	var headers []Header
	for i := 0; i < int(n); i++ {
		var kv [2]byte
		if _, err := io.ReadFull(r, kv[:]); err != nil {
			return nil, fmt.Errorf("mux: reading header %d: %w", i, err)
		}
		value := make([]byte, kv[1])
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, fmt.Errorf("mux: reading header %d value: %w", i, err)
		}
		headers = append(headers, Header{Key: kv[0], Value: value})
	}
	return headers, nil
}

///////////// Rmsg (shared by Rreq and the tail of Rdispatch)

func encodeRmsg(w io.Writer, m Rmsg) error {
	if err := writeUint8(w, uint8(m.Status)); err != nil {
		return err
	}
	switch m.Status {
	case StatusOk:
		_, err := w.Write(m.Body)
		return err
	default:
		_, err := io.WriteString(w, m.Msg)
		return err
	}
}

func decodeRmsg(r io.Reader) (Rmsg, error) {
	status, err := readUint8(r)
	if err != nil {
		return Rmsg{}, fmt.Errorf("mux: reading rmsg status: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return Rmsg{}, fmt.Errorf("mux: reading rmsg body: %w", err)
	}
	return rmsgFromStatusBody(RmsgStatus(status), body)
}

func rmsgFromStatusBody(status RmsgStatus, body []byte) (Rmsg, error) {
	switch status {
	case StatusOk:
		return Rmsg{Status: StatusOk, Body: body}, nil
	case StatusError:
		msg, err := validUTF8(body)
		if err != nil {
			return Rmsg{}, fmt.Errorf("mux: rmsg error text: %w", err)
		}
		return Rmsg{Status: StatusError, Msg: msg}, nil
	case StatusNack:
		msg, err := validUTF8(body)
		if err != nil {
			return Rmsg{}, fmt.Errorf("mux: rmsg nack text: %w", err)
		}
		return Rmsg{Status: StatusNack, Msg: msg}, nil
	default:
		return Rmsg{}, errUnknownStatus(byte(status))
	}
}

///////////// Tdispatch / Rdispatch

func encodeTdispatch(w io.Writer, t Tdispatch) error {
	if err := writeContexts(w, t.Contexts); err != nil {
		return err
	}
	if err := writeU16String(w, t.Dest); err != nil {
		return err
	}
	if err := writeDtab(w, t.Dtab); err != nil {
		return err
	}
	_, err := w.Write(t.Body)
	return err
}

func decodeTdispatch(r io.Reader) (Tdispatch, error) {
	ctx, err := readContexts(r)
	if err != nil {
		return Tdispatch{}, err
	}
	dest, err := readU16String(r)
	if err != nil {
		return Tdispatch{}, fmt.Errorf("mux: reading tdispatch dest: %w", err)
	}
	dtab, err := readDtab(r)
	if err != nil {
		return Tdispatch{}, err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return Tdispatch{}, fmt.Errorf("mux: reading tdispatch body: %w", err)
	}
	return Tdispatch{Contexts: ctx, Dest: dest, Dtab: dtab, Body: body}, nil
}

func encodeRdispatch(w io.Writer, r Rdispatch) error {
	if err := writeUint8(w, uint8(r.Msg.Status)); err != nil {
		return err
	}
	if err := writeContexts(w, r.Contexts); err != nil {
		return err
	}
	switch r.Msg.Status {
	case StatusOk:
		_, err := w.Write(r.Msg.Body)
		return err
	default:
		_, err := io.WriteString(w, r.Msg.Msg)
		return err
	}
}

func decodeRdispatch(r io.Reader) (Rdispatch, error) {
	status, err := readUint8(r)
	if err != nil {
		return Rdispatch{}, fmt.Errorf("mux: reading rdispatch status: %w", err)
	}
	ctx, err := readContexts(r)
	if err != nil {
		return Rdispatch{}, err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return Rdispatch{}, fmt.Errorf("mux: reading rdispatch body: %w", err)
	}
	msg, err := rmsgFromStatusBody(RmsgStatus(status), body)
	if err != nil {
		return Rdispatch{}, err
	}
	return Rdispatch{Contexts: ctx, Msg: msg}, nil
}

///////////// Contexts

func writeContexts(w io.Writer, ctx []ContextEntry) error {
	if err := writeUint16(w, uint16(len(ctx))); err != nil {
		return err
	}
	for _, c := range ctx {
		if err := writeU16Bytes(w, c.Key); err != nil {
			return err
		}
		if err := writeU16Bytes(w, c.Value); err != nil {
			return err
		}
	}
	return nil
}

func readContexts(r io.Reader) ([]ContextEntry, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, fmt.Errorf("mux: reading context count: %w", err)
	}
	var ctx []ContextEntry
	for i := 0; i < int(n); i++ {
		key, err := readU16Bytes(r)
		if err != nil {
			return nil, fmt.Errorf("mux: reading context %d key: %w", i, err)
		}
		value, err := readU16Bytes(r)
		if err != nil {
			return nil, fmt.Errorf("mux: reading context %d value: %w", i, err)
		}
		ctx = append(ctx, ContextEntry{Key: key, Value: value})
	}
	return ctx, nil
}

///////////// Dtab

func writeDtab(w io.Writer, d Dtab) error {
	if err := writeUint16(w, uint16(len(d))); err != nil {
		return err
	}
	for _, e := range d {
		if err := writeU16String(w, e.Key); err != nil {
			return err
		}
		if err := writeU16String(w, e.Val); err != nil {
			return err
		}
	}
	return nil
}

func readDtab(r io.Reader) (Dtab, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, fmt.Errorf("mux: reading dtab count: %w", err)
	}
	var d Dtab
	for i := 0; i < int(n); i++ {
		key, err := readU16String(r)
		if err != nil {
			return nil, fmt.Errorf("mux: reading dtab %d key: %w", i, err)
		}
		val, err := readU16String(r)
		if err != nil {
			return nil, fmt.Errorf("mux: reading dtab %d value: %w", i, err)
		}
		d = append(d, Dentry{Key: key, Val: val})
	}
	return d, nil
}

///////////// Init

func encodeInit(w io.Writer, i Init) error {
	if err := writeUint16(w, i.Version); err != nil {
		return err
	}
	for _, h := range i.Headers {
		if err := writeUint32(w, uint32(len(h.Key))); err != nil {
			return err
		}
		if _, err := w.Write(h.Key); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(len(h.Value))); err != nil {
			return err
		}
		if _, err := w.Write(h.Value); err != nil {
			return err
		}
	}
	return nil
}

// decodeInit reads a version and then Key/Value pairs until the
// bounded reader is exhausted. An io.ErrUnexpectedEOF (or io.EOF) at
// the start of an entry's key-length field is the normal termination
// condition for this frame, not a decode failure: Init carries no
// entry count, so "ran out of frame" is how the wire says "done".
func decodeInit(r io.Reader) (Init, error) {
	version, err := readUint16(r)
	if err != nil {
		return Init{}, fmt.Errorf("mux: reading init version: %w", err)
	}

	var headers []ContextEntry
	for {
		klen, err := readUint32(r)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Init{Version: version, Headers: headers}, nil
		}
		if err != nil {
			return Init{}, fmt.Errorf("mux: reading init header key length: %w", err)
		}

		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return Init{}, fmt.Errorf("mux: reading init header key: %w", err)
		}

		vlen, err := readUint32(r)
		if err != nil {
			return Init{}, fmt.Errorf("mux: reading init header value length: %w", err)
		}
		value := make([]byte, vlen)
		if _, err := io.ReadFull(r, value); err != nil {
			return Init{}, fmt.Errorf("mux: reading init header value: %w", err)
		}

		headers = append(headers, ContextEntry{Key: key, Value: value})
	}
}

///////////// Tlease

func encodeTlease(w io.Writer, t Tlease) error {
	if err := writeUint8(w, 0); err != nil {
		return err
	}
	return writeUint64(w, uint64(t.Duration.Milliseconds()))
}

func decodeTlease(r io.Reader) (Tlease, error) {
	howmuch, err := readUint8(r)
	if err != nil {
		return Tlease{}, fmt.Errorf("mux: reading tlease howmuch: %w", err)
	}
	var millisBuf [8]byte
	if _, err := io.ReadFull(r, millisBuf[:]); err != nil {
		return Tlease{}, fmt.Errorf("mux: reading tlease duration: %w", err)
	}
	if howmuch != 0 {
		return Tlease{}, ProtocolError(fmt.Sprintf("unknown tlease howmuch code: %d", howmuch))
	}
	millis := binary.BigEndian.Uint64(millisBuf[:])
	return Tlease{Duration: time.Duration(millis) * time.Millisecond}, nil
}

///////////// Tdiscarded

func encodeTdiscarded(w io.Writer, t Tdiscarded) error {
	id := [3]byte{byte(t.ID >> 16), byte(t.ID >> 8), byte(t.ID)}
	if _, err := w.Write(id[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, t.Msg)
	return err
}

func decodeTdiscarded(r io.Reader) (Tdiscarded, error) {
	var id [3]byte
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return Tdiscarded{}, fmt.Errorf("mux: reading tdiscarded id: %w", err)
	}
	msg, err := readAllString(r)
	if err != nil {
		return Tdiscarded{}, err
	}
	return Tdiscarded{
		ID:  uint32(id[0])<<16 | uint32(id[1])<<8 | uint32(id[2]),
		Msg: msg,
	}, nil
}

///////////// small-integer and length-prefixed string helpers

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU16Bytes(w io.Writer, b []byte) error {
	if err := writeUint16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readU16Bytes(r io.Reader) ([]byte, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeU16String(w io.Writer, s string) error {
	if err := writeUint16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU16String(r io.Reader) (string, error) {
	b, err := readU16Bytes(r)
	if err != nil {
		return "", err
	}
	return validUTF8(b)
}

func readAllString(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("mux: reading string body: %w", err)
	}
	return validUTF8(b)
}

// validUTF8 converts b to a string, rejecting it as a protocol-level
// data error if it is not valid UTF-8. Every wire field the mux
// protocol documents as a string goes through this, rather than Go's
// bare string(b) conversion, which silently accepts invalid UTF-8.
func validUTF8(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", ProtocolError("invalid UTF-8 in string field")
	}
	return string(b), nil
}
