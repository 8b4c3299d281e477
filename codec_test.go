package mux_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mux-session/mux"
)

func roundTrip(t *testing.T, msg mux.Message) mux.Message {
	t.Helper()
	var buf bytes.Buffer
	if err := mux.WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := mux.ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return got
}

func TestCodecRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  mux.Message
	}{
		{"Tping", mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Tping{}}},
		{"Rping", mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Rping{}}},
		{"Tdrain", mux.Message{Tag: mux.Tag{End: true, ID: 0}, Frame: mux.Tdrain{}}},
		{"Rdrain", mux.Message{Tag: mux.Tag{End: true, ID: 0}, Frame: mux.Rdrain{}}},
		{"Treq", mux.Message{
			Tag: mux.Tag{End: true, ID: 2},
			Frame: mux.Treq{
				Headers: []mux.Header{{Key: 1, Value: []byte("v")}},
				Body:    []byte("hello"),
			},
		}},
		{"Rreq Ok", mux.Message{
			Tag:   mux.Tag{End: true, ID: 2},
			Frame: mux.Rreq(mux.OkRmsg([]byte("ok body"))),
		}},
		{"Rreq Error", mux.Message{
			Tag:   mux.Tag{End: true, ID: 2},
			Frame: mux.Rreq(mux.ErrorRmsg("broke")),
		}},
		{"Rreq Nack", mux.Message{
			Tag:   mux.Tag{End: true, ID: 2},
			Frame: mux.Rreq(mux.NackRmsg("busy")),
		}},
		{"Tdispatch", mux.Message{
			Tag: mux.Tag{End: true, ID: 3},
			Frame: mux.Tdispatch{
				Contexts: []mux.ContextEntry{{Key: []byte("k"), Value: []byte("v")}},
				Dest:     "/svc/echo",
				Dtab:     mux.Dtab{{Key: "/a", Val: "/b"}},
				Body:     []byte("payload"),
			},
		}},
		{"Rdispatch", mux.Message{
			Tag: mux.Tag{End: true, ID: 3},
			Frame: mux.Rdispatch{
				Contexts: []mux.ContextEntry{{Key: []byte("k"), Value: []byte("v")}},
				Msg:      mux.OkRmsg([]byte("result")),
			},
		}},
		{"Tinit", mux.Message{
			Tag: mux.Tag{End: true, ID: 0},
			Frame: mux.Tinit{
				Version: 1,
				Headers: []mux.ContextEntry{{Key: []byte("tls"), Value: []byte("true")}},
			},
		}},
		{"Rinit", mux.Message{
			Tag:   mux.Tag{End: true, ID: 0},
			Frame: mux.Rinit{Version: 1},
		}},
		{"Tlease", mux.Message{
			Tag:   mux.Tag{End: true, ID: 0},
			Frame: mux.Tlease{Duration: 5 * time.Second},
		}},
		{"Tdiscarded", mux.Message{
			Tag:   mux.Tag{End: true, ID: 0},
			Frame: mux.Tdiscarded{ID: 9, Msg: "gave up"},
		}},
		{"Rerr", mux.Message{
			Tag:   mux.Tag{End: true, ID: 4},
			Frame: mux.Rerr{Msg: "session fault"},
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := roundTrip(t, c.msg)
			if diff := cmp.Diff(c.msg, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestReadMessageExactConsumption checks that ReadMessage consumes
// exactly the bytes named by the size prefix and leaves any following
// bytes in the stream untouched, so two messages written back to back
// decode independently.
func TestReadMessageExactConsumption(t *testing.T) {
	var buf bytes.Buffer
	first := mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Tping{}}
	second := mux.Message{Tag: mux.Tag{End: true, ID: 2}, Frame: mux.Rping{}}

	if err := mux.WriteMessage(&buf, first); err != nil {
		t.Fatalf("WriteMessage(first): %v", err)
	}
	if err := mux.WriteMessage(&buf, second); err != nil {
		t.Fatalf("WriteMessage(second): %v", err)
	}

	gotFirst, err := mux.ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage(first): %v", err)
	}
	if diff := cmp.Diff(first, gotFirst); diff != "" {
		t.Errorf("first message mismatch (-want +got):\n%s", diff)
	}

	gotSecond, err := mux.ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage(second): %v", err)
	}
	if diff := cmp.Diff(second, gotSecond); diff != "" {
		t.Errorf("second message mismatch (-want +got):\n%s", diff)
	}

	if buf.Len() != 0 {
		t.Errorf("%d unread bytes left after consuming both messages", buf.Len())
	}
}

// TestReadMessagePingFixture pins the exact bytes on the wire for a
// Tping at tag 1, including trailing bytes belonging to the next
// frame that ReadMessage must not touch.
func TestReadMessagePingFixture(t *testing.T) {
	wire := []byte{
		0, 0, 0, 4, // size = 4
		65,   // Tping
		0, 0, 1, // tag = 1, end
		0xff, // belongs to the next frame; must not be consumed
	}
	r := bytes.NewReader(wire)
	msg, err := mux.ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	want := mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Tping{}}
	if diff := cmp.Diff(want, msg); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if r.Len() != 1 {
		t.Errorf("ReadMessage left %d bytes, want 1 (the untouched trailer)", r.Len())
	}
}

func TestWriteMessagePingFixture(t *testing.T) {
	var buf bytes.Buffer
	msg := mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Tping{}}
	if err := mux.WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	want := []byte{0, 0, 0, 4, 65, 0, 0, 1}
	if diff := cmp.Diff(want, buf.Bytes()); diff != "" {
		t.Errorf("wire mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMessageUnknownKind(t *testing.T) {
	// kind 99 is not a valid frame type
	body := []byte{99, 0, 0, 1}
	_, err := mux.DecodeMessage(bytes.NewReader(body))
	if err == nil {
		t.Fatal("expected an error for an unknown frame kind")
	}
	if _, ok := err.(mux.ProtocolError); !ok {
		t.Errorf("expected a ProtocolError, got %T: %v", err, err)
	}
}

func TestDecodeRmsgUnknownStatus(t *testing.T) {
	// Rreq frame with an invalid status byte (3)
	body := []byte{kindByte(mux.KindRreq), 0, 0, 1, 3}
	_, err := mux.DecodeMessage(bytes.NewReader(body))
	if err == nil {
		t.Fatal("expected an error for an unknown Rmsg status")
	}
}

func TestDecodeTleaseBadHowmuch(t *testing.T) {
	body := append([]byte{byte(mux.KindTlease), 0, 0, 0, 1}, make([]byte, 8)...)
	_, err := mux.DecodeMessage(bytes.NewReader(body))
	if err == nil {
		t.Fatal("expected an error for a non-zero tlease howmuch byte")
	}
}

// TestWriteMessageValidatesBeforeWriting checks that an oversized
// field is rejected without leaking a size prefix for a frame body
// that never actually reaches the wire.
func TestWriteMessageValidatesBeforeWriting(t *testing.T) {
	headers := make([]mux.Header, 256) // one more than a u8 count allows
	msg := mux.Message{Tag: mux.Tag{End: true, ID: 2}, Frame: mux.Treq{Headers: headers}}

	var buf bytes.Buffer
	if err := mux.WriteMessage(&buf, msg); err == nil {
		t.Fatal("expected an error for a 256-entry header list")
	}
	if buf.Len() != 0 {
		t.Errorf("WriteMessage left %d bytes in the sink after a validation failure, want 0", buf.Len())
	}
}

// TestBitExactFixtures pins the ten mandatory wire vectors: each
// fixture is checked both ways, decoding the literal bytes into the
// expected Message and encoding the expected Message back into the
// literal bytes.
func TestBitExactFixtures(t *testing.T) {
	helloWorld := []byte("hello world")

	cases := []struct {
		name string
		msg  mux.Message
		kind byte
		tag  []byte
		body []byte
	}{
		{
			name: "Treq",
			msg:  mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Treq{Body: helloWorld}},
			kind: byte(mux.KindTreq),
			tag:  []byte{0, 0, 1},
			body: append([]byte{0}, helloWorld...),
		},
		{
			name: "Rreq Ok",
			msg:  mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Rreq(mux.OkRmsg(helloWorld))},
			kind: kindByte(mux.KindRreq),
			tag:  []byte{0, 0, 1},
			body: append([]byte{0}, helloWorld...),
		},
		{
			name: "Rreq Error",
			msg:  mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Rreq(mux.ErrorRmsg(string(helloWorld)))},
			kind: kindByte(mux.KindRreq),
			tag:  []byte{0, 0, 1},
			body: append([]byte{1}, helloWorld...),
		},
		{
			name: "Rreq Nack",
			msg:  mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Rreq(mux.NackRmsg(""))},
			kind: kindByte(mux.KindRreq),
			tag:  []byte{0, 0, 1},
			body: []byte{2},
		},
		{
			name: "Tdispatch no contexts no dtab",
			msg: mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Tdispatch{
				Dest: "/path",
				Body: helloWorld,
			}},
			kind: byte(mux.KindTdispatch),
			tag:  []byte{0, 0, 1},
			body: concatBytes(
				[]byte{0, 0}, // context count
				[]byte{0, 5}, []byte("/path"),
				[]byte{0, 0}, // dtab count
				helloWorld,
			),
		},
		{
			name: "Tdispatch with context",
			msg: mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Tdispatch{
				Contexts: []mux.ContextEntry{{Key: helloWorld, Value: helloWorld}},
				Dest:     "/path",
				Body:     helloWorld,
			}},
			kind: byte(mux.KindTdispatch),
			tag:  []byte{0, 0, 1},
			body: concatBytes(
				[]byte{0, 1}, // context count
				[]byte{0, 11}, helloWorld,
				[]byte{0, 11}, helloWorld,
				[]byte{0, 5}, []byte("/path"),
				[]byte{0, 0}, // dtab count
				helloWorld,
			),
		},
		{
			name: "Tdispatch with dtab",
			msg: mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Tdispatch{
				Dest: "/path",
				Dtab: mux.Dtab{{Key: "/f/foo", Val: "/go"}},
				Body: helloWorld,
			}},
			kind: byte(mux.KindTdispatch),
			tag:  []byte{0, 0, 1},
			body: concatBytes(
				[]byte{0, 0}, // context count
				[]byte{0, 5}, []byte("/path"),
				[]byte{0, 1}, // dtab count
				[]byte{0, 6}, []byte("/f/foo"),
				[]byte{0, 3}, []byte("/go"),
				helloWorld,
			),
		},
		{
			name: "Rdispatch",
			msg: mux.Message{Tag: mux.Tag{End: true, ID: 1}, Frame: mux.Rdispatch{
				Msg: mux.OkRmsg(helloWorld),
			}},
			kind: kindByte(mux.KindRdispatch),
			tag:  []byte{0, 0, 1},
			body: concatBytes([]byte{0}, []byte{0, 0}, helloWorld),
		},
		{
			name: "Tdiscarded",
			msg:  mux.Message{Tag: mux.Tag{End: true, ID: 0}, Frame: mux.Tdiscarded{ID: 1, Msg: string(helloWorld)}},
			kind: byte(mux.KindTdiscarded),
			tag:  []byte{0, 0, 0},
			body: concatBytes([]byte{0, 0, 1}, helloWorld),
		},
		{
			name: "Tlease",
			msg:  mux.Message{Tag: mux.Tag{End: true, ID: 0}, Frame: mux.Tlease{Duration: 1000 * time.Millisecond}},
			kind: byte(mux.KindTlease),
			tag:  []byte{0, 0, 0},
			body: []byte{0, 0, 0, 0, 0, 0, 0, 3, 232},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			wire := concatBytes([]byte{c.kind}, c.tag, c.body)

			got, err := mux.DecodeMessage(bytes.NewReader(wire))
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if diff := cmp.Diff(c.msg, got); diff != "" {
				t.Errorf("decode mismatch (-want +got):\n%s", diff)
			}

			var buf bytes.Buffer
			if err := mux.EncodeMessage(&buf, c.msg); err != nil {
				t.Fatalf("EncodeMessage: %v", err)
			}
			if diff := cmp.Diff(wire, buf.Bytes()); diff != "" {
				t.Errorf("encode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// kindByte returns the wire byte of k. A negative kind constant cannot
// be converted to byte at compile time, so the conversion goes through
// a variable.
func kindByte(k mux.FrameKind) byte { return byte(k) }

func concatBytes(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestReadMessageRejectsUndersizedLength(t *testing.T) {
	_, err := mux.ReadMessage(bytes.NewReader([]byte{0, 0, 0, 3}))
	if err == nil {
		t.Fatal("expected an error for a size prefix below the 4-byte minimum")
	}
}

// invalidUTF8 is two continuation bytes with no lead byte, never valid
// UTF-8.
var invalidUTF8 = []byte{0x80, 0x81}

// TestDecodeRejectsInvalidUTF8 checks that every string-producing
// decode path treats invalid UTF-8 as a protocol-level data error
// rather than silently accepting it, per the wire format's string
// contract.
func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	assertProtocolError := func(t *testing.T, err error) {
		t.Helper()
		if err == nil {
			t.Fatal("expected an error for invalid UTF-8, got nil")
		}
		var perr mux.ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("expected a ProtocolError in the chain, got %T: %v", err, err)
		}
	}

	t.Run("Tdispatch dest", func(t *testing.T) {
		wire := concatBytes(
			[]byte{byte(mux.KindTdispatch)}, []byte{0, 0, 1},
			[]byte{0, 0}, // context count
			[]byte{0, byte(len(invalidUTF8))}, invalidUTF8,
			[]byte{0, 0}, // dtab count
		)
		_, err := mux.DecodeMessage(bytes.NewReader(wire))
		assertProtocolError(t, err)
	})

	t.Run("Dtab entry", func(t *testing.T) {
		wire := concatBytes(
			[]byte{byte(mux.KindTdispatch)}, []byte{0, 0, 1},
			[]byte{0, 0}, // context count
			[]byte{0, 1}, []byte("/"),
			[]byte{0, 1}, // dtab count
			[]byte{0, byte(len(invalidUTF8))}, invalidUTF8,
			[]byte{0, 1}, []byte("/"),
		)
		_, err := mux.DecodeMessage(bytes.NewReader(wire))
		assertProtocolError(t, err)
	})

	t.Run("Tdiscarded msg", func(t *testing.T) {
		wire := concatBytes([]byte{byte(mux.KindTdiscarded)}, []byte{0, 0, 0}, []byte{0, 0, 1}, invalidUTF8)
		_, err := mux.DecodeMessage(bytes.NewReader(wire))
		assertProtocolError(t, err)
	})

	t.Run("Rerr msg", func(t *testing.T) {
		wire := concatBytes([]byte{kindByte(mux.KindRerr)}, []byte{0, 0, 1}, invalidUTF8)
		_, err := mux.DecodeMessage(bytes.NewReader(wire))
		assertProtocolError(t, err)
	})

	t.Run("Rreq Error text", func(t *testing.T) {
		wire := concatBytes([]byte{kindByte(mux.KindRreq)}, []byte{0, 0, 1}, []byte{1}, invalidUTF8)
		_, err := mux.DecodeMessage(bytes.NewReader(wire))
		assertProtocolError(t, err)
	})
}

