package mux

// Size computation mirrors the wire layout exactly: the codec in
// codec.go must write precisely frameSize(frame) bytes for any frame
// it encodes, because WriteMessage needs the byte count up front for
// the 4-byte length prefix.

// frameSize returns the number of bytes encodeFrame writes for f, not
// counting the 1-byte kind tag or the 3-byte Tag that precede every
// frame on the wire.
func frameSize(f MessageFrame) int {
	switch v := f.(type) {
	case Treq:
		return treqSize(v)
	case Rreq:
		return 1 + rmsgSize(Rmsg(v))
	case Tdispatch:
		return tdispatchSize(v)
	case Rdispatch:
		return rdispatchSize(v)
	case Tinit:
		return initSize(Init(v))
	case Rinit:
		return initSize(Init(v))
	case Tdrain, Rdrain, Tping, Rping:
		return 0
	case Tlease:
		return 9
	case Tdiscarded:
		return 3 + len(v.Msg)
	case Rerr:
		return len(v.Msg)
	default:
		panic("mux: unhandled frame type in frameSize")
	}
}

func treqSize(t Treq) int {
	size := 1 // header count byte
	for _, h := range t.Headers {
		size += 2 // key byte + value length byte
		size += len(h.Value)
	}
	return size + len(t.Body)
}

func rmsgSize(m Rmsg) int {
	switch m.Status {
	case StatusOk:
		return len(m.Body)
	default:
		return len(m.Msg)
	}
}

func tdispatchSize(t Tdispatch) int {
	size := 2 // dest length prefix
	size += contextSize(t.Contexts)
	size += dtabSize(t.Dtab)
	size += len(t.Dest)
	size += len(t.Body)
	return size
}

func rdispatchSize(r Rdispatch) int {
	return 1 + contextSize(r.Contexts) + rmsgSize(r.Msg)
}

func initSize(i Init) int {
	size := 2 // version
	for _, h := range i.Headers {
		size += 8 + len(h.Key) + len(h.Value) // two u32 lengths
	}
	return size
}

func contextSize(ctx []ContextEntry) int {
	size := 2 // entry count
	for _, c := range ctx {
		size += 4 // two u16 lengths
		size += len(c.Key)
		size += len(c.Value)
	}
	return size
}

func dtabSize(d Dtab) int {
	size := 2 // entry count
	for _, e := range d {
		size += 4 // two u16 lengths
		size += len(e.Key)
		size += len(e.Val)
	}
	return size
}
