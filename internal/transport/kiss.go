package transport

import "bytes"

// KISS framing bytes.
const (
	kissFEND  = 0xC0
	kissFESC  = 0xDB
	kissTFEND = 0xDC
	kissTFESC = 0xDD
)

// kissEncode wraps one envelope (channel byte + frame) as FEND data FEND,
// escaping FEND and FESC inside.
func kissEncode(ch byte, frame []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(frame) + 4)
	out.WriteByte(kissFEND)
	for _, b := range append([]byte{ch}, frame...) {
		switch b {
		case kissFEND:
			out.Write([]byte{kissFESC, kissTFEND})
		case kissFESC:
			out.Write([]byte{kissFESC, kissTFESC})
		default:
			out.WriteByte(b)
		}
	}
	out.WriteByte(kissFEND)
	return out.Bytes()
}

// kissDecoder splits a byte stream into unescaped envelopes. Bytes before the
// first FEND and empty envelopes are discarded; an envelope longer than max
// is dropped whole and the decoder resynchronizes on the next FEND.
type kissDecoder struct {
	max      int
	buf      []byte
	inFrame  bool
	escaped  bool
	overflow bool
}

func newKISSDecoder(max int) *kissDecoder {
	return &kissDecoder{max: max}
}

// feed consumes data and returns every envelope it completes.
func (d *kissDecoder) feed(data []byte) [][]byte {
	var out [][]byte
	for _, b := range data {
		if b == kissFEND {
			if d.inFrame && len(d.buf) > 0 && !d.overflow {
				out = append(out, bytes.Clone(d.buf))
			}
			d.buf = d.buf[:0]
			d.inFrame = true
			d.escaped = false
			d.overflow = false
			continue
		}
		if !d.inFrame || d.overflow {
			continue
		}

		if d.escaped {
			d.escaped = false
			switch b {
			case kissTFEND:
				b = kissFEND
			case kissTFESC:
				b = kissFESC
			}
		} else if b == kissFESC {
			d.escaped = true
			continue
		}

		if d.max > 0 && len(d.buf) >= d.max {
			d.overflow = true
			continue
		}
		d.buf = append(d.buf, b)
	}
	return out
}
