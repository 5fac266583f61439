package rawsock

import (
	"errors"
	"io"

	sbufio "github.com/sagernet/sing/common/bufio"
)

// ErrPeerClosed indicates the peer closed its write side: a zero-byte read
// with no prior partial progress on this call.
var ErrPeerClosed = errors.New("rawsock: peer closed connection")

// RecvExact reads exactly len(buf) bytes from r, resuming on short reads. A
// zero-byte read before anything has been read is reported as
// ErrPeerClosed (ordinary peer close); a zero-byte read after a positive
// partial read is reported as io.ErrUnexpectedEOF. This treats header and
// body reads the same way, rather than distinguishing "no data yet" from
// "malformed" by which half of the frame the zero read landed in.
func RecvExact(r io.Reader, buf []byte) error {
	var read int
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		if n == 0 && err == nil {
			if read == 0 {
				return ErrPeerClosed
			}
			return io.ErrUnexpectedEOF
		}
		read += n
		if err != nil {
			if read == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}

// SendAll writes exactly len(buf) bytes to w, resuming on short writes.
func SendAll(w io.Writer, buf []byte) error {
	var written int
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		written += n
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// SendAllVectorised writes header immediately followed by body as a single
// logical frame. It prefers a vectorised (scatter-gather) write over
// copying header and body into one buffer when the underlying writer
// supports it, exactly as smux's sendLoop does for its own header+payload
// writes via sing/bufio.
func SendAllVectorised(w io.Writer, header, body []byte) error {
	if len(body) == 0 {
		return SendAll(w, header)
	}
	if bw, ok := sbufio.CreateVectorisedWriter(w); ok {
		_, err := sbufio.WriteVectorised(bw, [][]byte{header, body})
		return err
	}
	buf := make([]byte, len(header)+len(body))
	copy(buf, header)
	copy(buf[len(header):], body)
	return SendAll(w, buf)
}
