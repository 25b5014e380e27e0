// Package ipc serves the CIB to local clients over a unix socket.
//
// Every frame is a 4 byte big-endian payload length followed by the
// payload, a serialized <cib-command>. A client's first frame must be a
// register request; the server answers with the client id it assigned.
package ipc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

// DefaultMaxFrameSize bounds the payload of a single frame.
const DefaultMaxFrameSize = 16 << 20

const headerSize = 4

// WriteFrame writes payload as one frame.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. Payloads larger than max are rejected with
// ETooLarge and the stream is left unusable.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if max > 0 && uint64(n) > uint64(max) {
		return nil, &ierrors.Error{
			Code: ierrors.ETooLarge,
			Op:   "ipc.ReadFrame",
			Msg:  "frame exceeds the size limit",
		}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "short frame")
	}
	return payload, nil
}

// WriteMessage frames and writes a message.
func WriteMessage(w io.Writer, m *cib.Message) error {
	return WriteFrame(w, m.Bytes())
}

// ReadMessage reads and decodes one framed message.
func ReadMessage(r io.Reader, max int) (*cib.Message, error) {
	b, err := ReadFrame(r, max)
	if err != nil {
		return nil, err
	}
	return cib.ParseMessage(b)
}
