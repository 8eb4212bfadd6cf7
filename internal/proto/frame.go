package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// MaxFrameSize bounds a single frame payload (1MB)
const MaxFrameSize = 1024 * 1024

var ErrFrameTooLarge = errors.New("proto: frame too large")

// Hello is the first frame a dialer writes on a fresh stream so the
// accepting side learns who it is talking to.
type Hello struct {
	PeerID string `json:"peer_id"`
}

// WriteFrame writes a length-prefixed payload to w
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	// 4-byte big-endian length prefix
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads a length-prefixed payload from r
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteHello encodes h as a JSON frame
func WriteHello(w io.Writer, h Hello) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadHello decodes the opening frame of a stream
func ReadHello(r io.Reader) (Hello, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return Hello{}, err
	}
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return Hello{}, err
	}
	if h.PeerID == "" {
		return Hello{}, errors.New("proto: hello without peer id")
	}
	return h, nil
}
