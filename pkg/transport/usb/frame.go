package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// maxPayload bounds the size of a single inbound message.
const maxPayload = 64 << 20

// header precedes every message on the bulk pipe, little-endian.
type header struct {
	ReqID      uint32
	ResID      uint32
	Flags      uint16
	NameLen    uint16
	PayloadLen uint32
}

const headerSize = 16

func encodeFrame(reqID uint32, topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xffff {
		return nil, fmt.Errorf("topic of %d bytes is too long", len(topic))
	}
	h := header{
		ReqID:      reqID,
		NameLen:    uint16(len(topic)),
		PayloadLen: uint32(len(payload)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(topic)+len(payload)))
	if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	buf.WriteString(topic)
	buf.Write(payload)
	return buf.Bytes(), nil
}

func readFrame(r io.Reader) (string, []byte, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return "", nil, err
	}
	if h.PayloadLen > maxPayload {
		return "", nil, fmt.Errorf("message payload of %d bytes is too large", h.PayloadLen)
	}
	name := make([]byte, h.NameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", nil, fmt.Errorf("reading topic: %w", err)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, fmt.Errorf("reading payload: %w", err)
	}
	return string(name), payload, nil
}
