package model

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// All records are written as big-endian int32 fields, matching the layout produced by the frame producers.

var byteOrder = binary.BigEndian

// maxMatBytes guards against allocating absurd buffers when decoding a corrupt length field.
const maxMatBytes = 256 * 1024 * 1024

func (m Mat) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 16+len(m.Data)))
	for _, v := range []int32{m.Rows, m.Cols, m.Type, int32(len(m.Data))} {
		if err := binary.Write(buf, byteOrder, v); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	buf.Write(m.Data)
	return buf.Bytes(), nil
}

func (m *Mat) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var header [4]int32
	if err := binary.Read(r, byteOrder, &header); err != nil {
		return errors.Wrap(err, "error reading mat header")
	}
	size := header[3]
	if size < 0 || size > maxMatBytes {
		return errors.Errorf("invalid mat data length %d", size)
	}
	if header[0] < 0 || header[1] < 0 {
		return errors.Errorf("invalid mat dimensions %dx%d", header[1], header[0])
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return errors.Wrapf(err, "error reading %d bytes of mat data", size)
	}
	m.Rows, m.Cols, m.Type, m.Data = header[0], header[1], header[2], payload
	return nil
}

func (r Rect) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 16))
	if err := binary.Write(buf, byteOrder, [4]int32{r.X, r.Y, r.Width, r.Height}); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func (r *Rect) UnmarshalBinary(data []byte) error {
	var fields [4]int32
	if err := binary.Read(bytes.NewReader(data), byteOrder, &fields); err != nil {
		return errors.Wrap(err, "error reading rect")
	}
	r.X, r.Y, r.Width, r.Height = fields[0], fields[1], fields[2], fields[3]
	return nil
}

// MarshalBinary writes the frame id followed by the rect record. A nil roi cannot be encoded.
func (p PatchIdentifier) MarshalBinary() ([]byte, error) {
	if p.Roi == nil {
		return nil, errors.Errorf("patch identifier %s has no roi", p)
	}
	rect, err := p.Roi.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(rect)))
	if err := binary.Write(buf, byteOrder, p.FrameId); err != nil {
		return nil, errors.WithStack(err)
	}
	buf.Write(rect)
	return buf.Bytes(), nil
}

func (p *PatchIdentifier) UnmarshalBinary(data []byte) error {
	if len(data) < 20 {
		return errors.Errorf("patch identifier record too short: %d bytes", len(data))
	}
	roi := &Rect{}
	if err := roi.UnmarshalBinary(data[4:]); err != nil {
		return err
	}
	p.FrameId = int32(byteOrder.Uint32(data[:4]))
	p.Roi = roi
	return nil
}
