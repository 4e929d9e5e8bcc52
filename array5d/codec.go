package array5d

import (
	"encoding/binary"
	"fmt"

	"github.com/janelia-flyem/voxflow/voxflow"
)

const (
	encodingVersion = 1
	headerSize      = 2 + 10*8
)

// MarshalBinary encodes the array as a small header (version, dtype, shape, location)
// followed by the raw little-endian buffer.
func (a *Array5D) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize, headerSize+len(a.data))
	buf[0] = encodingVersion
	buf[1] = byte(a.dtype)
	off := 2
	for _, v := range a.shape.Point().Array() {
		binary.LittleEndian.PutUint64(buf[off:], uint64(v))
		off += 8
	}
	for _, v := range a.location.Array() {
		binary.LittleEndian.PutUint64(buf[off:], uint64(v))
		off += 8
	}
	return append(buf, a.data...), nil
}

// UnmarshalBinary decodes data produced by MarshalBinary.
func (a *Array5D) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize {
		return fmt.Errorf("array encoding too short: %d bytes", len(b))
	}
	if b[0] != encodingVersion {
		return fmt.Errorf("unknown array encoding version %d", b[0])
	}
	dtype := DType(b[1])
	if dtype.Size() == 0 {
		return fmt.Errorf("bad dtype %d in array encoding", b[1])
	}
	var vals [10]int64
	for i := range vals {
		vals[i] = int64(binary.LittleEndian.Uint64(b[2+i*8:]))
	}
	shape := voxflow.Shape5D{T: vals[0], C: vals[1], X: vals[2], Y: vals[3], Z: vals[4]}
	if err := shape.Validate(); err != nil {
		return err
	}
	location := voxflow.Point5D{T: vals[5], C: vals[6], X: vals[7], Y: vals[8], Z: vals[9]}
	data := b[headerSize:]
	if int64(len(data)) != shape.Volume()*int64(dtype.Size()) {
		return fmt.Errorf("array encoding holds %d bytes, expected %d for %s %s: %w",
			len(data), shape.Volume()*int64(dtype.Size()), dtype, shape, voxflow.ErrShapeMismatch)
	}
	a.dtype = dtype
	a.shape = shape
	a.location = location
	a.data = append([]byte(nil), data...)
	return nil
}

// Serialize encodes the array and compresses it for storage.
func (a *Array5D) Serialize(compress voxflow.Compression, checksum voxflow.Checksum) ([]byte, error) {
	b, err := a.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return voxflow.SerializeData(b, compress, checksum)
}

// Deserialize decodes an array written by Serialize.
func Deserialize(s []byte) (*Array5D, error) {
	b, _, err := voxflow.DeserializeData(s, true)
	if err != nil {
		return nil, err
	}
	a := new(Array5D)
	if err := a.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return a, nil
}
