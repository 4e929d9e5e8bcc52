package badger

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/janelia-flyem/voxflow/storage"
)

// record is the stored value of a dataset: a msgpack array of the attribute map and the
// data bytes.
type record struct {
	Attrs storage.Attrs
	Data  []byte
}

// MarshalMsg implements msgp.Marshaler
func (z record) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendArrayHeader(o, 2)
	o = msgp.AppendMapHeader(o, uint32(len(z.Attrs)))
	for k, v := range z.Attrs {
		o = msgp.AppendString(o, k)
		o = msgp.AppendString(o, v)
	}
	o = msgp.AppendBytes(o, z.Data)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *record) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var asz uint32
	asz, bts, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if asz != 2 {
		err = msgp.ArrayError{Wanted: 2, Got: asz}
		return
	}
	var msz uint32
	msz, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	z.Attrs = make(storage.Attrs, msz)
	for i := uint32(0); i < msz; i++ {
		var k, v string
		if k, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return
		}
		if v, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return
		}
		z.Attrs[k] = v
	}
	z.Data, bts, err = msgp.ReadBytesBytes(bts, nil)
	if err != nil {
		return
	}
	o = bts
	return
}

func (z record) Msgsize() (s int) {
	s = msgp.ArrayHeaderSize + msgp.MapHeaderSize
	for k, v := range z.Attrs {
		s += msgp.StringPrefixSize + len(k) + msgp.StringPrefixSize + len(v)
	}
	s += msgp.BytesPrefixSize + len(z.Data)
	return
}
