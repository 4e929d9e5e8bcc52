package voxflow

import (
	"bytes"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *RegionSuite) TestSerializeData(c *C) {
	data := bytes.Repeat([]byte("voxel block payload "), 200)
	for _, compression := range []Compression{Uncompressed, Snappy, Zstd} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			ser, err := SerializeData(data, compression, checksum)
			c.Assert(err, IsNil)
			if compression != Uncompressed {
				c.Assert(len(ser) < len(data), Equals, true)
			}

			got, compress, err := DeserializeData(ser, true)
			c.Assert(err, IsNil)
			c.Assert(compress, Equals, compression)
			c.Assert(got, DeepEquals, data)

			if checksum != NoChecksum {
				ser[7] ^= 0x04
				_, _, err = DeserializeData(ser, true)
				c.Assert(err, NotNil)
			}
		}
	}
	_, _, err := DeserializeData(nil, true)
	c.Assert(err, NotNil)
}

func (s *RegionSuite) TestParseCompression(c *C) {
	for str, want := range map[string]Compression{"": Snappy, "zstd": Zstd, "None": Uncompressed} {
		got, err := ParseCompression(str)
		c.Assert(err, IsNil)
		c.Assert(got, Equals, want)
	}
	_, err := ParseCompression("lz4")
	c.Assert(err, NotNil)
}
