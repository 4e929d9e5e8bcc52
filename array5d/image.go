package array5d

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "github.com/janelia-flyem/go/go.image/bmp"
	_ "github.com/janelia-flyem/go/go.image/tiff"

	"github.com/janelia-flyem/voxflow/voxflow"
)

// OpenImage reads an image file (png, jpeg, gif, tiff or bmp) into an array.
func OpenImage(filename string) (*Array5D, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("unable to open image (%s): %v", filename, err)
	}
	defer f.Close()
	return DecodeImage(f)
}

// DecodeImage reads an encoded image into an array.  Gray images become single-channel
// arrays of uint8 or uint16; color images become 3 (rgb) or 4 (rgba) channels.
func DecodeImage(r io.Reader) (*Array5D, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	a, err := FromImage(img)
	if err != nil {
		return nil, err
	}
	voxflow.Debugf("Decoded %s image into %s\n", format, a)
	return a, nil
}

// FromImage converts a decoded Go image.
func FromImage(img image.Image) (*Array5D, error) {
	bounds := img.Bounds()
	nx, ny := int64(bounds.Dx()), int64(bounds.Dy())
	switch typed := img.(type) {
	case *image.Gray:
		a, err := AllocateShape(voxflow.Shape5D{T: 1, C: 1, X: nx, Y: ny, Z: 1}, Uint8, 0)
		if err != nil {
			return nil, err
		}
		for y := 0; y < int(ny); y++ {
			row := typed.Pix[y*typed.Stride : y*typed.Stride+int(nx)]
			copy(a.data[int64(y)*nx:], row)
		}
		return a, nil
	case *image.Gray16:
		a, err := AllocateShape(voxflow.Shape5D{T: 1, C: 1, X: nx, Y: ny, Z: 1}, Uint16, 0)
		if err != nil {
			return nil, err
		}
		for y := 0; y < int(ny); y++ {
			for x := 0; x < int(nx); x++ {
				v := typed.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y
				Uint16.putUint64(a.data, (y*int(nx)+x)*2, uint64(v))
			}
		}
		return a, nil
	}

	channels := int64(3)
	if !opaque(img) {
		channels = 4
	}
	a, err := AllocateShape(voxflow.Shape5D{T: 1, C: channels, X: nx, Y: ny, Z: 1}, Uint8, 0)
	if err != nil {
		return nil, err
	}
	plane := nx * ny
	for y := int64(0); y < ny; y++ {
		for x := int64(0); x < nx; x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+int(x), bounds.Min.Y+int(y))).(color.NRGBA)
			i := y*nx + x
			a.data[i] = c.R
			a.data[plane+i] = c.G
			a.data[2*plane+i] = c.B
			if channels == 4 {
				a.data[3*plane+i] = c.A
			}
		}
	}
	return a, nil
}

func opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}
