package backend

import (
	"github.com/nod-ai/fusilli/internal/ireert"
	"github.com/nod-ai/fusilli/types/dtypes"
	"github.com/nod-ai/fusilli/types/status"
)

// Buffer is device memory holding one tensor (or an opaque workspace).
type Buffer struct {
	buf   *ireert.Buffer
	dims  []int64
	dtype dtypes.DType
}

func elementType(dt dtypes.DType) (ireert.ElementType, error) {
	switch dt {
	case dtypes.Half:
		return ireert.Float16, nil
	case dtypes.BFloat16:
		return ireert.BFloat16, nil
	case dtypes.Float:
		return ireert.Float32, nil
	case dtypes.Double:
		return ireert.Float64, nil
	case dtypes.Int32:
		return ireert.Int32, nil
	case dtypes.Int64:
		return ireert.Int64, nil
	case dtypes.Boolean:
		return ireert.Bool, nil
	default:
		return 0, status.Errorf(status.DtypeMismatch,
			"no device element type for %s", dt)
	}
}

func volume(dims []int64) int64 {
	v := int64(1)
	for _, d := range dims {
		v *= d
	}
	return v
}

// AllocateBuffer allocates uninitialized device memory for a tensor of
// the given logical dims and dtype.
func (h *Handle) AllocateBuffer(dims []int64, dtype dtypes.DType) (*Buffer, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	elem, err := elementType(dtype)
	if err != nil {
		return nil, err
	}
	buf, err := h.device.AllocateBuffer(dims, elem, volume(dims)*dtype.SizeBytes())
	if err != nil {
		return nil, status.Wrapf(status.DeviceError, err,
			"allocating %s buffer %v", dtype, dims)
	}
	return &Buffer{buf: buf, dims: append([]int64(nil), dims...), dtype: dtype}, nil
}

// ImportBuffer allocates device memory for a tensor and fills it with
// data, which must be exactly the tensor's packed size.
func (h *Handle) ImportBuffer(dims []int64, dtype dtypes.DType, data []byte) (*Buffer, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	elem, err := elementType(dtype)
	if err != nil {
		return nil, err
	}
	want := volume(dims) * dtype.SizeBytes()
	if int64(len(data)) != want {
		return nil, status.Errorf(status.InvalidTensor,
			"importing %s buffer %v: got %d bytes, want %d",
			dtype, dims, len(data), want)
	}
	buf, err := h.device.ImportBuffer(dims, elem, data)
	if err != nil {
		return nil, status.Wrapf(status.DeviceError, err,
			"importing %s buffer %v", dtype, dims)
	}
	return &Buffer{buf: buf, dims: append([]int64(nil), dims...), dtype: dtype}, nil
}

// AllocateWorkspace allocates sizeBytes of opaque device scratch
// memory for a compiled graph's externalized transients.
func (h *Handle) AllocateWorkspace(sizeBytes int64) (*Buffer, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	if sizeBytes <= 0 {
		return nil, status.Errorf(status.DeviceError,
			"workspace size must be positive, got %d", sizeBytes)
	}
	buf, err := h.device.AllocateBuffer([]int64{sizeBytes}, ireert.Int8, sizeBytes)
	if err != nil {
		return nil, status.Wrapf(status.DeviceError, err,
			"allocating %d-byte workspace", sizeBytes)
	}
	return &Buffer{buf: buf, dims: []int64{sizeBytes}, dtype: dtypes.NotSet}, nil
}

// Dims reports the buffer's logical dims.
func (b *Buffer) Dims() []int64 { return b.dims }

// DType reports the buffer's element type. NotSet for workspaces.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// SizeBytes reports the buffer's allocated size.
func (b *Buffer) SizeBytes() int64 { return b.buf.SizeBytes() }

// Read copies the buffer's contents back to the host. dst must hold at
// least SizeBytes.
func (b *Buffer) Read(dst []byte) error {
	return b.buf.Read(dst)
}

// Free releases the device memory. Free is safe to call more than
// once.
func (b *Buffer) Free() {
	if b.buf != nil {
		b.buf.Release()
		b.buf = nil
	}
}
