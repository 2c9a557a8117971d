package launchengine

import (
	"encoding/binary"

	"github.com/gogpu/fuser/kernelir"
)

// ArgBuffer is the per-parameter byte buffer described in §4.6 step 6
// and §6's wire format: for a GPU-tensor parameter,
// [pointer:8][shape[rank]*W][stride[rank]*W], W = 4 or 8 depending on
// the kernel's index type. Scalar parameters are encoded at their
// natural width.
type ArgBuffer struct {
	data      []byte
	indexType kernelir.IndexType
	rank      int
	isTensor  bool
}

const pointerFieldBytes = 8

// NewTensorArgBuffer allocates a buffer sized for a rank-r GPU-tensor
// parameter at the given index width and fills in pointer/shape/stride.
func NewTensorArgBuffer(indexType kernelir.IndexType, pointer uint64, sizes, strides []int64) *ArgBuffer {
	rank := len(sizes)
	w := indexType.Size()
	buf := &ArgBuffer{
		data:      make([]byte, pointerFieldBytes+2*rank*w),
		indexType: indexType,
		rank:      rank,
		isTensor:  true,
	}
	buf.writePointer(pointer)
	buf.writeShapeStride(sizes, strides)
	return buf
}

// NewScalarArgBuffer encodes a non-tensor parameter value at its dtype's
// natural width.
func NewScalarArgBuffer(dtype kernelir.DType, value uint64) *ArgBuffer {
	w := scalarWidth(dtype)
	buf := &ArgBuffer{data: make([]byte, w)}
	putUint(buf.data, value)
	return buf
}

func scalarWidth(dtype kernelir.DType) int {
	switch dtype {
	case kernelir.DTypeBool, kernelir.DTypeInt8, kernelir.DTypeUint8:
		return 1
	case kernelir.DTypeInt16, kernelir.DTypeFloat16:
		return 2
	case kernelir.DTypeInt32, kernelir.DTypeFloat32:
		return 4
	default:
		return 8
	}
}

func putUint(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func (b *ArgBuffer) writePointer(pointer uint64) {
	binary.LittleEndian.PutUint64(b.data[:pointerFieldBytes], pointer)
}

func (b *ArgBuffer) writeShapeStride(sizes, strides []int64) {
	w := b.indexType.Size()
	off := pointerFieldBytes
	for _, s := range sizes {
		writeIndexWidth(b.data[off:off+w], w, s)
		off += w
	}
	for _, s := range strides {
		writeIndexWidth(b.data[off:off+w], w, s)
		off += w
	}
}

func writeIndexWidth(dst []byte, w int, v int64) {
	if w == 4 {
		binary.LittleEndian.PutUint32(dst, uint32(v))
	} else {
		binary.LittleEndian.PutUint64(dst, uint64(v))
	}
}

// RewriteTensor updates an existing tensor ArgBuffer's pointer/shape/
// stride bytes in place, without reallocating -- the E5 scenario from
// spec.md §8: only the leading 8+rank*W+rank*W bytes ever change.
func (b *ArgBuffer) RewriteTensor(pointer uint64, sizes, strides []int64) {
	b.writePointer(pointer)
	b.writeShapeStride(sizes, strides)
}

// Bytes returns the buffer's current contents.
func (b *ArgBuffer) Bytes() []byte {
	return b.data
}

// IsTensor reports whether this buffer was created by NewTensorArgBuffer.
func (b *ArgBuffer) IsTensor() bool {
	return b.isTensor
}
