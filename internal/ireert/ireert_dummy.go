//go:build !linux || !cgo || noireert

package ireert

// Dummy bindings for builds without the IREE runtime (the "noireert"
// tag, non-Linux, or cgo disabled). Graph construction, validation,
// emission, and compilation through the CLI path all work without it;
// only device execution is unavailable.

import (
	"github.com/nod-ai/fusilli/types/status"
)

func Available() bool { return false }

var errUnavailable = status.Errorf(status.LibraryNotLoaded,
	"IREE runtime not linked into this build")

type ElementType int

const (
	Float16 ElementType = iota
	BFloat16
	Float32
	Float64
	Int32
	Int64
	Bool
	Int8
)

type Instance struct{}

func NewInstance() (*Instance, error) { return nil, errUnavailable }
func (i *Instance) Release()          {}

type Device struct{}

func (i *Instance) CreateDevice(driver string) (*Device, error) {
	return nil, errUnavailable
}
func (d *Device) Release() {}

type Session struct{}

func NewSession(i *Instance, d *Device) (*Session, error) {
	return nil, errUnavailable
}
func (s *Session) AppendBytecodeModule(vmfb []byte) error { return errUnavailable }
func (s *Session) LookupFunctionAttr(function, attr string) (string, error) {
	return "", errUnavailable
}
func (s *Session) HasFunction(function string) bool { return false }
func (s *Session) Release()                         {}

type Buffer struct{}

func (d *Device) AllocateBuffer(dims []int64, elem ElementType, sizeBytes int64) (*Buffer, error) {
	return nil, errUnavailable
}
func (d *Device) ImportBuffer(dims []int64, elem ElementType, data []byte) (*Buffer, error) {
	return nil, errUnavailable
}
func (b *Buffer) SizeBytes() int64     { return 0 }
func (b *Buffer) Read(dst []byte) error { return errUnavailable }
func (b *Buffer) Release()              {}

type Call struct{}

func (s *Session) NewCall(function string) (*Call, error) {
	return nil, errUnavailable
}
func (c *Call) PushBuffer(b *Buffer) error    { return errUnavailable }
func (c *Call) PushNull() error               { return errUnavailable }
func (c *Call) PushRawBuffer(b *Buffer) error { return errUnavailable }
func (c *Call) PushDummyFence() error         { return errUnavailable }
func (c *Call) Invoke() error              { return errUnavailable }
func (c *Call) Release()                   {}
