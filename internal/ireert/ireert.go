//go:build linux && cgo && !noireert

// Package ireert binds the IREE runtime C API surface fusilli needs:
// a process-wide VM instance, per-backend HAL devices, per-graph
// sessions holding the compiled vmfb, device buffers, and function
// invocation. Build with the "noireert" tag to drop the IREE runtime
// dependency; every entry point then reports LibraryNotLoaded.
package ireert

/*
#cgo pkg-config: iree-runtime
#include <stdlib.h>
#include <string.h>
#include <iree/runtime/api.h>

// statusToString converts and frees an iree_status_t, returning a
// malloc'd message the caller must free.
static char *statusToString(iree_status_t status) {
	iree_host_size_t length = 0;
	char *buffer = NULL;
	iree_allocator_t allocator = iree_allocator_system();
	if (iree_status_to_string(status, &allocator, &buffer, &length)) {
		iree_status_ignore(status);
		return buffer;
	}
	iree_status_ignore(status);
	return strdup("unknown IREE runtime error");
}

static iree_status_t instanceCreate(iree_runtime_instance_t **out) {
	iree_runtime_instance_options_t options;
	iree_runtime_instance_options_initialize(&options);
	iree_runtime_instance_options_use_all_available_drivers(&options);
	return iree_runtime_instance_create(&options, iree_allocator_system(), out);
}

static iree_status_t deviceCreate(iree_runtime_instance_t *instance,
                                  const char *driver,
                                  iree_hal_device_t **out) {
	return iree_runtime_instance_try_create_default_device(
	    instance, iree_make_cstring_view(driver), out);
}

static iree_status_t sessionCreate(iree_runtime_instance_t *instance,
                                   iree_hal_device_t *device,
                                   iree_runtime_session_t **out) {
	iree_runtime_session_options_t options;
	iree_runtime_session_options_initialize(&options);
	return iree_runtime_session_create_with_device(
	    instance, &options, device,
	    iree_runtime_instance_host_allocator(instance), out);
}

static iree_status_t sessionAppendModule(iree_runtime_session_t *session,
                                         void *data, size_t length) {
	// Ownership of data (malloc'd) transfers to the module.
	return iree_runtime_session_append_bytecode_module_from_memory(
	    session, iree_make_const_byte_span(data, length),
	    iree_allocator_system());
}

// lookupAttr copies the named reflection attr of a function into a
// malloc'd string, or returns NULL when the function lacks it.
static char *lookupAttr(iree_runtime_session_t *session,
                        const char *function, const char *attr,
                        iree_status_t *out_status) {
	iree_vm_function_t f;
	*out_status = iree_runtime_session_lookup_function(
	    session, iree_make_cstring_view(function), &f);
	if (!iree_status_is_ok(*out_status)) return NULL;
	iree_string_view_t value =
	    iree_vm_function_lookup_attr_by_name(&f, iree_make_cstring_view(attr));
	if (value.size == 0) return NULL;
	char *copy = malloc(value.size + 1);
	memcpy(copy, value.data, value.size);
	copy[value.size] = 0;
	return copy;
}

static iree_status_t bufferAllocate(iree_hal_device_t *device,
                                    iree_hal_dim_t *dims, size_t rank,
                                    iree_hal_element_type_t element_type,
                                    iree_hal_buffer_view_t **out) {
	iree_hal_buffer_params_t params;
	memset(&params, 0, sizeof(params));
	params.type = IREE_HAL_MEMORY_TYPE_DEVICE_LOCAL;
	params.usage = IREE_HAL_BUFFER_USAGE_DEFAULT | IREE_HAL_BUFFER_USAGE_TRANSFER;
	return iree_hal_buffer_view_allocate_buffer_copy(
	    device, iree_hal_device_allocator(device), rank, dims, element_type,
	    IREE_HAL_ENCODING_TYPE_DENSE_ROW_MAJOR, params,
	    iree_const_byte_span_empty(), out);
}

static iree_status_t bufferImport(iree_hal_device_t *device,
                                  iree_hal_dim_t *dims, size_t rank,
                                  iree_hal_element_type_t element_type,
                                  const void *data, size_t length,
                                  iree_hal_buffer_view_t **out) {
	iree_hal_buffer_params_t params;
	memset(&params, 0, sizeof(params));
	params.type = IREE_HAL_MEMORY_TYPE_DEVICE_LOCAL;
	params.usage = IREE_HAL_BUFFER_USAGE_DEFAULT | IREE_HAL_BUFFER_USAGE_TRANSFER;
	return iree_hal_buffer_view_allocate_buffer_copy(
	    device, iree_hal_device_allocator(device), rank, dims, element_type,
	    IREE_HAL_ENCODING_TYPE_DENSE_ROW_MAJOR, params,
	    iree_make_const_byte_span(data, length), out);
}

static iree_status_t bufferRead(iree_hal_device_t *device,
                                iree_hal_buffer_view_t *view, void *dst,
                                size_t length) {
	return iree_hal_device_transfer_d2h(
	    device, iree_hal_buffer_view_buffer(view), 0, dst, length,
	    IREE_HAL_TRANSFER_BUFFER_FLAG_DEFAULT, iree_infinite_timeout());
}

static iree_status_t callPushNull(iree_runtime_call_t *call) {
	iree_vm_ref_t null_ref;
	memset(&null_ref, 0, sizeof(null_ref));
	return iree_vm_list_push_ref_retain(iree_runtime_call_inputs(call),
	                                    &null_ref);
}

// callPushRawBuffer pushes the view's underlying !hal.buffer, the form
// the externalized transients (workspace) argument takes.
static iree_status_t callPushRawBuffer(iree_runtime_call_t *call,
                                       iree_hal_buffer_view_t *view) {
	iree_vm_ref_t ref =
	    iree_hal_buffer_retain_ref(iree_hal_buffer_view_buffer(view));
	return iree_vm_list_push_ref_move(iree_runtime_call_inputs(call), &ref);
}

// callPushDummyFence pushes an empty, already-satisfied fence. Async
// entry points take wait/signal fences; with stream-ordered hip
// synchronization they only need to exist.
static iree_status_t callPushDummyFence(iree_runtime_call_t *call) {
	iree_hal_fence_t *fence = NULL;
	iree_status_t status =
	    iree_hal_fence_create(0, iree_allocator_system(), &fence);
	if (!iree_status_is_ok(status)) return status;
	iree_vm_ref_t ref = iree_hal_fence_move_ref(fence);
	return iree_vm_list_push_ref_move(iree_runtime_call_inputs(call), &ref);
}
*/
import "C"

import (
	"runtime"
	"unsafe"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/status"
)

// Available reports whether the IREE runtime is linked into this build.
func Available() bool { return true }

// statusErr converts a non-ok iree_status_t into a coded error.
func statusErr(code status.Code, s C.iree_status_t, op string) error {
	if C.iree_status_is_ok(s) {
		return nil
	}
	msg := C.statusToString(s)
	defer C.free(unsafe.Pointer(msg))
	return status.Errorf(code, "%s: %s", op, C.GoString(msg))
}

// ElementType mirrors the IREE HAL element types fusilli tensors map to.
type ElementType int

const (
	Float16 ElementType = iota
	BFloat16
	Float32
	Float64
	Int32
	Int64
	Bool
	Int8 // Raw byte buffers (workspaces).
)

func (t ElementType) hal() C.iree_hal_element_type_t {
	switch t {
	case Float16:
		return C.IREE_HAL_ELEMENT_TYPE_FLOAT_16
	case BFloat16:
		return C.IREE_HAL_ELEMENT_TYPE_BFLOAT_16
	case Float32:
		return C.IREE_HAL_ELEMENT_TYPE_FLOAT_32
	case Float64:
		return C.IREE_HAL_ELEMENT_TYPE_FLOAT_64
	case Int32:
		return C.IREE_HAL_ELEMENT_TYPE_SINT_32
	case Int64:
		return C.IREE_HAL_ELEMENT_TYPE_SINT_64
	case Bool:
		return C.IREE_HAL_ELEMENT_TYPE_BOOL_8
	default:
		return C.IREE_HAL_ELEMENT_TYPE_INT_8
	}
}

// Instance is the process-wide IREE VM instance.
type Instance struct {
	ptr *C.iree_runtime_instance_t
}

// NewInstance creates the VM instance with all compiled-in HAL drivers
// registered.
func NewInstance() (*Instance, error) {
	var ptr *C.iree_runtime_instance_t
	if err := statusErr(status.DeviceError, C.instanceCreate(&ptr),
		"creating IREE runtime instance"); err != nil {
		return nil, err
	}
	klog.V(1).Info("Created IREE runtime instance")
	return &Instance{ptr: ptr}, nil
}

// Release drops the instance reference.
func (i *Instance) Release() {
	if i.ptr != nil {
		C.iree_runtime_instance_release(i.ptr)
		i.ptr = nil
	}
}

// Device is a HAL device created from a driver.
type Device struct {
	ptr *C.iree_hal_device_t
}

// CreateDevice creates the default device of the named HAL driver
// ("local-task", "hip").
func (i *Instance) CreateDevice(driver string) (*Device, error) {
	cdriver := C.CString(driver)
	defer C.free(unsafe.Pointer(cdriver))
	var ptr *C.iree_hal_device_t
	if err := statusErr(status.DeviceError, C.deviceCreate(i.ptr, cdriver, &ptr),
		"creating device for driver "+driver); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Created HAL device for driver %q", driver)
	return &Device{ptr: ptr}, nil
}

// Release drops the device reference.
func (d *Device) Release() {
	if d.ptr != nil {
		C.iree_hal_device_release(d.ptr)
		d.ptr = nil
	}
}

// Session is a per-graph VM context: the HAL module plus the graph's
// compiled bytecode module.
type Session struct {
	ptr *C.iree_runtime_session_t
}

// NewSession creates a session bound to the device.
func NewSession(i *Instance, d *Device) (*Session, error) {
	var ptr *C.iree_runtime_session_t
	if err := statusErr(status.DeviceError, C.sessionCreate(i.ptr, d.ptr, &ptr),
		"creating runtime session"); err != nil {
		return nil, err
	}
	return &Session{ptr: ptr}, nil
}

// AppendBytecodeModule loads a compiled vmfb into the session. The bytes
// are copied; the Go slice need not outlive the call.
func (s *Session) AppendBytecodeModule(vmfb []byte) error {
	data := C.CBytes(vmfb) // Freed by the module's allocator.
	st := C.sessionAppendModule(s.ptr, data, C.size_t(len(vmfb)))
	if !C.iree_status_is_ok(st) {
		C.free(data)
	}
	return statusErr(status.LinkingFailed, st, "loading vmfb module")
}

// LookupFunctionAttr returns a reflection attribute of the named
// function ("module.main"), or "" when the attribute is absent. A
// missing function is an error.
func (s *Session) LookupFunctionAttr(function, attr string) (string, error) {
	cfunc := C.CString(function)
	defer C.free(unsafe.Pointer(cfunc))
	cattr := C.CString(attr)
	defer C.free(unsafe.Pointer(cattr))
	var st C.iree_status_t
	value := C.lookupAttr(s.ptr, cfunc, cattr, &st)
	if err := statusErr(status.SymbolNotFound, st, "looking up "+function); err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	defer C.free(unsafe.Pointer(value))
	return C.GoString(value), nil
}

// HasFunction reports whether the named function exists in the session.
func (s *Session) HasFunction(function string) bool {
	_, err := s.LookupFunctionAttr(function, "iree.abi.declaration")
	return err == nil
}

// Release drops the session reference.
func (s *Session) Release() {
	if s.ptr != nil {
		C.iree_runtime_session_release(s.ptr)
		s.ptr = nil
	}
}

// Buffer is a device-resident HAL buffer view.
type Buffer struct {
	ptr    *C.iree_hal_buffer_view_t
	device *Device
	size   int64
}

func halDims(dims []int64) (*C.iree_hal_dim_t, C.size_t) {
	if len(dims) == 0 {
		return nil, 0
	}
	cdims := make([]C.iree_hal_dim_t, len(dims))
	for i, d := range dims {
		cdims[i] = C.iree_hal_dim_t(d)
	}
	return &cdims[0], C.size_t(len(dims))
}

// AllocateBuffer allocates an uninitialized device-local buffer of the
// given shape.
func (d *Device) AllocateBuffer(dims []int64, elem ElementType, sizeBytes int64) (*Buffer, error) {
	cdims, rank := halDims(dims)
	var ptr *C.iree_hal_buffer_view_t
	st := C.bufferAllocate(d.ptr, cdims, rank, elem.hal(), &ptr)
	runtime.KeepAlive(dims)
	if err := statusErr(status.DeviceError, st, "allocating device buffer"); err != nil {
		return nil, err
	}
	return &Buffer{ptr: ptr, device: d, size: sizeBytes}, nil
}

// ImportBuffer allocates a device-local buffer initialized with host
// data.
func (d *Device) ImportBuffer(dims []int64, elem ElementType, data []byte) (*Buffer, error) {
	cdims, rank := halDims(dims)
	var ptr *C.iree_hal_buffer_view_t
	st := C.bufferImport(d.ptr, cdims, rank, elem.hal(),
		unsafe.Pointer(&data[0]), C.size_t(len(data)), &ptr)
	runtime.KeepAlive(data)
	runtime.KeepAlive(dims)
	if err := statusErr(status.DeviceError, st, "importing host data"); err != nil {
		return nil, err
	}
	return &Buffer{ptr: ptr, device: d, size: int64(len(data))}, nil
}

// SizeBytes returns the buffer's byte size.
func (b *Buffer) SizeBytes() int64 { return b.size }

// Read copies the buffer device-to-host into dst, blocking until any
// pending device work producing the buffer completes.
func (b *Buffer) Read(dst []byte) error {
	if int64(len(dst)) < b.size {
		return status.Errorf(status.DeviceError,
			"read destination holds %d bytes, buffer has %d", len(dst), b.size)
	}
	st := C.bufferRead(b.device.ptr, b.ptr, unsafe.Pointer(&dst[0]),
		C.size_t(b.size))
	runtime.KeepAlive(dst)
	return statusErr(status.DeviceError, st, "reading device buffer")
}

// Release drops the buffer view reference.
func (b *Buffer) Release() {
	if b.ptr != nil {
		C.iree_hal_buffer_view_release(b.ptr)
		b.ptr = nil
	}
}

// Call is a single invocation of a session function.
type Call struct {
	call C.iree_runtime_call_t
}

// NewCall prepares an invocation of the named function ("module.main").
func (s *Session) NewCall(function string) (*Call, error) {
	cfunc := C.CString(function)
	defer C.free(unsafe.Pointer(cfunc))
	c := &Call{}
	st := C.iree_runtime_call_initialize_by_name(
		s.ptr, C.iree_make_cstring_view(cfunc), &c.call)
	if err := statusErr(status.SymbolNotFound, st, "resolving "+function); err != nil {
		return nil, err
	}
	return c, nil
}

// PushBuffer appends a buffer view argument.
func (c *Call) PushBuffer(b *Buffer) error {
	st := C.iree_runtime_call_inputs_push_back_buffer_view(&c.call, b.ptr)
	return statusErr(status.DeviceError, st, "pushing buffer argument")
}

// PushNull appends a null ref argument (absent workspace).
func (c *Call) PushNull() error {
	return statusErr(status.DeviceError, C.callPushNull(&c.call),
		"pushing null argument")
}

// PushRawBuffer appends the buffer view's backing !hal.buffer, the form
// the workspace argument takes.
func (c *Call) PushRawBuffer(b *Buffer) error {
	return statusErr(status.DeviceError, C.callPushRawBuffer(&c.call, b.ptr),
		"pushing workspace buffer")
}

// PushDummyFence appends an empty, already-satisfied fence argument.
func (c *Call) PushDummyFence() error {
	return statusErr(status.DeviceError, C.callPushDummyFence(&c.call),
		"pushing dummy fence")
}

// Invoke runs the function synchronously.
func (c *Call) Invoke() error {
	st := C.iree_runtime_call_invoke(&c.call, 0)
	return statusErr(status.DeviceError, st, "invoking function")
}

// Release frees the call's argument lists.
func (c *Call) Release() {
	C.iree_runtime_call_deinitialize(&c.call)
}
