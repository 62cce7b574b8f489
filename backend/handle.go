package backend

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/internal/ireert"
	"github.com/nod-ai/fusilli/types/status"
)

// One IREE runtime instance serves the whole process; handles share it
// by refcount so drivers are registered once and torn down when the
// last handle closes.
var (
	instanceMu   sync.Mutex
	instance     *ireert.Instance
	instanceRefs int
)

func acquireInstance() (*ireert.Instance, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		inst, err := ireert.NewInstance()
		if err != nil {
			return nil, err
		}
		instance = inst
	}
	instanceRefs++
	return instance, nil
}

func releaseInstance() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instanceRefs--
	if instanceRefs == 0 {
		instance.Release()
		instance = nil
	}
}

// Handle owns a device on one backend. All compilation and execution
// for a graph happens through a handle; a handle is safe for
// concurrent use, but buffers and executables created through it must
// not outlive it.
type Handle struct {
	backend  Backend
	instance *ireert.Instance
	device   *ireert.Device

	mu     sync.Mutex
	closed bool
}

// NewHandle opens a device on the given backend.
func NewHandle(b Backend) (*Handle, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if !ireert.Available() {
		return nil, status.Errorf(status.LibraryNotLoaded,
			"IREE runtime not linked into this build; %s handle unavailable", b)
	}
	inst, err := acquireInstance()
	if err != nil {
		return nil, err
	}
	device, err := inst.CreateDevice(b.HalDriver())
	if err != nil {
		releaseInstance()
		return nil, status.Wrapf(status.DeviceError, err,
			"creating %s device (driver %q)", b, b.HalDriver())
	}
	klog.V(1).Infof("Opened %s handle (driver %s)", b, b.HalDriver())
	return &Handle{backend: b, instance: inst, device: device}, nil
}

// Backend reports the backend this handle targets.
func (h *Handle) Backend() Backend { return h.backend }

func (h *Handle) checkOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return status.Errorf(status.DeviceError, "handle is closed")
	}
	return nil
}

// Close releases the device and drops the handle's reference on the
// shared runtime instance. Close is idempotent.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.device.Release()
	releaseInstance()
}
