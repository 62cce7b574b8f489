package backend

import (
	"strconv"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/internal/ireert"
	"github.com/nod-ai/fusilli/types/status"
)

const (
	mainFunction      = "module.main"
	mainAsyncFunction = "module.main$async"

	// Reflection attrs the compiler stamps on the async entry point
	// when transients are externalized.
	transientsSizeConstantAttr = "iree.abi.transients.size.constant"
	transientsSizeDynamicAttr  = "iree.abi.transients.size"
)

// Executable is a compiled graph loaded onto a handle's device, ready
// to invoke.
type Executable struct {
	session       *ireert.Session
	entryPoint    string
	async         bool
	workspaceSize int64
}

// LoadExecutable loads compiled VM bytecode onto the handle's device.
// On AMDGPU the async entry point is used so execution is
// stream-ordered on the device's HIP queue.
func (h *Handle) LoadExecutable(vmfb []byte) (*Executable, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	session, err := ireert.NewSession(h.instance, h.device)
	if err != nil {
		return nil, status.Wrapf(status.DeviceError, err, "creating session")
	}
	if err := session.AppendBytecodeModule(vmfb); err != nil {
		session.Release()
		return nil, status.Wrapf(status.DeviceError, err, "loading module")
	}

	e := &Executable{session: session, entryPoint: mainFunction}
	if h.backend.Async() {
		if !session.HasFunction(mainAsyncFunction) {
			session.Release()
			return nil, status.Errorf(status.SymbolNotFound,
				"module has no %s entry point", mainAsyncFunction)
		}
		e.entryPoint = mainAsyncFunction
		e.async = true
	}

	size, err := workspaceSizeFromReflection(session)
	if err != nil {
		session.Release()
		return nil, err
	}
	e.workspaceSize = size
	klog.V(1).Infof("Loaded executable (entry %s, workspace %d bytes)",
		e.entryPoint, e.workspaceSize)
	return e, nil
}

// workspaceSizeFromReflection reads the externalized transients size
// off the module's async entry point. The size must be static; graphs
// whose transient size depends on runtime values are not supported.
func workspaceSizeFromReflection(session *ireert.Session) (int64, error) {
	fn := mainAsyncFunction
	if !session.HasFunction(fn) {
		fn = mainFunction
	}
	if v, err := session.LookupFunctionAttr(fn, transientsSizeConstantAttr); err != nil {
		return 0, err
	} else if v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, status.Errorf(status.DeviceError,
				"malformed %s attr %q", transientsSizeConstantAttr, v)
		}
		return size, nil
	}
	if v, err := session.LookupFunctionAttr(fn, transientsSizeDynamicAttr); err != nil {
		return 0, err
	} else if v != "" {
		return 0, status.Errorf(status.Unimplemented,
			"module requires a dynamically sized workspace")
	}
	return 0, nil
}

// WorkspaceSize reports the scratch memory in bytes the caller must
// provide to Invoke. Zero means no workspace is needed.
func (e *Executable) WorkspaceSize() int64 { return e.workspaceSize }

// Invoke runs the executable with args already in entry point order.
// The workspace slot is always part of the signature: a buffer of at
// least WorkspaceSize when that is positive, else a null ref.
func (e *Executable) Invoke(args []*Buffer, workspace *Buffer) error {
	call, err := e.session.NewCall(e.entryPoint)
	if err != nil {
		return err
	}
	defer call.Release()

	for _, arg := range args {
		if err := call.PushBuffer(arg.buf); err != nil {
			return err
		}
	}

	if e.workspaceSize > 0 {
		if workspace == nil {
			return status.Errorf(status.DeviceError,
				"executable requires a %d-byte workspace, none provided",
				e.workspaceSize)
		}
		if workspace.SizeBytes() < e.workspaceSize {
			return status.Errorf(status.DeviceError,
				"workspace is %d bytes, executable requires %d",
				workspace.SizeBytes(), e.workspaceSize)
		}
		if err := call.PushRawBuffer(workspace.buf); err != nil {
			return err
		}
	} else {
		if workspace != nil {
			klog.Warningf("Executable requires no workspace; ignoring the provided buffer")
		}
		if err := call.PushNull(); err != nil {
			return err
		}
	}

	if e.async {
		// Wait and signal fences. Execution is synchronized on the
		// device queue, so empty fences suffice.
		for i := 0; i < 2; i++ {
			if err := call.PushDummyFence(); err != nil {
				return err
			}
		}
	}

	return call.Invoke()
}

// Close releases the executable's session. The handle stays open.
func (e *Executable) Close() {
	if e.session != nil {
		e.session.Release()
		e.session = nil
	}
}
