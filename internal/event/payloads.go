package event

import "strings"

// FileOperation is the I/O request a filesystem event was raised for.
type FileOperation uint8

const (
	FileCreate FileOperation = iota + 1
	FileRead
	FileWrite
)

func (o FileOperation) String() string {
	switch o {
	case FileCreate:
		return "create"
	case FileRead:
		return "read"
	case FileWrite:
		return "write"
	default:
		return "unknown"
	}
}

// IOContext describes the intercepted I/O request.
type IOContext struct {
	Path   string
	Flags  uint32
	Length uint64
	Raw    []byte
}

// FilesystemEvent is raised before a tracked process's create, read or
// write request proceeds.
type FilesystemEvent struct {
	Operation    FileOperation
	RequestorPID uint32
	Context      IOContext
}

func (FilesystemEvent) Kind() Kind { return KindFilesystem }

func (e FilesystemEvent) action() string { return "fs." + e.Operation.String() }

func (e FilesystemEvent) clone() Payload {
	e.Context.Path = strings.Clone(e.Context.Path)
	e.Context.Raw = cloneBytes(e.Context.Raw)
	return e
}

// ImageInfo is loader metadata about a mapped image.
type ImageInfo struct {
	Base  uint64
	Size  uint64
	Flags uint32
	Raw   []byte
}

// ImageLoadEvent is raised when an executable image is mapped into a
// tracked process.
type ImageLoadEvent struct {
	FullImagePath string
	ProcessID     uint32
	ImageInfo     ImageInfo
}

func (ImageLoadEvent) Kind() Kind { return KindImageLoad }

func (ImageLoadEvent) action() string { return "image.load" }

func (e ImageLoadEvent) clone() Payload {
	e.FullImagePath = strings.Clone(e.FullImagePath)
	e.ImageInfo.Raw = cloneBytes(e.ImageInfo.Raw)
	return e
}

// RegistryOperation describes a registry mutation as reported by the host.
type RegistryOperation struct {
	// ActorPID is the process performing the operation.
	ActorPID  uint32
	KeyPath   string
	ValueName string
	ValueType uint32
	Data      []byte
}

// RegistryEvent is raised when a tracked process sets or deletes a value.
type RegistryEvent struct {
	NotifyClass NotifyClass
	Operation   RegistryOperation
}

func (RegistryEvent) Kind() Kind { return KindRegistry }

func (e RegistryEvent) action() string { return "registry." + e.NotifyClass.String() }

func (e RegistryEvent) clone() Payload {
	e.Operation.KeyPath = strings.Clone(e.Operation.KeyPath)
	e.Operation.ValueName = strings.Clone(e.Operation.ValueName)
	e.Operation.Data = cloneBytes(e.Operation.Data)
	return e
}

// ProcessLifecycleEvent is raised when a tracked process or one of its
// threads starts (Active) or exits.
type ProcessLifecycleEvent struct {
	ParentID uint32
	// ID is a pid, or a tid when IsThread is set.
	ID       uint32
	IsThread bool
	Active   bool
}

func (ProcessLifecycleEvent) Kind() Kind { return KindProcess }

func (e ProcessLifecycleEvent) action() string {
	subject := "process"
	if e.IsThread {
		subject = "thread"
	}
	if e.Active {
		return subject + ".start"
	}
	return subject + ".exit"
}

func (e ProcessLifecycleEvent) clone() Payload { return e }
