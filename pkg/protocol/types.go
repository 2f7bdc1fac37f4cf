package protocol

import (
	"syscall"
)

// RestartPolicy tells the agent what to do when a pod's containers exit.
type RestartPolicy uint8

const (
	RestartNever RestartPolicy = iota
	RestartAlways
	RestartOnFailure
)

func (p RestartPolicy) String() string {
	switch p {
	case RestartAlways:
		return "always"
	case RestartOnFailure:
		return "onFailure"
	default:
		return "never"
	}
}

// PodSpec is the payload of a STARTPOD message.
type PodSpec struct {
	Hostname      string
	ShareTag      string // 9p mount tag of the shared directory
	RestartPolicy RestartPolicy
	Containers    []*Container
	Interfaces    []NetworkInterface
	Routes        []Route
	DNS           []string
}

// Container is a container to create inside the pod.
type Container struct {
	ID       string
	Rootfs   string
	Image    string
	SCSIAddr string
	Fstype   string
	Workdir  string
	Volumes  []Volume
	FsMap    []FsMapEntry
	Envs     []EnvEntry
	Sysctls  []SysctlEntry

	// Process is the container's init process. Its ContainerID mirrors
	// ID and Init is always set.
	Process Process
}

// Process describes a process to launch, either a container's init
// process or an EXECCMD request.
type Process struct {
	ContainerID string // empty for a pod-level process
	Seq         uint64 // tty stream carrying stdout (and stdin)
	ErrSeq      uint64 // separate stderr stream, 0 when merged into Seq
	Argv        []string
	Init        bool
}

// Volume is a block device to mount into a container.
type Volume struct {
	Device     string
	Mountpoint string
	Fstype     string
	SCSIAddr   string
	ReadOnly   bool
}

// FsMapEntry bind-mounts a path from the shared directory.
type FsMapEntry struct {
	Source   string
	Path     string
	ReadOnly bool
}

// EnvEntry is one environment variable of a container.
type EnvEntry struct {
	Name  string
	Value string
}

// SysctlEntry is one kernel parameter. Key is a path relative to
// /proc/sys, e.g. "net/ipv4/ip_forward".
type SysctlEntry struct {
	Key   string
	Value string
}

// NetworkInterface configures one guest NIC.
type NetworkInterface struct {
	Device    string
	IPAddress string
	NetMask   string
}

// Route is one entry of the guest routing table. Every field is optional.
type Route struct {
	Dest    string
	Gateway string
	Device  string
}

// KillRequest is the payload of a KILLCONTAINER message.
type KillRequest struct {
	ContainerID string
	Signal      syscall.Signal
}

// WinSize is the payload of a WINSIZE message.
type WinSize struct {
	TTY    string
	Seq    uint64
	Row    uint16
	Column uint16
}

// WriteFileRequest is the payload of a WRITEFILE message. Data is copied
// verbatim from the bytes following the JSON header.
type WriteFileRequest struct {
	ContainerID string
	File        string
	Data        []byte
}

// ReadFileRequest is the payload of a READFILE message.
type ReadFileRequest struct {
	ContainerID string
	File        string
}
