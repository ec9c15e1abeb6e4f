package tracking

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ImageResolver resolves a process id to the path of its executable image.
type ImageResolver interface {
	ImagePath(pid PID) (string, error)
}

// ResolverFunc adapts a function to ImageResolver.
type ResolverFunc func(pid PID) (string, error)

// ImagePath calls f(pid).
func (f ResolverFunc) ImagePath(pid PID) (string, error) {
	return f(pid)
}

// ErrNoImage is returned when a process has no resolvable image path,
// typically a kernel thread or a process that already exited.
var ErrNoImage = errors.New("no image path")

// ProcfsResolver resolves image paths from a procfs mount.
type ProcfsResolver struct {
	// Root is the procfs mount point. Defaults to /proc.
	Root string
}

// NewProcfsResolver returns a resolver backed by /proc.
func NewProcfsResolver() *ProcfsResolver {
	return &ProcfsResolver{Root: "/proc"}
}

// ImagePath reads the exe link of pid, falling back to argv[0] from its
// cmdline when the link is unreadable (insufficient privileges).
func (r *ProcfsResolver) ImagePath(pid PID) (string, error) {
	procDir := filepath.Join(r.root(), strconv.FormatUint(uint64(pid), 10))

	if exe, err := os.Readlink(filepath.Join(procDir, "exe")); err == nil && exe != "" {
		return exe, nil
	}

	cmdline, err := os.ReadFile(filepath.Join(procDir, "cmdline"))
	if err != nil {
		return "", fmt.Errorf("resolving image of pid %d: %w", pid, err)
	}

	argv0, _, _ := bytes.Cut(cmdline, []byte{0})
	if len(argv0) == 0 {
		return "", fmt.Errorf("resolving image of pid %d: %w", pid, ErrNoImage)
	}
	return string(argv0), nil
}

func (r *ProcfsResolver) root() string {
	if r.Root == "" {
		return "/proc"
	}
	return r.Root
}
