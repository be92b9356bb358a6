// Package platform detects the host OS flavour for doctor hints and decides
// whether filesystem watches can be trusted.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform. The result is cached.
func Detect() Platform {
	detectOnce.Do(func() {
		detected = detect(runtime.GOOS, os.Getenv("WSL_DISTRO_NAME"), readProcVersion())
	})
	return detected
}

func readProcVersion() string {
	b, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	return string(b)
}

func detect(goos, wslDistro, procVersion string) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
	default:
		return PlatformUnknown
	}

	if wslDistro == "" && !strings.Contains(strings.ToLower(procVersion), "microsoft") {
		return PlatformLinux
	}
	// WSL2 kernels are built as "microsoft-standard"; WSL1 reports "Microsoft".
	if strings.Contains(procVersion, "microsoft-standard") {
		return PlatformWSL2
	}
	if strings.Contains(procVersion, "Microsoft") {
		return PlatformWSL1
	}
	if _, err := os.Stat("/run/WSL"); err == nil {
		return PlatformWSL2
	}
	return PlatformWSL1
}

// IsWSL reports whether we run under either WSL version.
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// TmuxInstallHint is the doctor suggestion when tmux is missing.
func TmuxInstallHint(p Platform) string {
	switch p {
	case PlatformMacOS:
		return "brew install tmux"
	case PlatformLinux, PlatformWSL2:
		return "sudo apt install tmux (or your distribution's package manager)"
	case PlatformWSL1:
		return "sudo apt install tmux; WSL1 tmux is unreliable, upgrade to WSL2 if you can"
	case PlatformWindows:
		return "tmux needs WSL2 on Windows"
	default:
		return "install tmux 3.0 or newer"
	}
}

// CheckFsnotifySupport returns a warning when path sits on a filesystem
// where inotify events are lost (9p, NFS, CIFS, SSHFS). Empty means the
// watch can be trusted; session discovery falls back to polling otherwise.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return fsnotifyWarning(mountFsType(string(mounts), abs))
}

// mountFsType returns the filesystem type of the longest mount point
// containing path.
func mountFsType(mounts, path string) string {
	var best, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mp := fields[1]
		if !under(path, mp) || len(mp) <= len(best) {
			continue
		}
		best, fsType = mp, fields[2]
	}
	return fsType
}

func under(path, mountPoint string) bool {
	if mountPoint == "/" {
		return true
	}
	return path == mountPoint || strings.HasPrefix(path, mountPoint+"/")
}

func fsnotifyWarning(fsType string) string {
	switch {
	case fsType == "9p":
		return "9p mount (WSL2 Windows filesystem): file watches disabled, discovery polls"
	case fsType == "nfs" || fsType == "nfs4":
		return "NFS mount: file watches may miss events, discovery polls"
	case fsType == "cifs" || fsType == "smbfs":
		return "CIFS/SMB mount: file watches may miss events, discovery polls"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "SSHFS mount: file watches disabled, discovery polls"
	}
	return ""
}
