package rootfs

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/moby/sys/mountinfo"
)

// mountsUnder reads the mount table of the calling thread: once a sandbox
// is attached, mount namespaces differ between the threads of the process.
func mountsUnder(path string) ([]string, error) {
	filter := mountinfo.PrefixFilter(filepath.Clean(path))

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var infos []*mountinfo.Info
	f, err := os.Open("/proc/thread-self/mountinfo")
	if err != nil {
		infos, err = mountinfo.GetMounts(filter)
	} else {
		defer f.Close()
		infos, err = mountinfo.GetMountsFromReader(f, filter)
	}
	if err != nil {
		return nil, err
	}
	return mountpoints(infos), nil
}

func mountpoints(infos []*mountinfo.Info) []string {
	points := make([]string, 0, len(infos))
	for _, info := range infos {
		points = append(points, info.Mountpoint)
	}
	return points
}
