package storagestack

import (
	"context"
	"fmt"
	"strings"
)

// fakeRunner models just enough of lvcreate/mkfs.xfs/mount/xfs_quota/cp
// behavior to exercise LVMXFSStack's idempotency and quota logic
// without touching a real block device.
type fakeRunner struct {
	lvs       map[string]bool
	formatted map[string]bool
	mounted   map[string]bool
	paths     map[string]bool

	// projectOwner maps project id -> the relPath it is assigned to.
	projectOwner map[uint32]string
	quotaLimit   map[uint32]int64
	quotaUsed    map[uint32]int64

	// forceCollisionFor makes deriveProjectID's first candidate for this
	// relPath appear to already belong to a different path, forcing a
	// collision retry.
	forceCollisionFor string

	vgSize int64
	vgFree int64
	dfUsed int64
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		lvs:          make(map[string]bool),
		formatted:    make(map[string]bool),
		mounted:      make(map[string]bool),
		paths:        make(map[string]bool),
		projectOwner: make(map[uint32]string),
		quotaLimit:   make(map[uint32]int64),
		quotaUsed:    make(map[uint32]int64),
	}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	switch name {
	case "lvcreate":
		lv := lvFromCreateArgs(args)
		f.lvs[lv] = true
		return nil, nil
	case "lvs":
		if f.lvs[args[0]] {
			return []byte(args[0]), nil
		}
		return nil, fmt.Errorf("lv not found")
	case "lvextend":
		return nil, nil
	case "lvremove":
		delete(f.lvs, args[len(args)-1])
		return nil, nil
	case "mkfs.xfs":
		lv := args[len(args)-1]
		f.formatted[lv] = true
		return nil, nil
	case "blkid":
		lv := args[len(args)-1]
		if f.formatted[lv] {
			return []byte("xfs"), nil
		}
		return nil, fmt.Errorf("no filesystem")
	case "mkdir":
		f.paths[args[len(args)-1]] = true
		return nil, nil
	case "mount":
		f.mounted[args[len(args)-1]] = true
		return nil, nil
	case "umount":
		delete(f.mounted, args[0])
		return nil, nil
	case "findmnt":
		if f.mounted[args[0]] {
			return []byte(args[0]), nil
		}
		return nil, fmt.Errorf("not mounted")
	case "xfs_growfs":
		return nil, nil
	case "rm":
		delete(f.paths, args[len(args)-1])
		return nil, nil
	case "test":
		if f.paths[args[len(args)-1]] {
			return nil, nil
		}
		return nil, fmt.Errorf("does not exist")
	case "cp":
		dst := args[len(args)-1]
		f.paths[dst] = true
		return nil, nil
	case "xfs_quota":
		return f.runXFSQuota(args)
	case "vgs":
		return []byte(fmt.Sprintf("%d %d", f.vgSize, f.vgFree)), nil
	case "df":
		return []byte(fmt.Sprintf("Used\n%d", f.dfUsed)), nil
	}
	return nil, fmt.Errorf("fakeRunner: unhandled command %s %v", name, args)
}

func lvFromCreateArgs(args []string) string {
	// lvcreate --thin -V <size>b -n <name> <vg>/<pool> -> reconstruct the
	// same /dev/<vg>/<name> path LVMXFSStack.lvPath derives, so lvExists
	// lookups by path hit the same key this records under.
	var name string
	for i, a := range args {
		if a == "-n" && i+1 < len(args) {
			name = args[i+1]
		}
	}
	vgPool := args[len(args)-1]
	vg := strings.SplitN(vgPool, "/", 2)[0]
	return fmt.Sprintf("/dev/%s/%s", vg, name)
}

func (f *fakeRunner) runXFSQuota(args []string) ([]byte, error) {
	// args: -x -c "<subcommand...>" <mountPath>
	cmd := args[2]

	switch {
	case strings.HasPrefix(cmd, "project -p "):
		var id uint32
		fmt.Sscanf(cmd, "project -p %d", &id)
		if f.forceCollisionFor != "" && id == deriveProjectID(args[3], f.forceCollisionFor, 0) {
			return []byte("collision-owner"), nil
		}
		owner, ok := f.projectOwner[id]
		if !ok {
			return nil, fmt.Errorf("project %d unassigned", id)
		}
		return []byte(owner), nil

	case strings.HasPrefix(cmd, "project -s -p "):
		var path string
		var id uint32
		fmt.Sscanf(cmd, "project -s -p %s %d", &path, &id)
		f.projectOwner[id] = path
		return nil, nil

	case strings.HasPrefix(cmd, "limit -p "):
		var limit int64
		var id uint32
		fmt.Sscanf(cmd, "limit -p bhard=%d %d", &limit, &id)
		f.quotaLimit[id] = limit
		return nil, nil

	case strings.HasPrefix(cmd, "report -p -N "):
		var id uint32
		fmt.Sscanf(cmd, "report -p -N %d", &id)
		return []byte(fmt.Sprintf("%d %d", f.quotaUsed[id], f.quotaLimit[id])), nil
	}
	return nil, fmt.Errorf("fakeRunner: unhandled xfs_quota command %q", cmd)
}
