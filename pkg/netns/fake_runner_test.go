package netns

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// fakeRunner simulates just enough of `ip` command behavior to exercise
// LinuxIsolator's idempotent start/stop/monitor logic without real
// network syscalls.
type fakeRunner struct {
	namespaces map[string]bool
	// interfaceNetns maps interface name -> netns it lives in ("" = root/unmoved).
	interfaceNetns map[string]string
	// addresses maps "netns/ifName" -> set of assigned CIDRs.
	addresses map[string]map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		namespaces:     make(map[string]bool),
		interfaceNetns: make(map[string]string),
		addresses:      make(map[string]map[string]bool),
	}
}

var errNotFound = errors.New("not found")

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if name != "ip" {
		return nil, fmt.Errorf("unexpected command %s", name)
	}

	ns := ""
	if len(args) >= 2 && args[0] == "netns" && args[1] == "exec" {
		ns = args[2]
		args = args[4:] // drop "netns exec <svm> ip"
	}

	switch {
	case len(args) >= 2 && args[0] == "netns" && args[1] == "add":
		f.namespaces[args[2]] = true
		return nil, nil

	case len(args) >= 2 && args[0] == "netns" && args[1] == "delete":
		delete(f.namespaces, args[2])
		return nil, nil

	case len(args) >= 2 && args[0] == "netns" && args[1] == "list":
		var sb strings.Builder
		for n := range f.namespaces {
			sb.WriteString(n + "\n")
		}
		return []byte(sb.String()), nil

	case len(args) >= 6 && args[0] == "link" && args[1] == "add":
		// ip link add link <parent> name <ifName> type vlan id <id>
		ifName := args[5]
		if _, ok := f.interfaceNetns[ifName]; !ok {
			f.interfaceNetns[ifName] = ""
		}
		return nil, nil

	case len(args) >= 3 && args[0] == "link" && args[1] == "set" && args[2] == "netns":
		return nil, fmt.Errorf("malformed link set netns args")

	case len(args) >= 4 && args[0] == "link" && args[1] == "set" && args[3] == "netns":
		// ip link set <ifName> netns <svm>
		ifName, target := args[2], args[4]
		f.interfaceNetns[ifName] = target
		return nil, nil

	case len(args) >= 2 && args[0] == "link" && args[1] == "set":
		// ip [netns exec <ns>] link set <ifName> mtu <n> up
		return nil, nil

	case len(args) >= 3 && args[0] == "link" && args[1] == "show":
		ifName := args[2]
		if loc, ok := f.interfaceNetns[ifName]; ok && loc == ns {
			return []byte(ifName + ": <UP>"), nil
		}
		return nil, errNotFound

	case len(args) >= 5 && args[0] == "addr" && args[1] == "add":
		// ip netns exec <ns> ip addr add <addr> dev <ifName>
		addr, ifName := args[2], args[4]
		key := ns + "/" + ifName
		if f.addresses[key] == nil {
			f.addresses[key] = make(map[string]bool)
		}
		f.addresses[key][addr] = true
		return nil, nil

	case len(args) >= 3 && args[0] == "addr" && args[1] == "show":
		ifName := args[2]
		key := ns + "/" + ifName
		var sb strings.Builder
		for addr := range f.addresses[key] {
			sb.WriteString(addr + "\n")
		}
		return []byte(sb.String()), nil

	case len(args) >= 2 && args[0] == "route":
		return nil, nil
	}

	return nil, fmt.Errorf("fakeRunner: unhandled ip args %v", args)
}
