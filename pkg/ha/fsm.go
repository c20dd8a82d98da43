package ha

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// groupFSM is the Raft finite state machine that replicates resource
// group placement decisions across the two HA nodes, generalized from
// cuemby-warren's command-dispatch FSM pattern.
type groupFSM struct {
	mu     sync.RWMutex
	groups map[string]*groupRecord
}

type groupRecord struct {
	Spec   GroupSpec
	Status Status
	Node   string
}

func newGroupFSM() *groupFSM {
	return &groupFSM{groups: make(map[string]*groupRecord)}
}

// command is a replicated log entry: an operation name plus its
// JSON-encoded payload.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opEnsureGroup = "ensure_group"
	opRemoveGroup = "remove_group"
	opMoveGroup   = "move_group"
)

func (f *groupFSM) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal ha command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opEnsureGroup:
		var payload struct {
			Spec GroupSpec
			Node string
		}
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return err
		}
		f.groups[payload.Spec.SVM] = &groupRecord{Spec: payload.Spec, Status: StatusStarted, Node: payload.Node}
		return nil

	case opRemoveGroup:
		var svm string
		if err := json.Unmarshal(cmd.Data, &svm); err != nil {
			return err
		}
		delete(f.groups, svm)
		return nil

	case opMoveGroup:
		var payload struct {
			SVM  string
			Node string
		}
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return err
		}
		rec, ok := f.groups[payload.SVM]
		if !ok {
			return fmt.Errorf("group %s not found", payload.SVM)
		}
		rec.Node = payload.Node
		rec.Status = StatusStarted
		return nil

	default:
		return fmt.Errorf("unknown ha command: %s", cmd.Op)
	}
}

func (f *groupFSM) status(svm string) (Status, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.groups[svm]
	if !ok {
		return StatusStopped, false
	}
	return rec.Status, true
}

func (f *groupFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	groups := make(map[string]*groupRecord, len(f.groups))
	for k, v := range f.groups {
		cp := *v
		groups[k] = &cp
	}
	return &groupSnapshot{groups: groups}, nil
}

func (f *groupFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var groups map[string]*groupRecord
	if err := json.NewDecoder(rc).Decode(&groups); err != nil {
		return fmt.Errorf("decode ha snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = groups
	return nil
}

type groupSnapshot struct {
	groups map[string]*groupRecord
}

func (s *groupSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		return enc.Encode(s.groups)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *groupSnapshot) Release() {}
