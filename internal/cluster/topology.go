package cluster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	topologyFileName     = "nodes.conf"
	topologyVersion      = 1
	saveDebounceDuration = 100 * time.Millisecond
)

// PersistedTopology is the durable form of the cluster view. On restart it
// is the sole source of identity and topology priors; gossip reconciles
// from there.
type PersistedTopology struct {
	Version       int             `json:"version"`
	Myself        string          `json:"myself"`
	CurrentEpoch  uint64          `json:"current_epoch"`
	LastVoteEpoch uint64          `json:"last_vote_epoch"`
	Nodes         []PersistedNode `json:"nodes"`
}

// PersistedNode is one node record in nodes.conf.
type PersistedNode struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	CPort       int    `json:"cport"`
	Flags       uint16 `json:"flags"`
	ConfigEpoch uint64 `json:"config_epoch"`
	Master      string `json:"master,omitempty"`
	SlotsText   string `json:"slots,omitempty"`
}

// Topology persists the cluster view with debounced atomic-rename writes.
type Topology struct {
	dataDir string
	state   *State

	dirty atomic.Bool
	mu    sync.Mutex

	saveCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
	log    hclog.Logger
}

// NewTopology creates the persister and starts its save loop.
func NewTopology(dataDir string, state *State, logger hclog.Logger) (*Topology, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	t := &Topology{
		dataDir: dataDir,
		state:   state,
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
		log:     logger.Named("topology"),
	}
	state.SetDirtyHook(t.MarkDirty)
	t.wg.Add(1)
	go t.saveLoop()
	return t, nil
}

func (t *Topology) saveLoop() {
	defer t.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-t.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(saveDebounceDuration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if t.dirty.Load() {
				if err := t.save(); err != nil {
					t.log.Error("topology save failed", "error", err)
				}
			}

		case <-t.doneCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// MarkDirty schedules a debounced save.
func (t *Topology) MarkDirty() {
	if t.dirty.CompareAndSwap(false, true) {
		select {
		case t.saveCh <- struct{}{}:
		default:
		}
	}
}

// FilePath returns the nodes.conf location.
func (t *Topology) FilePath() string {
	return filepath.Join(t.dataDir, topologyFileName)
}

func (t *Topology) snapshot() *PersistedTopology {
	st := t.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	pt := &PersistedTopology{
		Version:       topologyVersion,
		Myself:        st.myself.Name,
		CurrentEpoch:  st.currentEpoch,
		LastVoteEpoch: st.lastVoteEpoch,
	}
	for _, n := range st.nodes {
		pt.Nodes = append(pt.Nodes, PersistedNode{
			Name:        n.Name,
			IP:          n.IP,
			Port:        n.Port,
			CPort:       n.CPort,
			Flags:       uint16(n.Flags &^ FlagMyself),
			ConfigEpoch: n.ConfigEpoch,
			Master:      n.MasterName,
			SlotsText:   n.Slots.String(),
		})
	}
	return pt
}

func (t *Topology) save() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.MarshalIndent(t.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}

	path := t.FilePath()
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if f, err := os.OpenFile(tempPath, os.O_RDONLY, 0); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename topology file: %w", err)
	}
	t.dirty.Store(false)
	return nil
}

// Save forces a synchronous write.
func (t *Topology) Save() error {
	return t.save()
}

// Load restores the cluster view from nodes.conf. Missing file is not an
// error: the node starts with a fresh identity.
func (t *Topology) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.FilePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read topology file: %w", err)
	}

	var pt PersistedTopology
	if err := json.Unmarshal(data, &pt); err != nil {
		return fmt.Errorf("unmarshal topology: %w", err)
	}
	if pt.Version != topologyVersion {
		return fmt.Errorf("unsupported topology version: %d", pt.Version)
	}
	return t.restore(&pt)
}

func (t *Topology) restore(pt *PersistedTopology) error {
	st := t.state
	st.mu.Lock()
	defer st.mu.Unlock()

	st.currentEpoch = pt.CurrentEpoch
	st.lastVoteEpoch = pt.LastVoteEpoch

	for _, pn := range pt.Nodes {
		bm, err := ParseSlotText(pn.SlotsText)
		if err != nil {
			return fmt.Errorf("node %s slots: %w", pn.Name, err)
		}
		var n *Node
		if pn.Name == pt.Myself {
			n = st.myself
			if n.Name != pn.Name {
				delete(st.nodes, n.Name)
				n.Name = pn.Name
				st.nodes[n.Name] = n
			}
			n.Flags = NodeFlags(pn.Flags) | FlagMyself
		} else {
			n = &Node{
				Name:  pn.Name,
				IP:    pn.IP,
				Port:  pn.Port,
				CPort: pn.CPort,
				Flags: NodeFlags(pn.Flags),
			}
			st.nodes[n.Name] = n
		}
		n.ConfigEpoch = pn.ConfigEpoch
		n.MasterName = pn.Master
		n.Slots = *bm
		for _, slot := range bm.Slots() {
			st.slotOwner[slot] = n.Name
		}
	}
	return nil
}

// Close stops the save loop, flushing a pending dirty state.
func (t *Topology) Close() error {
	close(t.doneCh)
	t.wg.Wait()
	if t.dirty.Load() {
		return t.save()
	}
	return nil
}
