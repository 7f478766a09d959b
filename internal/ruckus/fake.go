package ruckus

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory controller used by tests and --dev mode. Async
// operations mint activity IDs that report SUCCESS after PollsToComplete
// status queries (default: the first query).
type Fake struct {
	mu sync.Mutex

	aps      map[string][]AP // venueID -> inventory
	apGroups map[string][]APGroup
	networks map[string][]WifiNetwork
	pools    map[string][]DpskPool
	keys     map[string][]DpskPassphrase // poolID -> passphrases
	vlans    map[string]int              // groupID -> vlan

	activities map[string]*fakeActivity

	// PollsToComplete is how many Activities queries an activity stays
	// INPROGRESS for before reporting SUCCESS.
	PollsToComplete int

	// FailActivities forces newly minted activities to terminate in FAIL.
	FailActivities bool

	// CallCounts tracks invocations per method name for assertions.
	CallCounts map[string]int
}

type fakeActivity struct {
	polls     int
	remaining int
	fail      bool
}

// NewFake creates an empty fake controller.
func NewFake() *Fake {
	return &Fake{
		aps:             make(map[string][]AP),
		apGroups:        make(map[string][]APGroup),
		networks:        make(map[string][]WifiNetwork),
		pools:           make(map[string][]DpskPool),
		keys:            make(map[string][]DpskPassphrase),
		vlans:           make(map[string]int),
		activities:      make(map[string]*fakeActivity),
		PollsToComplete: 1,
		CallCounts:      make(map[string]int),
	}
}

// SeedAPs loads the venue AP inventory.
func (f *Fake) SeedAPs(venueID string, aps ...AP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aps[venueID] = append(f.aps[venueID], aps...)
}

// SeedNetwork loads a pre-existing network.
func (f *Fake) SeedNetwork(venueID string, n WifiNetwork) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	f.networks[venueID] = append(f.networks[venueID], n)
}

// SeedAPGroup loads a pre-existing AP group.
func (f *Fake) SeedAPGroup(venueID string, g APGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.VenueID = venueID
	f.apGroups[venueID] = append(f.apGroups[venueID], g)
}

// Calls returns the number of invocations of a method.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CallCounts[method]
}

func (f *Fake) record(method string) {
	f.CallCounts[method]++
}

func (f *Fake) newActivity() string {
	id := uuid.NewString()
	f.activities[id] = &fakeActivity{remaining: f.PollsToComplete, fail: f.FailActivities}
	return id
}

func (f *Fake) ListAPs(_ context.Context, venueID string) ([]AP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListAPs")
	out := make([]AP, len(f.aps[venueID]))
	copy(out, f.aps[venueID])
	return out, nil
}

func (f *Fake) ListAPGroups(_ context.Context, venueID string) ([]APGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListAPGroups")
	out := make([]APGroup, len(f.apGroups[venueID]))
	copy(out, f.apGroups[venueID])
	return out, nil
}

func (f *Fake) CreateAPGroup(_ context.Context, venueID, name string) (*APGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateAPGroup")
	for _, g := range f.apGroups[venueID] {
		if g.Name == name {
			return nil, &APIError{StatusCode: http.StatusConflict, Message: fmt.Sprintf("AP group %q already exists", name)}
		}
	}
	g := APGroup{ID: uuid.NewString(), Name: name, VenueID: venueID}
	f.apGroups[venueID] = append(f.apGroups[venueID], g)
	return &g, nil
}

func (f *Fake) DeleteAPGroup(_ context.Context, venueID, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteAPGroup")
	groups := f.apGroups[venueID]
	for i, g := range groups {
		if g.ID == groupID {
			f.apGroups[venueID] = append(groups[:i], groups[i+1:]...)
			return nil
		}
	}
	return &APIError{StatusCode: http.StatusNotFound, Message: "AP group not found"}
}

func (f *Fake) AssignAP(_ context.Context, venueID, groupID, serial string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AssignAP")
	for i, ap := range f.aps[venueID] {
		if ap.Serial == serial {
			f.aps[venueID][i].GroupID = groupID
			return f.newActivity(), nil
		}
	}
	return "", &APIError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("AP %q not found in venue", serial)}
}

func (f *Fake) ListNetworks(_ context.Context, venueID string) ([]WifiNetwork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListNetworks")
	out := make([]WifiNetwork, len(f.networks[venueID]))
	copy(out, f.networks[venueID])
	return out, nil
}

func (f *Fake) CreateNetwork(_ context.Context, venueID string, req CreateNetworkRequest) (*WifiNetwork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateNetwork")
	for _, n := range f.networks[venueID] {
		if n.Name == req.Name {
			return nil, &APIError{StatusCode: http.StatusConflict, Message: fmt.Sprintf("network %q already exists", req.Name)}
		}
	}
	n := WifiNetwork{
		ID:         uuid.NewString(),
		Name:       req.Name,
		SSID:       req.SSID,
		Type:       req.Type,
		Passphrase: req.Passphrase,
		VLANID:     req.VLANID,
	}
	f.networks[venueID] = append(f.networks[venueID], n)
	return &n, nil
}

func (f *Fake) DeleteNetwork(_ context.Context, venueID, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteNetwork")
	nets := f.networks[venueID]
	for i, n := range nets {
		if n.ID == networkID {
			f.networks[venueID] = append(nets[:i], nets[i+1:]...)
			return nil
		}
	}
	return &APIError{StatusCode: http.StatusNotFound, Message: "network not found"}
}

func (f *Fake) ActivateNetwork(_ context.Context, venueID, networkID, groupID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ActivateNetwork")
	return f.newActivity(), nil
}

func (f *Fake) ListDpskPools(_ context.Context, venueID string) ([]DpskPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListDpskPools")
	out := make([]DpskPool, len(f.pools[venueID]))
	copy(out, f.pools[venueID])
	return out, nil
}

func (f *Fake) CreateDpskPool(_ context.Context, venueID, name, networkID string) (*DpskPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateDpskPool")
	for _, p := range f.pools[venueID] {
		if p.Name == name {
			return nil, &APIError{StatusCode: http.StatusConflict, Message: fmt.Sprintf("DPSK pool %q already exists", name)}
		}
	}
	p := DpskPool{ID: uuid.NewString(), Name: name, NetworkID: networkID}
	f.pools[venueID] = append(f.pools[venueID], p)
	return &p, nil
}

func (f *Fake) CreateDpskPassphrase(_ context.Context, poolID string, p DpskPassphrase) (*DpskPassphrase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateDpskPassphrase")
	p.ID = uuid.NewString()
	p.PoolID = poolID
	f.keys[poolID] = append(f.keys[poolID], p)
	return &p, nil
}

func (f *Fake) SetAPGroupVLAN(_ context.Context, venueID, groupID string, vlanID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetAPGroupVLAN")
	f.vlans[groupID] = vlanID
	return nil
}

func (f *Fake) Activities(_ context.Context, ids []string) ([]ActivityStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Activities")
	out := make([]ActivityStatus, 0, len(ids))
	for _, id := range ids {
		act, ok := f.activities[id]
		if !ok {
			out = append(out, ActivityStatus{ID: id, State: ActivityFail, Error: "unknown activity"})
			continue
		}
		act.polls++
		if act.polls >= act.remaining {
			if act.fail {
				out = append(out, ActivityStatus{ID: id, State: ActivityFail, Error: "operation failed upstream"})
			} else {
				out = append(out, ActivityStatus{ID: id, State: ActivitySuccess})
			}
		} else {
			out = append(out, ActivityStatus{ID: id, State: ActivityInProgress})
		}
	}
	return out, nil
}

var _ Client = (*Fake)(nil)
