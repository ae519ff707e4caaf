package model

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeStatus is the lifecycle state of a node. Initial state is
// provisioning, terminal state is stopped (restartable).
type NodeStatus string

const (
	NodeProvisioning NodeStatus = "provisioning"
	NodeSyncing      NodeStatus = "syncing"
	NodeUpgrading    NodeStatus = "upgrading"
	NodeSynced       NodeStatus = "synced"
	NodeConsensus    NodeStatus = "consensus"
	NodeStopped      NodeStatus = "stopped"
)

// nodeTransitions is the legal edge set of the lifecycle state machine.
// Any state may additionally move to stopped.
var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeProvisioning: {NodeSyncing},
	NodeSyncing:      {NodeUpgrading, NodeSynced},
	NodeUpgrading:    {NodeSyncing},
	NodeSynced:       {NodeConsensus},
	NodeConsensus:    {NodeSyncing},
	NodeStopped:      {NodeProvisioning},
}

// ValidTransition reports whether from -> to is a legal lifecycle edge.
func ValidTransition(from, to NodeStatus) bool {
	if to == NodeStopped {
		return from != NodeStopped
	}
	for _, next := range nodeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StakeStatus is the validator's on-chain stake state. It is derived from
// observations and from the node status, never the reverse.
type StakeStatus string

const (
	StakeAvailable  StakeStatus = "available"
	StakeStaked     StakeStatus = "staked"
	StakeDelinquent StakeStatus = "delinquent"
	StakeDisabled   StakeStatus = "disabled"
)

// SimilarityPolicy controls whether a node prefers hosts already running
// siblings (cluster) or avoids them (spread).
type SimilarityPolicy string

const (
	SimilarityCluster SimilarityPolicy = "cluster"
	SimilaritySpread  SimilarityPolicy = "spread"
)

// ResourcePolicy breaks ties between equally ranked hosts: most_resources
// packs nodes onto the fullest host that still fits, least_resources spreads
// load onto the emptiest.
type ResourcePolicy string

const (
	ResourceMost  ResourcePolicy = "most_resources"
	ResourceLeast ResourcePolicy = "least_resources"
)

// SchedulerPolicy is the affinity pair attached to every node. Similarity is
// optional; nil means no affinity constraint and all capacity-eligible hosts
// rank equally before the resource policy. Resource is always set.
type SchedulerPolicy struct {
	Similarity *SimilarityPolicy `json:"similarity,omitempty"`
	Resource   ResourcePolicy    `json:"resource"`
}

// Validator carries the stake-side attributes of consensus-capable nodes.
type Validator struct {
	StakeStatus StakeStatus `json:"stake_status"`
	Address     string      `json:"address,omitempty"`
	Score       int64       `json:"score"`
}

type Node struct {
	ID     string `json:"id"`
	TypeID string `json:"type_id"`
	OrgID  string `json:"org_id"`

	// HostID is empty while the node awaits placement.
	HostID string `json:"host_id,omitempty"`

	Status NodeStatus      `json:"status"`
	Policy SchedulerPolicy `json:"policy"`

	// GroupKey identifies sibling nodes for affinity purposes. Nodes with
	// equal group keys are scheduled relative to each other.
	GroupKey string `json:"group_key"`

	// Requirement is the resource vector resolved from the node type at
	// creation time, frozen for the node's lifetime.
	Requirement Resource `json:"requirement"`

	// ReservationID links the node to its committed capacity claim; empty
	// while unplaced.
	ReservationID string `json:"reservation_id,omitempty"`

	// ReplaceFrom records a pending re-placement after host loss: the node
	// was stopped because this host went offline and the next placement
	// must exclude it. Persisted so the intent survives a leadership
	// change; cleared on bind and on an operator stop.
	ReplaceFrom string `json:"replace_from,omitempty"`

	Validator *Validator `json:"validator,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// GroupKey composes the sibling group identity for a node: same type run by
// the same org. Explicit equality-comparable attribute, computed once at
// creation.
func GroupKey(typeID, orgID string) string {
	return typeID + "/" + orgID
}

// NewPendingNode builds an unplaced node for the given type and policy. The
// requirement vector is resolved and frozen here; validator-capable types
// get a validator record starting at available.
func NewPendingNode(nt *NodeType, orgID string, policy SchedulerPolicy, now int64) (*Node, error) {
	req, err := nt.ResolveRequirements()
	if err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	node := &Node{
		ID:          uuid.NewString(),
		TypeID:      nt.ID,
		OrgID:       orgID,
		Status:      NodeProvisioning,
		Policy:      policy,
		GroupKey:    GroupKey(nt.ID, orgID),
		Requirement: req,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if nt.Validator {
		node.Validator = &Validator{StakeStatus: StakeAvailable}
	}
	return node, nil
}

// Validate checks the policy pair: resource is required, similarity is
// optional but must be a known value when set.
func (p SchedulerPolicy) Validate() error {
	switch p.Resource {
	case ResourceMost, ResourceLeast:
	default:
		return fmt.Errorf("invalid resource policy %q", p.Resource)
	}
	if p.Similarity != nil {
		switch *p.Similarity {
		case SimilarityCluster, SimilaritySpread:
		default:
			return fmt.Errorf("invalid similarity policy %q", *p.Similarity)
		}
	}
	return nil
}
