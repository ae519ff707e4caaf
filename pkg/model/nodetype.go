package model

import "fmt"

// FieldType describes how a node type property value is interpreted by the
// host agent when configuring the node.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypePassword FieldType = "password"
	FieldTypeSwitch   FieldType = "switch"
	FieldTypeFileName FieldType = "file_name"
)

// Property is a configurable setting declared by a node type, in declaration
// order.
type Property struct {
	Key       string    `json:"key" yaml:"key"`
	Value     string    `json:"value" yaml:"value"`
	FieldType FieldType `json:"field_type" yaml:"field_type"`
}

// Requirement is one dimension of a node type's resource demand, in
// declaration order. Key must be one of the well-known resource keys.
type Requirement struct {
	Key      string `json:"key" yaml:"key"`
	Quantity int64  `json:"quantity" yaml:"quantity"`
}

// NodeType is a catalog entry for a class of nodes. Once a live node
// references a type it is immutable; changes go through a new type id.
type NodeType struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Validator    bool          `json:"validator" yaml:"validator"` // nodes of this type participate in consensus
	Properties   []Property    `json:"properties" yaml:"properties"`
	Requirements []Requirement `json:"requirements" yaml:"requirements"`
}

// ResolveRequirements folds the ordered requirement list into a resource
// vector. Duplicate keys accumulate. Unknown keys are a validation error.
func (t *NodeType) ResolveRequirements() (Resource, error) {
	var r Resource
	for _, req := range t.Requirements {
		switch req.Key {
		case ResourceCPUMilli:
			r.CPUMilli += req.Quantity
		case ResourceMemoryBytes:
			r.MemoryBytes += req.Quantity
		case ResourceDiskBytes:
			r.DiskBytes += req.Quantity
		case ResourceIPAddrs:
			r.IPAddrs += req.Quantity
		default:
			return Resource{}, fmt.Errorf("node type %s: unknown requirement key %q", t.ID, req.Key)
		}
	}
	return r, nil
}

// Property returns the value of the named property and whether it exists.
func (t *NodeType) Property(key string) (string, bool) {
	for _, p := range t.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}
