package model

import "time"

type InstanceState string

const (
	InstanceStateRequested   InstanceState = "requested"
	InstanceStateAllocating  InstanceState = "allocating"
	InstanceStateActive      InstanceState = "active"
	InstanceStateTearingDown InstanceState = "tearing_down"
	InstanceStateDestroyed   InstanceState = "destroyed"
)

// PortSpec is one requested exposure of a container port.
type PortSpec struct {
	ContainerPort       int  `json:"container_port" binding:"required"`
	Static              bool `json:"static"`
	PreferredPublicPort int  `json:"preferred_public_port,omitempty"`
}

// ProvisionRequest asks the controller to publish a running container.
type ProvisionRequest struct {
	InstanceID  string     `json:"instance_id" binding:"required"`
	ContainerIP string     `json:"container_ip" binding:"required,ip"`
	Ports       []PortSpec `json:"ports" binding:"required,min=1,dive"`
}

// PortMapping is one established public-port route.
type PortMapping struct {
	PublicPort    int    `json:"public_port"`
	ContainerPort int    `json:"container_port"`
	ContainerIP   string `json:"container_ip"`
	IsStatic      bool   `json:"is_static"`
}

// Instance is the externally visible view of a provisioned sandbox.
type Instance struct {
	InstanceID  string        `json:"instance_id"`
	ContainerIP string        `json:"container_ip"`
	State       InstanceState `json:"state"`
	Ports       []PortMapping `json:"ports"`
	CreatedAt   time.Time     `json:"created_at"`
}

type InstanceListResponse struct {
	Items []Instance `json:"items"`
}
