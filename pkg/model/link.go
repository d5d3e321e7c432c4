package model

// LinkProperties describes the IP configuration the radio layer assigned to
// an established data call.
type LinkProperties struct {
	InterfaceName string   `json:"interface_name"`
	Addresses     []string `json:"addresses"`
	DNSServers    []string `json:"dns_servers"`
	Gateway       string   `json:"gateway,omitempty"`
	MTU           int      `json:"mtu,omitempty"`
}

// ConnectionStatus is the snapshot pushed to status observers on every data
// network transition. It is the only channel to the connectivity/UI side.
type ConnectionStatus struct {
	NetworkID    int            `json:"network_id"`
	SubID        int            `json:"sub_id"`
	State        NetworkState   `json:"state"`
	Capabilities CapabilitySet  `json:"capabilities"`
	Link         LinkProperties `json:"link"`
	Transport    TransportType  `json:"transport"`
	NetworkType  NetworkType    `json:"network_type"`
	Cause        FailCause      `json:"cause,omitempty"`
}

// DataCallStatus is one entry of the radio layer's asynchronous "data call
// list changed" event.
type DataCallStatus struct {
	ID     int
	Active bool
	Cause  FailCause
	Link   LinkProperties
}
