// Package frr names the FRR vtysh show commands the harness observes and the
// shape of their JSON output. The harness never interprets this state beyond
// comparing it to stored fixtures; the types exist for the few places that
// inspect individual fields.
package frr

// show ip ospf neighbor json
//
//	{
//	  "neighbors": {
//	    "192.168.101.11": [
//	      { "converged": "Full", "ifaceName": "r1-eth1:192.168.101.1", ... }
//	    ]
//	  }
//	}
type ShowIPOSPFNeighbor struct {
	Neighbors map[string][]OSPFNeighbor `json:"neighbors"`
}

type OSPFNeighbor struct {
	Converged string `json:"converged"`
	IfaceName string `json:"ifaceName"`
	Priority  int    `json:"nbrPriority"`
}

func ShowIPOSPFNeighborCmd() string {
	return "show ip ospf neighbor json"
}

// show ip pim neighbor json
//
// Top-level keys are interface names; nested keys are neighbor addresses.
type PIMNeighbor struct {
	Interface string `json:"interface"`
	Neighbor  string `json:"neighbor"`
	UpTime    string `json:"upTime"`
	HoldTime  string `json:"holdTime"`
}

func ShowIPPIMNeighborCmd() string {
	return "show ip pim neighbor json"
}

// show ip pim join json
//
//	{
//	  "r1-eth0": {
//	    "name": "r1-eth0",
//	    "state": "up",
//	    "239.100.0.1": {
//	      "*": { "source": "*", "group": "239.100.0.1", "channelJoinName": "JOIN", ... }
//	    }
//	  }
//	}
type PIMJoinChannel struct {
	Source          string `json:"source"`
	Group           string `json:"group"`
	UpTime          string `json:"upTime"`
	Expire          string `json:"expire"`
	Prune           string `json:"prune"`
	ChannelJoinName string `json:"channelJoinName"`
	ProtocolIGMP    int    `json:"protocolIgmp"`
	ProtocolPIM     int    `json:"protocolPim"`
}

func ShowIPPIMJoinCmd() string {
	return "show ip pim join json"
}

// show ip pim rp-info json
//
// Top-level keys are RP addresses mapping to the group ranges they serve.
type PIMRPInfo struct {
	RPAddress  string `json:"rpAddress"`
	Group      string `json:"group"`
	OutboundIf string `json:"outboundInterface"`
	Source     string `json:"source"`
	PrefixList string `json:"prefixList,omitempty"`
}

func ShowIPPIMRPInfoCmd() string {
	return "show ip pim rp-info json"
}
