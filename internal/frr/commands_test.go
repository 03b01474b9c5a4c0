package frr_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routelab/rpcheck/internal/frr"
)

func TestShowIPOSPFNeighborDecode(t *testing.T) {
	raw := `{
	  "neighbors": {
	    "192.168.101.11": [
	      {
	        "nbrPriority": 1,
	        "converged": "Full",
	        "ifaceName": "eth1:192.168.101.1"
	      }
	    ],
	    "192.168.101.12": [
	      {
	        "nbrPriority": 1,
	        "converged": "Full",
	        "ifaceName": "eth1:192.168.101.1"
	      }
	    ]
	  }
	}`

	var doc frr.ShowIPOSPFNeighbor
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	require.Len(t, doc.Neighbors, 2)
	require.Equal(t, "Full", doc.Neighbors["192.168.101.11"][0].Converged)
	require.Equal(t, "eth1:192.168.101.1", doc.Neighbors["192.168.101.11"][0].IfaceName)
	require.Equal(t, 1, doc.Neighbors["192.168.101.12"][0].Priority)
}

func TestPIMNeighborDecode(t *testing.T) {
	raw := `{
	  "interface": "eth1",
	  "neighbor": "192.168.101.11",
	  "upTime": "00:05:12",
	  "holdTime": "00:01:45"
	}`

	var n frr.PIMNeighbor
	require.NoError(t, json.Unmarshal([]byte(raw), &n))
	require.Equal(t, "eth1", n.Interface)
	require.Equal(t, "192.168.101.11", n.Neighbor)
	require.Equal(t, "00:05:12", n.UpTime)
}

func TestPIMJoinChannelDecode(t *testing.T) {
	raw := `{
	  "source": "*",
	  "group": "239.100.0.1",
	  "upTime": "00:00:12",
	  "expire": "00:02:48",
	  "prune": "--:--:--",
	  "channelJoinName": "JOIN",
	  "protocolIgmp": 1
	}`

	var ch frr.PIMJoinChannel
	require.NoError(t, json.Unmarshal([]byte(raw), &ch))
	require.Equal(t, "*", ch.Source)
	require.Equal(t, "239.100.0.1", ch.Group)
	require.Equal(t, "JOIN", ch.ChannelJoinName)
	require.Equal(t, 1, ch.ProtocolIGMP)
	require.Zero(t, ch.ProtocolPIM)
}

func TestPIMRPInfoDecode(t *testing.T) {
	raw := `{
	  "rpAddress": "192.168.101.11",
	  "group": "239.100.0.0/28",
	  "outboundInterface": "eth1",
	  "source": "Static",
	  "prefixList": "rp-pl-1"
	}`

	var info frr.PIMRPInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	require.Equal(t, "192.168.101.11", info.RPAddress)
	require.Equal(t, "239.100.0.0/28", info.Group)
	require.Equal(t, "rp-pl-1", info.PrefixList)
}
