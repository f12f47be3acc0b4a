// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package webrtc

import (
	pion "github.com/pion/webrtc/v4"

	"github.com/palaver-im/palaver/lib/config"
)

// ICEConfig holds the ICE server list for new peer connections. Order
// matters: pion tries servers in sequence.
type ICEConfig struct {
	Servers []pion.ICEServer
}

// ICEConfigFromSettings converts the configuration file's server list
// into pion's form. An empty list yields host candidates only, which
// is enough for same-LAN testing.
func ICEConfigFromSettings(servers []config.ICEServer) ICEConfig {
	out := ICEConfig{}
	for _, server := range servers {
		entry := pion.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		out.Servers = append(out.Servers, entry)
	}
	return out
}
