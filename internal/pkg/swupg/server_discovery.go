/*
 * Copyright 2024-present Open Networking Foundation
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package swupg

import (
	"context"
	"errors"

	"github.com/opencord/voltha-lib-go/v7/pkg/log"
	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

var errNoDiscovery = errors.New("no-server-discovery-configured")

// serverDiscovery selects the upgrade server among the nodes answering the broadcast
type serverDiscovery struct {
	nodeID          string
	discovery       cmn.IserverDiscovery
	coordinatorOnly bool
}

func newServerDiscovery(aNodeID string, aDiscovery cmn.IserverDiscovery, aCoordinatorOnly bool) *serverDiscovery {
	return &serverDiscovery{
		nodeID:          aNodeID,
		discovery:       aDiscovery,
		coordinatorOnly: aCoordinatorOnly,
	}
}

func (sd *serverDiscovery) start(ctx context.Context, aReport func(cmn.DiscoveryResult)) error {
	if sd.discovery == nil {
		return errNoDiscovery
	}
	logger.Debugw(ctx, "start OTA server discovery", log.Fields{"node-id": sd.nodeID})
	return sd.discovery.FindServers(ctx, cmn.OtaClusterID, aReport)
}

func (sd *serverDiscovery) resolve(ctx context.Context, aShortAddress uint16, aReport func(cmn.DiscoveryResult)) error {
	if sd.discovery == nil {
		return errNoDiscovery
	}
	logger.Debugw(ctx, "resolve OTA server ieee address", log.Fields{"node-id": sd.nodeID,
		"server": aShortAddress})
	return sd.discovery.ResolveIeeeAddress(ctx, aShortAddress, aReport)
}

// acceptMatch returns the server address of a discovery response unless the responder is
// the node itself or is excluded by the coordinator-only setting
func (sd *serverDiscovery) acceptMatch(ctx context.Context, aResult cmn.DiscoveryResult) (cmn.NodeAddress, bool) {
	if len(aResult.Endpoints) == 0 {
		logger.Debugw(ctx, "discovery response without endpoint ignored", log.Fields{"node-id": sd.nodeID,
			"match-address": aResult.MatchAddress})
		return cmn.NodeAddress{}, false
	}
	if aResult.MatchAddress == sd.discovery.LocalShortAddress() {
		logger.Debugw(ctx, "discovery response of own node ignored", log.Fields{"node-id": sd.nodeID})
		return cmn.NodeAddress{}, false
	}
	if sd.coordinatorOnly && aResult.MatchAddress != cmn.CoordinatorShortAddress {
		logger.Debugw(ctx, "discovery response of non coordinator ignored", log.Fields{"node-id": sd.nodeID,
			"match-address": aResult.MatchAddress})
		return cmn.NodeAddress{}, false
	}
	return cmn.NodeAddress{ShortAddress: aResult.MatchAddress, Endpoint: aResult.Endpoints[0]}, true
}
