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

//Package common provides global definitions
package common

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/opencord/voltha-lib-go/v7/pkg/log"
)

//ClientFsm - looplab FSM together with its name, node and message channel
type ClientFsm struct {
	fsmName  string
	nodeID   string
	CommChan chan Message
	PFsm     *fsm.FSM
}

//NewClientFsm - FSM details including event, node and channel.
func NewClientFsm(aName string, aNodeID string, aCommChannel chan Message) *ClientFsm {
	aFsm := &ClientFsm{
		fsmName:  aName,
		nodeID:   aNodeID,
		CommChan: aCommChannel,
	}
	return aFsm
}

// LogFsmStateChange logs FSM state changes
func (oo *ClientFsm) LogFsmStateChange(ctx context.Context, e *fsm.Event) {
	logger.Debugw(ctx, "FSM state change", log.Fields{"node-id": oo.nodeID, "FSM name": oo.fsmName,
		"event name": string(e.Event), "src state": string(e.Src), "dst state": string(e.Dst)})
}

// NodeIDString returns the textual node id used in logs and kv store paths
func NodeIDString(aShortAddress uint16, aEndpoint uint8) string {
	return fmt.Sprintf("%04x-%02x", aShortAddress, aEndpoint)
}
