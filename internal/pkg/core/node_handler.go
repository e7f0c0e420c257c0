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

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/opencord/voltha-lib-go/v7/pkg/log"
	"github.com/opencord/voltha-protos/v5/go/voltha"

	"github.com/opencord/ota-bootload-client/internal/pkg/attrdb"
	"github.com/opencord/ota-bootload-client/internal/pkg/bridge"
	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
	"github.com/opencord/ota-bootload-client/internal/pkg/config"
	"github.com/opencord/ota-bootload-client/internal/pkg/otacc"
	"github.com/opencord/ota-bootload-client/internal/pkg/storage"
	"github.com/opencord/ota-bootload-client/internal/pkg/swupg"
)

const (
	// events of the network state FSM of a node
	nodeEvStart    = "nodeEvStart"
	nodeEvJoin     = "nodeEvJoin"
	nodeEvLeave    = "nodeEvLeave"
	nodeEvShutdown = "nodeEvShutdown"
)
const (
	// states of the network state FSM of a node
	nodeStNull     = "nodeStNull"
	nodeStDetached = "nodeStDetached"
	nodeStJoined   = "nodeStJoined"
)

// ErrNodeNotStarted - the node handler was not started or is already stopped
var ErrNodeNotStarted = errors.New("node-not-started")

// RadioLink is the part of the radio bridge the node handler depends on
type RadioLink interface {
	cmn.Itransport
	cmn.IserverDiscovery
	cmn.IkeyEstablishment
	SetFrameHandler(aHandler bridge.FrameHandler)
	SetNetworkHandler(aHandler bridge.NetworkHandler)
}

//NodeHandler holds the OTA client of one node endpoint together with its collaborators
type NodeHandler struct {
	nodeID     string
	pConfig    *config.ClientFlags
	pLink      RadioLink
	pStorage   *storage.FileImageStorage
	pAttrDB    *attrdb.OtaAttributeDB
	pOtaCC     *otacc.OtaCC
	pOtaFsm    *swupg.OtaClientFsm
	pRunner    *upgradeRunner
	pNodeFsm   *fsm.FSM
	mutexNode  sync.Mutex
	runCtx     context.Context
	cancelRun  context.CancelFunc
	wgOtaFsm   sync.WaitGroup
	restored   *cmn.OtaAttributes
	mutexState sync.RWMutex
}

//NewNodeHandler creates the storage, attribute DB, OTA channel and client FSM of the node,
// aKvStore may be nil if no kv store is configured
func NewNodeHandler(ctx context.Context, cf *config.ClientFlags, aLink RadioLink, aKvStore attrdb.KvBackend,
	aExitChannel chan<- int) (*NodeHandler, error) {
	if aLink == nil {
		return nil, errors.New("node handler needs a radio link")
	}
	nodeID := cmn.NodeIDString(uint16(cf.NodeShortAddress), uint8(cf.NodeEndpoint))
	pStorage, err := storage.NewFileImageStorage(ctx, cf.StorageDir, uint32(cf.MaxImageSize))
	if err != nil {
		logger.Errorw(ctx, "image storage not available", log.Fields{"node-id": nodeID,
			"storage-dir": cf.StorageDir, "err": err})
		return nil, err
	}
	nh := &NodeHandler{
		nodeID:   nodeID,
		pConfig:  cf,
		pLink:    aLink,
		pStorage: pStorage,
		pAttrDB:  attrdb.NewOtaAttributeDB(ctx, nodeID, aKvStore),
		pRunner:  newUpgradeRunner(nodeID, pStorage, aExitChannel),
	}
	sessionConfig := newSessionConfig(cf)
	nh.pOtaCC = otacc.NewOtaCC(ctx, nodeID, aLink, sessionConfig.MyEndpoint)
	nh.pOtaFsm = swupg.NewOtaClientFsm(ctx, nodeID, sessionConfig, nh.pOtaCC, swupg.Collaborators{
		Storage:           pStorage,
		Verifier:          storage.NewCrcVerifier(pStorage),
		Discovery:         aLink,
		KeyEstablishment:  aLink,
		UpgradeRunner:     nh.pRunner,
		AttributeRecorder: nh.pAttrDB,
	})
	if nh.pOtaFsm == nil {
		return nil, fmt.Errorf("ota client fsm of node %s could not be created", nodeID)
	}
	nh.pOtaCC.SetRxHandler(func(aMsg cmn.Message) {
		if err := nh.pOtaFsm.PostMessage(aMsg); err != nil {
			logger.Debugw(context.Background(), "ota message dropped", log.Fields{"node-id": nh.nodeID, "err": err})
		}
	})

	nh.pNodeFsm = fsm.NewFSM(
		nodeStNull,
		fsm.Events{
			{Name: nodeEvStart, Src: []string{nodeStNull}, Dst: nodeStDetached},
			{Name: nodeEvJoin, Src: []string{nodeStDetached}, Dst: nodeStJoined},
			{Name: nodeEvLeave, Src: []string{nodeStJoined}, Dst: nodeStDetached},
			{Name: nodeEvShutdown, Src: []string{nodeStDetached, nodeStJoined}, Dst: nodeStNull},
		},
		fsm.Callbacks{
			"enter_state":               func(e *fsm.Event) { nh.logStateChange(e) },
			("enter_" + nodeStDetached): func(e *fsm.Event) { nh.logDetached(e) },
			("enter_" + nodeStJoined):   func(e *fsm.Event) { nh.startSession(e) },
			("leave_" + nodeStJoined):   func(e *fsm.Event) { nh.stopSession(e) },
			("enter_" + nodeStNull):     func(e *fsm.Event) { nh.terminateClient(e) },
		},
	)
	return nh, nil
}

func (nh *NodeHandler) logStateChange(e *fsm.Event) {
	logger.Debugw(nh.ctx(), "node state change", log.Fields{"node-id": nh.nodeID, "event name": e.Event,
		"src state": e.Src, "dst state": e.Dst})
}

func (nh *NodeHandler) logDetached(e *fsm.Event) {
	logger.Infow(nh.ctx(), "node not joined to a network - ota session idle", log.Fields{"node-id": nh.nodeID})
}

func (nh *NodeHandler) startSession(e *fsm.Event) {
	if err := nh.pOtaFsm.Start(nh.ctx()); err != nil {
		logger.Errorw(nh.ctx(), "ota session could not be started", log.Fields{"node-id": nh.nodeID, "err": err})
	}
}

func (nh *NodeHandler) stopSession(e *fsm.Event) {
	if err := nh.pOtaFsm.Stop(nh.ctx()); err != nil {
		logger.Warnw(nh.ctx(), "ota session could not be stopped", log.Fields{"node-id": nh.nodeID, "err": err})
	}
}

func (nh *NodeHandler) terminateClient(e *fsm.Event) {
	if err := nh.pOtaFsm.Terminate(nh.ctx()); err != nil {
		logger.Debugw(nh.ctx(), "ota client already terminated", log.Fields{"node-id": nh.nodeID, "err": err})
	}
}

func (nh *NodeHandler) ctx() context.Context {
	nh.mutexState.RLock()
	defer nh.mutexState.RUnlock()
	if nh.runCtx == nil {
		return context.Background()
	}
	return nh.runCtx
}

// Start restores the attributes of a previous run, starts the message processing of the client
// and a session if the node is already joined
func (nh *NodeHandler) Start(ctx context.Context) error {
	nh.mutexNode.Lock()
	defer nh.mutexNode.Unlock()
	if !nh.pNodeFsm.Is(nodeStNull) {
		logger.Debugw(ctx, "node handler already started", log.Fields{"node-id": nh.nodeID})
		return nil
	}
	logger.Debugw(ctx, "starting-node-handler", log.Fields{"node-id": nh.nodeID,
		"own-image": newSessionConfig(nh.pConfig).OwnImageID.String()})

	if attributes, err := nh.pAttrDB.RestoreFromKvStore(ctx); err == nil {
		logger.Infow(ctx, "attributes of previous run restored", log.Fields{"node-id": nh.nodeID,
			"fsm-state": attributes.FsmState, "file-offset": attributes.FileOffset,
			"downloaded-version": attributes.DownloadedFileVersion})
		nh.mutexState.Lock()
		nh.restored = &attributes
		nh.mutexState.Unlock()
	} else {
		logger.Debugw(ctx, "no attributes of a previous run", log.Fields{"node-id": nh.nodeID, "err": err})
	}

	runCtx, cancel := context.WithCancel(ctx)
	nh.mutexState.Lock()
	nh.runCtx = runCtx
	nh.cancelRun = cancel
	nh.mutexState.Unlock()

	nh.pLink.SetFrameHandler(nh.receiveFrame)
	nh.pLink.SetNetworkHandler(nh.networkChanged)

	nh.wgOtaFsm.Add(1)
	go func() {
		defer nh.wgOtaFsm.Done()
		nh.pOtaFsm.Run(runCtx)
	}()

	if err := nh.pNodeFsm.Event(nodeEvStart); err != nil {
		logger.Errorw(ctx, "node FSM: can't start", log.Fields{"node-id": nh.nodeID, "err": err})
		return err
	}
	if nh.pLink.LocalShortAddress() != cmn.InvalidShortAddress {
		if err := nh.pNodeFsm.Event(nodeEvJoin); err != nil {
			logger.Errorw(ctx, "node FSM: can't go to state joined", log.Fields{"node-id": nh.nodeID, "err": err})
			return err
		}
	}
	logger.Debug(ctx, "node-handler-started")
	return nil
}

// Stop ends the session and the message processing of the client
func (nh *NodeHandler) Stop(ctx context.Context) error {
	nh.mutexNode.Lock()
	if nh.pNodeFsm.Is(nodeStNull) {
		nh.mutexNode.Unlock()
		return ErrNodeNotStarted
	}
	logger.Debugw(ctx, "stopping-node-handler", log.Fields{"node-id": nh.nodeID})
	nh.pLink.SetFrameHandler(nil)
	nh.pLink.SetNetworkHandler(nil)
	err := nh.pNodeFsm.Event(nodeEvShutdown)
	nh.mutexNode.Unlock()

	nh.wgOtaFsm.Wait()
	nh.mutexState.Lock()
	if nh.cancelRun != nil {
		nh.cancelRun()
	}
	nh.mutexState.Unlock()
	logger.Infow(ctx, "node-handler-stopped", log.Fields{"node-id": nh.nodeID,
		"kv-store-errors": nh.pAttrDB.GetKvStoreErrors(), "rx-statistics": nh.pOtaCC.GetRxStatistics()})
	return err
}

func (nh *NodeHandler) receiveFrame(aSource cmn.NodeAddress, aClusterID uint16, aBroadcast bool, aPayload []byte) {
	if aClusterID != cmn.OtaClusterID {
		logger.Debugw(nh.ctx(), "frame of other cluster ignored", log.Fields{"node-id": nh.nodeID,
			"cluster": aClusterID, "source": aSource})
		return
	}
	// errors are counted and answered by the ota channel
	_ = nh.pOtaCC.ReceiveMessage(nh.ctx(), aSource, aClusterID, aBroadcast, aPayload)
}

func (nh *NodeHandler) networkChanged(aJoined bool, aShortAddress uint16) {
	nh.mutexNode.Lock()
	defer nh.mutexNode.Unlock()
	logger.Infow(nh.ctx(), "network state indication", log.Fields{"node-id": nh.nodeID, "joined": aJoined,
		"short-address": fmt.Sprintf("0x%04X", aShortAddress), "node-state": nh.pNodeFsm.Current()})
	event := nodeEvLeave
	if aJoined {
		event = nodeEvJoin
	}
	if !nh.pNodeFsm.Can(event) {
		return
	}
	if err := nh.pNodeFsm.Event(event); err != nil {
		logger.Errorw(nh.ctx(), "node FSM: network state not applied", log.Fields{"node-id": nh.nodeID,
			"event": event, "err": err})
	}
}

// NodeID returns the id of the node used in logs and the kv store
func (nh *NodeHandler) NodeID() string {
	return nh.nodeID
}

// IsJoined returns true if the node is joined to a network and a session is active
func (nh *NodeHandler) IsJoined() bool {
	nh.mutexNode.Lock()
	defer nh.mutexNode.Unlock()
	return nh.pNodeFsm.Is(nodeStJoined)
}

// GetClientState returns the state of the OTA client FSM
func (nh *NodeHandler) GetClientState() string {
	return nh.pOtaFsm.GetCurrentState()
}

// GetImageState returns the state of the image handled by the client
func (nh *NodeHandler) GetImageState() *voltha.ImageState {
	return nh.pOtaFsm.GetImageState()
}

// GetAttributes returns the last recorded client attributes
func (nh *NodeHandler) GetAttributes() cmn.OtaAttributes {
	return nh.pAttrDB.GetAttributes()
}

// GetRestoredAttributes returns the attributes of a previous run, nil if none were found
func (nh *NodeHandler) GetRestoredAttributes() *cmn.OtaAttributes {
	nh.mutexState.RLock()
	defer nh.mutexState.RUnlock()
	return nh.restored
}

// ActivateOutOfBand activates an image waiting for an out-of-band trigger
func (nh *NodeHandler) ActivateOutOfBand(ctx context.Context) error {
	return nh.pOtaFsm.ActivateOutOfBand(ctx)
}

// StagedImageFile returns the file of an image handed over for activation, empty if none
func (nh *NodeHandler) StagedImageFile() string {
	return nh.pRunner.stagedImageFile()
}
