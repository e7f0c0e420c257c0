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

package otacc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/opencord/voltha-lib-go/v7/pkg/log"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
	"github.com/opencord/ota-bootload-client/internal/pkg/otamsg"
)

// ErrUnexpectedCluster - a frame of another cluster was handed to the OTA channel
var ErrUnexpectedCluster = errors.New("unexpected-cluster")

// ErrNoTransport - no transport is attached to the channel
var ErrNoTransport = errors.New("no-transport")

// RxStatistics - counters of the receive path
type RxStatistics struct {
	Received  uint32
	Delivered uint32
	Malformed uint32
	Dropped   uint32
}

//OtaCC structure holds the OTA cluster communication channel of a node
type OtaCC struct {
	enabled       bool
	nodeID        string
	pTransport    cmn.Itransport
	localEndpoint uint8

	mutexSeq sync.Mutex
	seq      uint8

	mutexRxHandler sync.RWMutex
	rxHandler      func(cmn.Message)

	mutexStats sync.Mutex
	txFrames   uint32
	rxStats    RxStatistics
}

//NewOtaCC constructor returns a new instance of a OtaCC
func NewOtaCC(ctx context.Context, aNodeID string, aTransport cmn.Itransport, aLocalEndpoint uint8) *OtaCC {
	logger.Debugw(ctx, "init-ota-cc", log.Fields{"node-id": aNodeID, "endpoint": aLocalEndpoint})
	var otaCC OtaCC
	otaCC.enabled = false
	otaCC.nodeID = aNodeID
	otaCC.pTransport = aTransport
	otaCC.localEndpoint = aLocalEndpoint
	otaCC.seq = 0
	return &otaCC
}

// SetRxHandler registers the receiver of decoded server frames and enables the channel
func (oo *OtaCC) SetRxHandler(aHandler func(cmn.Message)) {
	oo.mutexRxHandler.Lock()
	defer oo.mutexRxHandler.Unlock()
	oo.rxHandler = aHandler
	oo.enabled = aHandler != nil
}

// GetNextSeq returns the next ZCL transaction sequence number
func (oo *OtaCC) GetNextSeq() uint8 {
	oo.mutexSeq.Lock()
	defer oo.mutexSeq.Unlock()
	next := oo.seq
	oo.seq++
	return next
}

// GetRxStatistics returns a copy of the receive counters
func (oo *OtaCC) GetRxStatistics() RxStatistics {
	oo.mutexStats.Lock()
	defer oo.mutexStats.Unlock()
	return oo.rxStats
}

// GetTxFrames returns the number of frames handed to the transport
func (oo *OtaCC) GetTxFrames() uint32 {
	oo.mutexStats.Lock()
	defer oo.mutexStats.Unlock()
	return oo.txFrames
}

func (oo *OtaCC) countRx(aCounter *uint32) {
	oo.mutexStats.Lock()
	*aCounter++
	oo.mutexStats.Unlock()
}

func (oo *OtaCC) send(ctx context.Context, aDestination cmn.NodeAddress, aHeader *otamsg.ZclFrame,
	aCommand gopacket.SerializableLayer) error {
	if oo.pTransport == nil {
		return ErrNoTransport
	}
	frame, err := otamsg.Serialize(aHeader, aCommand)
	if err != nil {
		logger.Errorw(ctx, "cannot serialize zcl frame", log.Fields{"node-id": oo.nodeID,
			"command": aCommand.LayerType().String(), "Err": err})
		return err
	}
	logger.Debugw(ctx, "send zcl frame", log.Fields{"node-id": oo.nodeID, "destination": aDestination,
		"command": aCommand.LayerType().String(), "seq": aHeader.SequenceNumber})
	if err := oo.pTransport.SendUnicast(ctx, aDestination, oo.localEndpoint, frame); err != nil {
		logger.Warnw(ctx, "zcl frame could not be sent", log.Fields{"node-id": oo.nodeID,
			"command": aCommand.LayerType().String(), "Err": err})
		return err
	}
	oo.mutexStats.Lock()
	oo.txFrames++
	oo.mutexStats.Unlock()
	return nil
}

// SendQueryNextImageRequest asks the server for the next image following aImageID
func (oo *OtaCC) SendQueryNextImageRequest(ctx context.Context, aServer cmn.NodeAddress,
	aImageID cmn.ImageID, aHardwareVersion *uint16) error {
	header := otamsg.NewClientFrame(oo.GetNextSeq(), otamsg.QueryNextImageRequestCommandID)
	request := &otamsg.QueryNextImageRequest{
		ImageID:         aImageID,
		HardwareVersion: aHardwareVersion,
	}
	return oo.send(ctx, aServer, header, request)
}

// SendImageBlockRequest solicits the block at aOffset
func (oo *OtaCC) SendImageBlockRequest(ctx context.Context, aServer cmn.NodeAddress, aImageID cmn.ImageID,
	aOffset uint32, aMaxDataSize uint8, aRequestNodeAddress *uint64, aMinimumBlockPeriod *uint16) error {
	header := otamsg.NewClientFrame(oo.GetNextSeq(), otamsg.ImageBlockRequestCommandID)
	request := &otamsg.ImageBlockRequest{
		ImageID:            aImageID,
		FileOffset:         aOffset,
		MaxDataSize:        aMaxDataSize,
		RequestNodeAddress: aRequestNodeAddress,
		MinimumBlockPeriod: aMinimumBlockPeriod,
	}
	return oo.send(ctx, aServer, header, request)
}

// SendImagePageRequest solicits aPageSize bytes starting at aOffset
func (oo *OtaCC) SendImagePageRequest(ctx context.Context, aServer cmn.NodeAddress, aImageID cmn.ImageID,
	aOffset uint32, aMaxDataSize uint8, aPageSize uint16, aResponseSpacing uint16, aRequestNodeAddress *uint64) error {
	header := otamsg.NewClientFrame(oo.GetNextSeq(), otamsg.ImagePageRequestCommandID)
	request := &otamsg.ImagePageRequest{
		ImageID:            aImageID,
		FileOffset:         aOffset,
		MaxDataSize:        aMaxDataSize,
		PageSize:           aPageSize,
		ResponseSpacing:    aResponseSpacing,
		RequestNodeAddress: aRequestNodeAddress,
	}
	return oo.send(ctx, aServer, header, request)
}

// SendUpgradeEndRequest reports the result of a download
func (oo *OtaCC) SendUpgradeEndRequest(ctx context.Context, aServer cmn.NodeAddress,
	aStatus otamsg.Status, aImageID cmn.ImageID) error {
	header := otamsg.NewClientFrame(oo.GetNextSeq(), otamsg.UpgradeEndRequestCommandID)
	request := &otamsg.UpgradeEndRequest{
		Status:  aStatus,
		ImageID: aImageID,
	}
	return oo.send(ctx, aServer, header, request)
}

// SendDefaultResponse answers the frame with header aRxHeader
func (oo *OtaCC) SendDefaultResponse(ctx context.Context, aDestination cmn.NodeAddress,
	aRxHeader *otamsg.ZclFrame, aStatus otamsg.Status) error {
	header := &otamsg.ZclFrame{
		FrameType:              otamsg.FrameTypeProfileWide,
		ManufacturerSpecific:   aRxHeader.ManufacturerSpecific,
		ManufacturerCode:       aRxHeader.ManufacturerCode,
		Direction:              otamsg.ClientToServer,
		DisableDefaultResponse: true,
		SequenceNumber:         aRxHeader.SequenceNumber,
		CommandID:              otamsg.DefaultResponseCommandID,
	}
	response := &otamsg.DefaultResponse{
		CommandID: aRxHeader.CommandID,
		Status:    aStatus,
	}
	return oo.send(ctx, aDestination, header, response)
}

func (oo *OtaCC) printRxMessage(ctx context.Context, rxMsg []byte) {
	logger.Debugw(ctx, "rx-zcl-frame", log.Fields{"node-id": oo.nodeID, "frame": hex.EncodeToString(rxMsg)})
}

// ReceiveMessage - process a frame received for the OTA cluster. Malformed and unsupported
// unicast frames are answered with a default response, broadcast ones are dropped silently.
func (oo *OtaCC) ReceiveMessage(ctx context.Context, aSource cmn.NodeAddress, aClusterID uint16,
	aBroadcast bool, rxMsg []byte) error {
	oo.countRx(&oo.rxStats.Received)
	if aClusterID != cmn.OtaClusterID {
		oo.countRx(&oo.rxStats.Dropped)
		return fmt.Errorf("%w: 0x%04X", ErrUnexpectedCluster, aClusterID)
	}
	packet, header, err := otamsg.Decode(rxMsg)
	if err != nil {
		oo.countRx(&oo.rxStats.Malformed)
		logger.Warnw(ctx, "received malformed zcl frame", log.Fields{"node-id": oo.nodeID,
			"source": aSource, "broadcast": aBroadcast, "Err": err})
		oo.printRxMessage(ctx, rxMsg)
		if header != nil && !aBroadcast {
			_ = oo.SendDefaultResponse(ctx, aSource, header, otamsg.StatusMalformedCommand)
		}
		return err
	}
	if header.Direction != otamsg.ServerToClient {
		logger.Debugw(ctx, "zcl frame not addressed to a client dropped", log.Fields{"node-id": oo.nodeID,
			"source": aSource, "command": header.CommandID})
		oo.countRx(&oo.rxStats.Dropped)
		return nil
	}
	if !header.IsKnownCommand() {
		logger.Debugw(ctx, "unsupported zcl command", log.Fields{"node-id": oo.nodeID,
			"source": aSource, "command": header.CommandID, "manufacturer-specific": header.ManufacturerSpecific})
		oo.countRx(&oo.rxStats.Dropped)
		if !aBroadcast && header.FrameType == otamsg.FrameTypeClusterSpecific {
			status := otamsg.StatusUnsupClusterCommand
			if header.ManufacturerSpecific {
				status = otamsg.StatusUnsupManufClusterCommand
			}
			_ = oo.SendDefaultResponse(ctx, aSource, header, status)
		}
		return nil
	}

	oo.mutexRxHandler.RLock()
	handler := oo.rxHandler
	enabled := oo.enabled
	oo.mutexRxHandler.RUnlock()
	if !enabled {
		logger.Debugw(ctx, "ota channel not enabled - frame dropped", log.Fields{"node-id": oo.nodeID})
		oo.countRx(&oo.rxStats.Dropped)
		return nil
	}
	oo.countRx(&oo.rxStats.Delivered)
	handler(cmn.Message{
		Type: cmn.ZclMsg,
		Data: cmn.ZclMessage{
			Source:    aSource,
			Broadcast: aBroadcast,
			ZclPacket: packet,
		},
	})
	return nil
}
