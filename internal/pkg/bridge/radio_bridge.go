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

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opencord/voltha-lib-go/v7/pkg/log"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

const (
	cMaxDatagramSize         = 1500
	cDefaultDiscoveryTimeout = 5 * time.Second
	cDefaultRequestTimeout   = 3 * time.Second
	cReadRetryDelay          = 100 * time.Millisecond
)

// ErrBridgeStopped - the bridge link is closed
var ErrBridgeStopped = errors.New("bridge-stopped")

// ErrNotJoined - the node has no network address yet
var ErrNotJoined = errors.New("node-not-joined")

// FrameHandler receives the payload of an inbound aps data frame
type FrameHandler func(aSource cmn.NodeAddress, aClusterID uint16, aBroadcast bool, aPayload []byte)

// NetworkHandler receives join and leave indications of the node
type NetworkHandler func(aJoined bool, aShortAddress uint16)

type pendingRequest struct {
	op        OpCode
	discovery func(cmn.DiscoveryResult)
	keyResult func(cmn.KeyEstablishmentResult)
	timer     *time.Timer
}

//RadioBridge connects the client to the radio co-processor of the node via UDP datagrams
type RadioBridge struct {
	conn             *net.UDPConn
	mutexAddress     sync.RWMutex
	localShort       uint16
	mutexPending     sync.Mutex
	pending          map[uint8]*pendingRequest
	tsn              uint8
	discoveryTimeout time.Duration
	requestTimeout   time.Duration
	mutexHandlers    sync.RWMutex
	frameHandler     FrameHandler
	networkHandler   NetworkHandler
	mutexStats       sync.Mutex
	rxDatagrams      uint32
	rxErrors         uint32
	chStopped        chan struct{}
	stopOnce         sync.Once
	wgReader         sync.WaitGroup
}

//NewRadioBridge constructor connects to the bridge at aBridgeAddress from aLocalAddress
func NewRadioBridge(ctx context.Context, aBridgeAddress string, aLocalAddress string,
	aLocalShort uint16) (*RadioBridge, error) {
	remote, err := net.ResolveUDPAddr("udp", aBridgeAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve bridge address %s: %w", aBridgeAddress, err)
	}
	var local *net.UDPAddr
	if aLocalAddress != "" {
		if local, err = net.ResolveUDPAddr("udp", aLocalAddress); err != nil {
			return nil, fmt.Errorf("resolve local address %s: %w", aLocalAddress, err)
		}
	}
	conn, err := net.DialUDP("udp", local, remote)
	if err != nil {
		return nil, fmt.Errorf("connect radio bridge %s: %w", aBridgeAddress, err)
	}
	logger.Infow(ctx, "radio bridge connected", log.Fields{"bridge": aBridgeAddress,
		"local": conn.LocalAddr().String(), "short-address": fmt.Sprintf("0x%04X", aLocalShort)})
	return &RadioBridge{
		conn:             conn,
		localShort:       aLocalShort,
		pending:          make(map[uint8]*pendingRequest),
		discoveryTimeout: cDefaultDiscoveryTimeout,
		requestTimeout:   cDefaultRequestTimeout,
		chStopped:        make(chan struct{}),
	}, nil
}

// SetTimeouts overrides the supervision of discovery windows and unicast requests
func (rb *RadioBridge) SetTimeouts(aDiscovery time.Duration, aRequest time.Duration) {
	rb.mutexPending.Lock()
	defer rb.mutexPending.Unlock()
	rb.discoveryTimeout = aDiscovery
	rb.requestTimeout = aRequest
}

// SetFrameHandler registers the receiver of inbound aps data
func (rb *RadioBridge) SetFrameHandler(aHandler FrameHandler) {
	rb.mutexHandlers.Lock()
	defer rb.mutexHandlers.Unlock()
	rb.frameHandler = aHandler
}

// SetNetworkHandler registers the receiver of network state indications
func (rb *RadioBridge) SetNetworkHandler(aHandler NetworkHandler) {
	rb.mutexHandlers.Lock()
	defer rb.mutexHandlers.Unlock()
	rb.networkHandler = aHandler
}

// Start runs the receive loop until Stop is called
func (rb *RadioBridge) Start(ctx context.Context) {
	rb.wgReader.Add(1)
	go rb.readLoop(ctx)
}

// Stop closes the link and drops all outstanding requests
func (rb *RadioBridge) Stop(ctx context.Context) {
	rb.stopOnce.Do(func() {
		close(rb.chStopped)
		if err := rb.conn.Close(); err != nil {
			logger.Warnw(ctx, "closing radio bridge link failed", log.Fields{"Err": err})
		}
		rb.wgReader.Wait()
		rb.mutexPending.Lock()
		for tsn, request := range rb.pending {
			request.timer.Stop()
			delete(rb.pending, tsn)
		}
		rb.mutexPending.Unlock()
		logger.Infow(ctx, "radio bridge stopped", log.Fields{"short-address": fmt.Sprintf("0x%04X", rb.LocalShortAddress())})
	})
}

// IsAlive - the link is open
func (rb *RadioBridge) IsAlive() bool {
	select {
	case <-rb.chStopped:
		return false
	default:
		return true
	}
}

// GetRxStatistics returns received datagrams and datagrams that could not be parsed
func (rb *RadioBridge) GetRxStatistics() (uint32, uint32) {
	rb.mutexStats.Lock()
	defer rb.mutexStats.Unlock()
	return rb.rxDatagrams, rb.rxErrors
}

// LocalShortAddress returns the network address of the node
func (rb *RadioBridge) LocalShortAddress() uint16 {
	rb.mutexAddress.RLock()
	defer rb.mutexAddress.RUnlock()
	return rb.localShort
}

func (rb *RadioBridge) send(ctx context.Context, aFrame *frame) error {
	if !rb.IsAlive() {
		return ErrBridgeStopped
	}
	if _, err := rb.conn.Write(aFrame.marshal()); err != nil {
		logger.Warnw(ctx, "bridge datagram could not be sent", log.Fields{"op": aFrame.op, "Err": err})
		return err
	}
	return nil
}

// SendUnicast hands an OTA cluster frame to the radio for delivery to aDestination
func (rb *RadioBridge) SendUnicast(ctx context.Context, aDestination cmn.NodeAddress, aSourceEndpoint uint8,
	aPayload []byte) error {
	source := rb.LocalShortAddress()
	if source == cmn.InvalidShortAddress {
		return ErrNotJoined
	}
	return rb.send(ctx, &frame{
		op:          OpApsData,
		srcShort:    source,
		srcEndpoint: aSourceEndpoint,
		dstShort:    aDestination.ShortAddress,
		dstEndpoint: aDestination.Endpoint,
		clusterID:   cmn.OtaClusterID,
		payload:     aPayload,
	})
}

// register allocates a transaction sequence number supervised for aTimeout. On expiry
// aExpired is called without the pending entry.
func (rb *RadioBridge) register(aRequest *pendingRequest, aTimeoutDiscovery bool, aExpired func()) uint8 {
	rb.mutexPending.Lock()
	defer rb.mutexPending.Unlock()
	rb.tsn++
	for _, exists := rb.pending[rb.tsn]; exists; _, exists = rb.pending[rb.tsn] {
		rb.tsn++
	}
	tsn := rb.tsn
	timeout := rb.requestTimeout
	if aTimeoutDiscovery {
		timeout = rb.discoveryTimeout
	}
	aRequest.timer = time.AfterFunc(timeout, func() {
		if rb.take(tsn) != nil {
			aExpired()
		}
	})
	rb.pending[tsn] = aRequest
	return tsn
}

func (rb *RadioBridge) take(aTsn uint8) *pendingRequest {
	rb.mutexPending.Lock()
	defer rb.mutexPending.Unlock()
	request, exists := rb.pending[aTsn]
	if !exists {
		return nil
	}
	request.timer.Stop()
	delete(rb.pending, aTsn)
	return request
}

func (rb *RadioBridge) lookup(aTsn uint8, aOp OpCode) *pendingRequest {
	rb.mutexPending.Lock()
	defer rb.mutexPending.Unlock()
	request, exists := rb.pending[aTsn]
	if !exists || request.op != aOp {
		return nil
	}
	return request
}

// FindServers broadcasts a match descriptor request for servers of aClusterID. Every match is
// reported, the end of the discovery window is reported as BroadcastComplete.
func (rb *RadioBridge) FindServers(ctx context.Context, aClusterID uint16, aReport func(cmn.DiscoveryResult)) error {
	request := &pendingRequest{op: OpMatchDescReq, discovery: aReport}
	tsn := rb.register(request, true, func() {
		aReport(cmn.DiscoveryResult{Kind: cmn.BroadcastComplete})
	})
	logger.Debugw(ctx, "match descriptor request", log.Fields{"cluster": aClusterID, "tsn": tsn})
	if err := rb.send(ctx, &frame{op: OpMatchDescReq, tsn: tsn, clusterID: aClusterID}); err != nil {
		rb.take(tsn)
		return err
	}
	return nil
}

// ResolveIeeeAddress requests the IEEE address of aShortAddress
func (rb *RadioBridge) ResolveIeeeAddress(ctx context.Context, aShortAddress uint16,
	aReport func(cmn.DiscoveryResult)) error {
	request := &pendingRequest{op: OpIeeeAddrReq, discovery: aReport}
	tsn := rb.register(request, false, func() {
		aReport(cmn.DiscoveryResult{Kind: cmn.UnicastTimeout, MatchAddress: aShortAddress})
	})
	if err := rb.send(ctx, &frame{op: OpIeeeAddrReq, tsn: tsn, shortAddress: aShortAddress}); err != nil {
		rb.take(tsn)
		return err
	}
	return nil
}

// Initiate starts the link key establishment with aServer
func (rb *RadioBridge) Initiate(ctx context.Context, aServer cmn.NodeAddress, aServerIeee uint64,
	aReport func(cmn.KeyEstablishmentResult)) error {
	request := &pendingRequest{op: OpKeyEstReq, keyResult: aReport}
	tsn := rb.register(request, false, func() {
		aReport(cmn.KeyEstablishmentResult{Success: false})
	})
	if err := rb.send(ctx, &frame{op: OpKeyEstReq, tsn: tsn, shortAddress: aServer.ShortAddress,
		ieeeAddress: aServerIeee}); err != nil {
		rb.take(tsn)
		return err
	}
	return nil
}

func (rb *RadioBridge) readLoop(ctx context.Context) {
	defer rb.wgReader.Done()
	buffer := make([]byte, cMaxDatagramSize)
	for {
		n, err := rb.conn.Read(buffer)
		if err != nil {
			if !rb.IsAlive() {
				return
			}
			logger.Warnw(ctx, "radio bridge read failed", log.Fields{"Err": err})
			select {
			case <-rb.chStopped:
				return
			case <-time.After(cReadRetryDelay):
			}
			continue
		}
		// handlers may keep the datagram beyond the next read
		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		rb.handleDatagram(ctx, datagram)
	}
}

func (rb *RadioBridge) handleDatagram(ctx context.Context, aDatagram []byte) {
	f, err := parseFrame(aDatagram)
	rb.mutexStats.Lock()
	rb.rxDatagrams++
	if err != nil {
		rb.rxErrors++
	}
	rb.mutexStats.Unlock()
	if err != nil {
		logger.Warnw(ctx, "invalid bridge datagram", log.Fields{"Err": err})
		return
	}
	switch f.op {
	case OpApsData:
		rb.mutexHandlers.RLock()
		handler := rb.frameHandler
		rb.mutexHandlers.RUnlock()
		if handler == nil {
			return
		}
		handler(cmn.NodeAddress{ShortAddress: f.srcShort, Endpoint: f.srcEndpoint}, f.clusterID, f.broadcast,
			f.payload)
	case OpMatchDescRsp:
		request := rb.lookup(f.tsn, OpMatchDescReq)
		if request == nil || f.status != cStatusSuccess {
			return
		}
		request.discovery(cmn.DiscoveryResult{Kind: cmn.BroadcastResponseReceived, MatchAddress: f.shortAddress,
			Endpoints: f.endpoints})
	case OpMatchDescDone:
		if request := rb.lookup(f.tsn, OpMatchDescReq); request != nil {
			rb.take(f.tsn)
			request.discovery(cmn.DiscoveryResult{Kind: cmn.BroadcastComplete})
		}
	case OpIeeeAddrRsp:
		request := rb.lookup(f.tsn, OpIeeeAddrReq)
		if request == nil {
			return
		}
		rb.take(f.tsn)
		if f.status != cStatusSuccess {
			request.discovery(cmn.DiscoveryResult{Kind: cmn.UnicastTimeout, MatchAddress: f.shortAddress})
			return
		}
		request.discovery(cmn.DiscoveryResult{Kind: cmn.UnicastCompleteWithData, MatchAddress: f.shortAddress,
			IeeeAddress: f.ieeeAddress})
	case OpKeyEstRsp:
		if request := rb.lookup(f.tsn, OpKeyEstReq); request != nil {
			rb.take(f.tsn)
			request.keyResult(cmn.KeyEstablishmentResult{Success: f.status == cStatusSuccess})
		}
	case OpNetworkState:
		rb.mutexAddress.Lock()
		if f.joined {
			rb.localShort = f.shortAddress
		} else {
			rb.localShort = cmn.InvalidShortAddress
		}
		rb.mutexAddress.Unlock()
		logger.Infow(ctx, "network state indication", log.Fields{"joined": f.joined,
			"short-address": fmt.Sprintf("0x%04X", f.shortAddress)})
		rb.mutexHandlers.RLock()
		handler := rb.networkHandler
		rb.mutexHandlers.RUnlock()
		if handler != nil {
			handler(f.joined, f.shortAddress)
		}
	default:
		logger.Debugw(ctx, "bridge datagram ignored", log.Fields{"op": f.op})
	}
}
