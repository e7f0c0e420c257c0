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
	"math/rand"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/opencord/voltha-lib-go/v7/pkg/log"
	"github.com/opencord/voltha-protos/v5/go/voltha"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
	"github.com/opencord/ota-bootload-client/internal/pkg/otacc"
	"github.com/opencord/ota-bootload-client/internal/pkg/otamsg"
)

const (
	// internal predefined values
	cOtaFsmChannelSize = 32
	cMaxStartJitter    = 255
)

var (
	// ErrInvalidState - the request is not applicable in the current state
	ErrInvalidState = errors.New("invalid-state")
	// ErrNotRunning - the message processing of the client is not active
	ErrNotRunning = errors.New("not-running")
)

const (
	// events of the OTA client FSM
	OtaEvStart            = "OtaEvStart"
	OtaEvDiscoverServer   = "OtaEvDiscoverServer"
	OtaEvGetServerAddress = "OtaEvGetServerAddress"
	OtaEvObtainLinkKey    = "OtaEvObtainLinkKey"
	OtaEvQueryNextImage   = "OtaEvQueryNextImage"
	OtaEvDownload         = "OtaEvDownload"
	OtaEvVerifyImage      = "OtaEvVerifyImage"
	OtaEvWaitForUpgrade   = "OtaEvWaitForUpgrade"
	OtaEvCountdown        = "OtaEvCountdown"
	OtaEvUpgradeOutOfBand = "OtaEvUpgradeOutOfBand"
	OtaEvStop             = "OtaEvStop"
)

const (
	// states of the OTA client FSM
	OtaStIdle                  = "OtaStIdle"
	OtaStDelay                 = "OtaStDelay"
	OtaStDiscoverServer        = "OtaStDiscoverServer"
	OtaStGetServerAddress      = "OtaStGetServerAddress"
	OtaStObtainLinkKey         = "OtaStObtainLinkKey"
	OtaStQueryNextImage        = "OtaStQueryNextImage"
	OtaStDownload              = "OtaStDownload"
	OtaStVerifyImage           = "OtaStVerifyImage"
	OtaStWaitForUpgradeMessage = "OtaStWaitForUpgradeMessage"
	OtaStCountdownToUpgrade    = "OtaStCountdownToUpgrade"
	OtaStUpgradeViaOutOfBand   = "OtaStUpgradeViaOutOfBand"
)

// OtaClientFsmName - name of the FSM used in logs
const OtaClientFsmName = "OtaClientFsm"

// Collaborators - the platform services used by an OTA client session
type Collaborators struct {
	Storage           cmn.IimageStorage
	Verifier          cmn.IimageVerifier
	CustomVerifier    cmn.IimageVerifier
	Discovery         cmn.IserverDiscovery
	KeyEstablishment  cmn.IkeyEstablishment
	UpgradeRunner     cmn.IupgradeRunner
	AttributeRecorder cmn.IattributeRecorder
}

type pendingEvent struct {
	name string
	args []interface{}
}

// OtaClientFsm defines the structure for the OTA bootload client of a node
type OtaClientFsm struct {
	pOtaCC      *otacc.OtaCC
	nodeID      string
	config      Config
	collab      Collaborators
	PAdaptFsm   *cmn.ClientFsm
	session     *ClientSession
	timer       *sessionTimer
	strategy    DownloadStrategy
	verifier    *verifyController
	discovery   *serverDiscovery
	imageStatus *OtaImageStatus

	pendingEvents []pendingEvent
	dispatching   bool

	now        func() time.Time
	randIntn   func(int) int
	jitterUnit time.Duration

	chStopped chan struct{}
	stopOnce  sync.Once
}

//NewOtaClientFsm is the 'constructor' for the OTA client FSM of a node
func NewOtaClientFsm(ctx context.Context, aNodeID string, aConfig Config, aOtaCC *otacc.OtaCC,
	aCollaborators Collaborators) *OtaClientFsm {
	if aOtaCC == nil || aCollaborators.Storage == nil {
		logger.Errorw(ctx, "OtaClientFsm needs an ota channel and an image storage - abort", log.Fields{
			"node-id": aNodeID})
		return nil
	}
	instFsm := &OtaClientFsm{
		pOtaCC:      aOtaCC,
		nodeID:      aNodeID,
		config:      aConfig,
		collab:      aCollaborators,
		timer:       newSessionTimer(nil),
		imageStatus: NewOtaImageStatus(),
		now:         time.Now,
		randIntn:    rand.Intn,
		jitterUnit:  time.Second,
		chStopped:   make(chan struct{}),
	}
	instFsm.session = newClientSession(&instFsm.config)
	instFsm.strategy = newDownloadStrategy(&instFsm.config, instFsm.session.UsePageRequest)
	instFsm.verifier = newVerifyController(aNodeID, aConfig.VerifyWorkUnits, aCollaborators.Verifier,
		aCollaborators.CustomVerifier)
	instFsm.discovery = newServerDiscovery(aNodeID, aCollaborators.Discovery, aConfig.CoordinatorOnly)
	instFsm.PAdaptFsm = cmn.NewClientFsm(OtaClientFsmName, aNodeID, make(chan cmn.Message, cOtaFsmChannelSize))

	instFsm.PAdaptFsm.PFsm = fsm.NewFSM(
		OtaStIdle,
		fsm.Events{
			{Name: OtaEvStart, Src: []string{OtaStIdle}, Dst: OtaStDelay},
			{Name: OtaEvDiscoverServer, Src: []string{OtaStDelay, OtaStGetServerAddress, OtaStQueryNextImage},
				Dst: OtaStDiscoverServer},
			{Name: OtaEvGetServerAddress, Src: []string{OtaStDiscoverServer}, Dst: OtaStGetServerAddress},
			{Name: OtaEvObtainLinkKey, Src: []string{OtaStGetServerAddress}, Dst: OtaStObtainLinkKey},
			{Name: OtaEvQueryNextImage, Src: []string{OtaStGetServerAddress, OtaStObtainLinkKey, OtaStDownload,
				OtaStVerifyImage, OtaStWaitForUpgradeMessage, OtaStCountdownToUpgrade, OtaStUpgradeViaOutOfBand},
				Dst: OtaStQueryNextImage},
			{Name: OtaEvDownload, Src: []string{OtaStGetServerAddress, OtaStObtainLinkKey, OtaStQueryNextImage},
				Dst: OtaStDownload},
			{Name: OtaEvVerifyImage, Src: []string{OtaStGetServerAddress, OtaStObtainLinkKey, OtaStDownload},
				Dst: OtaStVerifyImage},
			{Name: OtaEvWaitForUpgrade, Src: []string{OtaStVerifyImage}, Dst: OtaStWaitForUpgradeMessage},
			{Name: OtaEvCountdown, Src: []string{OtaStWaitForUpgradeMessage}, Dst: OtaStCountdownToUpgrade},
			{Name: OtaEvUpgradeOutOfBand, Src: []string{OtaStWaitForUpgradeMessage}, Dst: OtaStUpgradeViaOutOfBand},

			{Name: OtaEvStop, Src: []string{OtaStDelay, OtaStDiscoverServer, OtaStGetServerAddress,
				OtaStObtainLinkKey, OtaStQueryNextImage, OtaStDownload, OtaStVerifyImage,
				OtaStWaitForUpgradeMessage, OtaStCountdownToUpgrade, OtaStUpgradeViaOutOfBand},
				Dst: OtaStIdle},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				instFsm.PAdaptFsm.LogFsmStateChange(ctx, e)
				instFsm.recordAttributes(ctx)
			},
			"enter_" + OtaStIdle:                  func(e *fsm.Event) { instFsm.enterIdle(ctx, e) },
			"enter_" + OtaStDelay:                 func(e *fsm.Event) { instFsm.enterDelay(ctx, e) },
			"enter_" + OtaStDiscoverServer:        func(e *fsm.Event) { instFsm.enterDiscoverServer(ctx, e) },
			"enter_" + OtaStGetServerAddress:      func(e *fsm.Event) { instFsm.enterGetServerAddress(ctx, e) },
			"enter_" + OtaStObtainLinkKey:         func(e *fsm.Event) { instFsm.enterObtainLinkKey(ctx, e) },
			"enter_" + OtaStQueryNextImage:        func(e *fsm.Event) { instFsm.enterQueryNextImage(ctx, e) },
			"enter_" + OtaStDownload:              func(e *fsm.Event) { instFsm.enterDownload(ctx, e) },
			"enter_" + OtaStVerifyImage:           func(e *fsm.Event) { instFsm.enterVerifyImage(ctx, e) },
			"enter_" + OtaStWaitForUpgradeMessage: func(e *fsm.Event) { instFsm.enterWaitForUpgradeMessage(ctx, e) },
			"enter_" + OtaStCountdownToUpgrade:    func(e *fsm.Event) { instFsm.enterCountdownToUpgrade(ctx, e) },
			"enter_" + OtaStUpgradeViaOutOfBand:   func(e *fsm.Event) { instFsm.enterUpgradeViaOutOfBand(ctx, e) },
		},
	)
	if instFsm.PAdaptFsm.PFsm == nil {
		logger.Errorw(ctx, "OtaClientFsm's Base FSM could not be instantiated!!", log.Fields{
			"node-id": aNodeID})
		return nil
	}

	logger.Debugw(ctx, "OtaClientFsm created", log.Fields{"node-id": aNodeID,
		"own-image": aConfig.OwnImageID.String(), "page-request": aConfig.UsePageRequest})
	return instFsm
}

// GetCurrentState returns the current state of the client
func (oFsm *OtaClientFsm) GetCurrentState() string {
	return oFsm.PAdaptFsm.PFsm.Current()
}

// GetImageState returns the state of the image handled by the client
func (oFsm *OtaClientFsm) GetImageState() *voltha.ImageState {
	return oFsm.imageStatus.GetImageState()
}

// PostMessage queues a message for the event loop of the client
func (oFsm *OtaClientFsm) PostMessage(aMessage cmn.Message) error {
	select {
	case <-oFsm.chStopped:
		return ErrNotRunning
	default:
	}
	select {
	case oFsm.PAdaptFsm.CommChan <- aMessage:
		return nil
	case <-oFsm.chStopped:
		return ErrNotRunning
	}
}

func (oFsm *OtaClientFsm) postControl(aValue cmn.ControlMessageType) error {
	return oFsm.PostMessage(cmn.Message{
		Type: cmn.ControlMsg,
		Data: cmn.ControlMessage{ControlMessageVal: aValue},
	})
}

// Start triggers a new session, e.g. after the node joined the network
func (oFsm *OtaClientFsm) Start(ctx context.Context) error {
	logger.Infow(ctx, "OtaClientFsm start requested", log.Fields{"node-id": oFsm.nodeID})
	return oFsm.postControl(cmn.StartSession)
}

// Stop resets the session to idle
func (oFsm *OtaClientFsm) Stop(ctx context.Context) error {
	logger.Infow(ctx, "OtaClientFsm stop requested", log.Fields{"node-id": oFsm.nodeID})
	return oFsm.postControl(cmn.StopSession)
}

// ActivateOutOfBand triggers the activation of an image waiting for an out-of-band activation
func (oFsm *OtaClientFsm) ActivateOutOfBand(ctx context.Context) error {
	if oFsm.GetCurrentState() != OtaStUpgradeViaOutOfBand {
		logger.Warnw(ctx, "out-of-band activation not applicable", log.Fields{"node-id": oFsm.nodeID,
			"state": oFsm.GetCurrentState()})
		return ErrInvalidState
	}
	return oFsm.postControl(cmn.ActivateOutOfBand)
}

// Terminate ends the message processing of the client
func (oFsm *OtaClientFsm) Terminate(ctx context.Context) error {
	logger.Debugw(ctx, "OtaClientFsm terminate requested", log.Fields{"node-id": oFsm.nodeID})
	return oFsm.postControl(cmn.AbortMessageProcessing)
}

// Run processes the messages of the client until it is terminated or ctx is done
func (oFsm *OtaClientFsm) Run(ctx context.Context) {
	logger.Debugw(ctx, "Start OtaClientFsm Msg processing", log.Fields{"node-id": oFsm.nodeID})
	defer oFsm.stopped()
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Infow(ctx, "OtaClientFsm Msg processing canceled via context", log.Fields{"node-id": oFsm.nodeID})
			break loop
		case message, ok := <-oFsm.PAdaptFsm.CommChan:
			if !ok {
				logger.Info(ctx, "OtaClientFsm Rx Msg - could not read from channel", log.Fields{"node-id": oFsm.nodeID})
				break loop
			}
			if !oFsm.handleMessage(ctx, message) {
				logger.Infow(ctx, "OtaClientFsm abort ProcessMsg", log.Fields{"node-id": oFsm.nodeID})
				break loop
			}
		}
	}
	logger.Infow(ctx, "End OtaClientFsm Msg processing", log.Fields{"node-id": oFsm.nodeID})
}

func (oFsm *OtaClientFsm) stopped() {
	oFsm.stopOnce.Do(func() {
		oFsm.timer.cancel()
		close(oFsm.chStopped)
	})
}

// handleMessage returns false if the message processing is to be terminated
func (oFsm *OtaClientFsm) handleMessage(ctx context.Context, message cmn.Message) bool {
	switch message.Type {
	case cmn.ControlMsg:
		msg, _ := message.Data.(cmn.ControlMessage)
		return oFsm.handleControlMessage(ctx, msg)
	case cmn.TimerMsg:
		msg, _ := message.Data.(cmn.TimerMessage)
		oFsm.handleTimerExpiry(ctx, msg.Generation)
	case cmn.ZclMsg:
		msg, _ := message.Data.(cmn.ZclMessage)
		oFsm.handleZclMessage(ctx, msg)
	case cmn.DiscoveryMsg:
		msg, _ := message.Data.(cmn.DiscoveryResult)
		oFsm.handleDiscoveryResult(ctx, msg)
	case cmn.KeyEstablishmentMsg:
		msg, _ := message.Data.(cmn.KeyEstablishmentResult)
		oFsm.handleKeyEstablishmentResult(ctx, msg)
	default:
		logger.Warnw(ctx, "OtaClientFsm Rx unknown message", log.Fields{"node-id": oFsm.nodeID,
			"message.Type": message.Type})
	}
	return true
}

func (oFsm *OtaClientFsm) handleControlMessage(ctx context.Context, msg cmn.ControlMessage) bool {
	switch msg.ControlMessageVal {
	case cmn.AbortMessageProcessing:
		return false
	case cmn.StartSession:
		if oFsm.GetCurrentState() != OtaStIdle {
			logger.Debugw(ctx, "OtaClientFsm already started", log.Fields{"node-id": oFsm.nodeID,
				"state": oFsm.GetCurrentState()})
			return true
		}
		oFsm.fireEvent(ctx, OtaEvStart)
	case cmn.StopSession:
		if oFsm.GetCurrentState() == OtaStIdle {
			return true
		}
		if stateHas(oFsm.GetCurrentState(), capImageInProgress) {
			oFsm.imageStatus.downloadCancelled()
		}
		oFsm.fireEvent(ctx, OtaEvStop)
	case cmn.ActivateOutOfBand:
		if oFsm.GetCurrentState() != OtaStUpgradeViaOutOfBand {
			logger.Warnw(ctx, "out-of-band activation ignored", log.Fields{"node-id": oFsm.nodeID,
				"state": oFsm.GetCurrentState()})
			return true
		}
		oFsm.runUpgrade(ctx)
	default:
		logger.Warnw(ctx, "OtaClientFsm unknown ControlMessage", log.Fields{"node-id": oFsm.nodeID,
			"MessageVal": msg.ControlMessageVal})
	}
	return true
}

// fireEvent triggers a state transition. Events fired from within a state entry are
// queued and processed once the running transition is finished.
func (oFsm *OtaClientFsm) fireEvent(ctx context.Context, aEvent string, aArgs ...interface{}) {
	oFsm.pendingEvents = append(oFsm.pendingEvents, pendingEvent{name: aEvent, args: aArgs})
	if oFsm.dispatching {
		return
	}
	oFsm.dispatching = true
	defer func() { oFsm.dispatching = false }()
	for len(oFsm.pendingEvents) > 0 {
		event := oFsm.pendingEvents[0]
		oFsm.pendingEvents = oFsm.pendingEvents[1:]
		if err := oFsm.PAdaptFsm.PFsm.Event(event.name, event.args...); err != nil {
			logger.Warnw(ctx, "OtaClientFsm event not applicable", log.Fields{"node-id": oFsm.nodeID,
				"event": event.name, "state": oFsm.GetCurrentState(), "Err": err})
		}
	}
}

func delayArg(e *fsm.Event) time.Duration {
	if len(e.Args) > 0 {
		if delay, ok := e.Args[0].(time.Duration); ok {
			return delay
		}
	}
	return 0
}

func boolArg(e *fsm.Event) bool {
	if len(e.Args) > 0 {
		if value, ok := e.Args[0].(bool); ok {
			return value
		}
	}
	return false
}

/////////////////////////////////////////////////////////////////////////////
// timer handling

func (oFsm *OtaClientFsm) timerExpired(aGeneration uint32) {
	_ = oFsm.PostMessage(cmn.Message{
		Type: cmn.TimerMsg,
		Data: cmn.TimerMessage{Generation: aGeneration},
	})
}

// armResponseTimer waits for the answer to a request
func (oFsm *OtaClientFsm) armResponseTimer(aDelay time.Duration) {
	oFsm.session.WaitingForResponse = true
	oFsm.timer.arm(aDelay, oFsm.timerExpired)
}

// armDelay schedules the next own action of the current state
func (oFsm *OtaClientFsm) armDelay(aDelay time.Duration) {
	oFsm.session.WaitingForResponse = false
	oFsm.timer.arm(aDelay, oFsm.timerExpired)
}

func (oFsm *OtaClientFsm) cancelTimer() {
	oFsm.session.WaitingForResponse = false
	oFsm.timer.cancel()
}

func (oFsm *OtaClientFsm) handleTimerExpiry(ctx context.Context, aGeneration uint32) {
	if !oFsm.timer.isCurrent(aGeneration) {
		logger.Debugw(ctx, "stale timer expiry dropped", log.Fields{"node-id": oFsm.nodeID,
			"generation": aGeneration})
		return
	}
	waiting := oFsm.session.WaitingForResponse
	oFsm.session.WaitingForResponse = false
	state := oFsm.GetCurrentState()
	logger.Debugw(ctx, "OtaClientFsm timer expired", log.Fields{"node-id": oFsm.nodeID,
		"state": state, "waiting-for-response": waiting})

	switch state {
	case OtaStDelay:
		oFsm.fireEvent(ctx, OtaEvDiscoverServer)
	case OtaStDiscoverServer:
		oFsm.startServerDiscovery(ctx)
	case OtaStGetServerAddress:
		logger.Warnw(ctx, "OTA server address resolution timed out", log.Fields{"node-id": oFsm.nodeID})
		oFsm.fireEvent(ctx, OtaEvDiscoverServer, oFsm.config.ServerDiscoveryDelay)
	case OtaStObtainLinkKey:
		logger.Warnw(ctx, "link key establishment timed out", log.Fields{"node-id": oFsm.nodeID})
		oFsm.determineNextState(ctx)
	case OtaStQueryNextImage:
		if waiting {
			oFsm.queryFailed(ctx, "no query next image response", 0)
			return
		}
		oFsm.sendQueryNextImage(ctx)
	case OtaStDownload:
		if !waiting {
			oFsm.requestNextData(ctx)
			return
		}
		if oFsm.strategy.Expired(oFsm.session) {
			oFsm.downloadError(ctx, "no image block response", 0)
			return
		}
		logger.Debugw(ctx, "page stalled - requesting missing blocks", log.Fields{"node-id": oFsm.nodeID,
			"offset": oFsm.session.CurrentOffset})
		oFsm.requestNextData(ctx)
	case OtaStVerifyImage:
		oFsm.continueVerification(ctx)
	case OtaStWaitForUpgradeMessage:
		if waiting {
			oFsm.upgradeEndTimeout(ctx)
			return
		}
		oFsm.sendUpgradeEndRequest(ctx)
	case OtaStCountdownToUpgrade:
		oFsm.countdownExpired(ctx)
	case OtaStUpgradeViaOutOfBand:
		logger.Infow(ctx, "image still waiting for out-of-band activation", log.Fields{"node-id": oFsm.nodeID,
			"image": oFsm.session.CurrentDownloadFile.String()})
		oFsm.armDelay(oFsm.config.RunUpgradeRequestDelay)
	default:
		logger.Debugw(ctx, "timer expiry ignored", log.Fields{"node-id": oFsm.nodeID, "state": state})
	}
}

/////////////////////////////////////////////////////////////////////////////
// Idle, Delay and server discovery

func (oFsm *OtaClientFsm) enterIdle(ctx context.Context, e *fsm.Event) {
	logger.Infow(ctx, "OtaClientFsm idle", log.Fields{"node-id": oFsm.nodeID, "from": e.Src})
	oFsm.cancelTimer()
	oFsm.strategy.Reset()
	oFsm.session = newClientSession(&oFsm.config)
	oFsm.strategy = newDownloadStrategy(&oFsm.config, oFsm.session.UsePageRequest)
}

func (oFsm *OtaClientFsm) enterDelay(ctx context.Context, e *fsm.Event) {
	jitter := time.Duration(1+oFsm.randIntn(cMaxStartJitter)) * oFsm.jitterUnit
	logger.Debugw(ctx, "OtaClientFsm delayed start", log.Fields{"node-id": oFsm.nodeID, "jitter": jitter})
	oFsm.armDelay(jitter)
}

func (oFsm *OtaClientFsm) enterDiscoverServer(ctx context.Context, e *fsm.Event) {
	oFsm.session.resetServer()
	oFsm.session.ErrorCount = 0
	if delay := delayArg(e); delay > 0 {
		oFsm.armDelay(delay)
		return
	}
	oFsm.startServerDiscovery(ctx)
}

func (oFsm *OtaClientFsm) reportDiscovery(aResult cmn.DiscoveryResult) {
	_ = oFsm.PostMessage(cmn.Message{Type: cmn.DiscoveryMsg, Data: aResult})
}

func (oFsm *OtaClientFsm) startServerDiscovery(ctx context.Context) {
	if err := oFsm.discovery.start(ctx, oFsm.reportDiscovery); err != nil {
		logger.Warnw(ctx, "OTA server discovery could not be started", log.Fields{"node-id": oFsm.nodeID,
			"Err": err})
	}
	// rediscovery, if neither a server answers nor the completion is reported
	oFsm.armDelay(oFsm.config.ServerDiscoveryDelay)
}

func (oFsm *OtaClientFsm) handleDiscoveryResult(ctx context.Context, aResult cmn.DiscoveryResult) {
	state := oFsm.GetCurrentState()
	logger.Debugw(ctx, "OtaClientFsm discovery result", log.Fields{"node-id": oFsm.nodeID,
		"kind": aResult.Kind.String(), "state": state})
	switch state {
	case OtaStDiscoverServer:
		switch aResult.Kind {
		case cmn.BroadcastResponseReceived:
			if oFsm.session.serverFound {
				return
			}
			server, ok := oFsm.discovery.acceptMatch(ctx, aResult)
			if !ok {
				return
			}
			oFsm.session.ServerAddress = server
			oFsm.session.serverFound = true
			logger.Infow(ctx, "OTA server found", log.Fields{"node-id": oFsm.nodeID, "server": server.String()})
			oFsm.cancelTimer()
			oFsm.fireEvent(ctx, OtaEvGetServerAddress)
		case cmn.BroadcastComplete:
			logger.Infow(ctx, "no OTA server found - retry later", log.Fields{"node-id": oFsm.nodeID,
				"delay": oFsm.config.ServerDiscoveryDelay})
			oFsm.armDelay(oFsm.config.ServerDiscoveryDelay)
		}
	case OtaStGetServerAddress:
		switch aResult.Kind {
		case cmn.UnicastCompleteWithData:
			if aResult.MatchAddress != oFsm.session.ServerAddress.ShortAddress {
				return
			}
			oFsm.cancelTimer()
			oFsm.session.ServerIeee = aResult.IeeeAddress
			if oFsm.config.UseLinkKey {
				oFsm.fireEvent(ctx, OtaEvObtainLinkKey)
				return
			}
			oFsm.determineNextState(ctx)
		case cmn.UnicastTimeout:
			oFsm.cancelTimer()
			logger.Warnw(ctx, "OTA server address not resolved", log.Fields{"node-id": oFsm.nodeID})
			oFsm.fireEvent(ctx, OtaEvDiscoverServer, oFsm.config.ServerDiscoveryDelay)
		}
	default:
		logger.Debugw(ctx, "discovery result ignored", log.Fields{"node-id": oFsm.nodeID, "state": state})
	}
}

func (oFsm *OtaClientFsm) enterGetServerAddress(ctx context.Context, e *fsm.Event) {
	if err := oFsm.discovery.resolve(ctx, oFsm.session.ServerAddress.ShortAddress, oFsm.reportDiscovery); err != nil {
		logger.Warnw(ctx, "OTA server address resolution failed", log.Fields{"node-id": oFsm.nodeID, "Err": err})
		oFsm.fireEvent(ctx, OtaEvDiscoverServer, oFsm.config.ServerDiscoveryDelay)
		return
	}
	oFsm.armResponseTimer(oFsm.config.ResponseTimeout)
}

func (oFsm *OtaClientFsm) enterObtainLinkKey(ctx context.Context, e *fsm.Event) {
	if oFsm.collab.KeyEstablishment == nil {
		logger.Warnw(ctx, "no key establishment available - continue without link key", log.Fields{
			"node-id": oFsm.nodeID})
		oFsm.determineNextState(ctx)
		return
	}
	report := func(aResult cmn.KeyEstablishmentResult) {
		_ = oFsm.PostMessage(cmn.Message{Type: cmn.KeyEstablishmentMsg, Data: aResult})
	}
	if err := oFsm.collab.KeyEstablishment.Initiate(ctx, oFsm.session.ServerAddress, oFsm.session.ServerIeee,
		report); err != nil {
		logger.Warnw(ctx, "key establishment could not be started", log.Fields{"node-id": oFsm.nodeID, "Err": err})
		oFsm.determineNextState(ctx)
		return
	}
	oFsm.armResponseTimer(oFsm.config.KeyEstablishmentTimer)
}

func (oFsm *OtaClientFsm) handleKeyEstablishmentResult(ctx context.Context, aResult cmn.KeyEstablishmentResult) {
	if oFsm.GetCurrentState() != OtaStObtainLinkKey {
		logger.Debugw(ctx, "key establishment result ignored", log.Fields{"node-id": oFsm.nodeID})
		return
	}
	oFsm.cancelTimer()
	logger.Infow(ctx, "link key establishment done", log.Fields{"node-id": oFsm.nodeID, "success": aResult.Success})
	oFsm.determineNextState(ctx)
}

// determineNextState resumes a previously interrupted download or verification if possible
func (oFsm *OtaClientFsm) determineNextState(ctx context.Context) {
	if oFsm.resumeStoredImage(ctx) {
		return
	}
	info, err := oFsm.collab.Storage.CheckTempData(ctx)
	if err != nil {
		logger.Warnw(ctx, "temporary download data not readable", log.Fields{"node-id": oFsm.nodeID, "Err": err})
		oFsm.fireEvent(ctx, OtaEvQueryNextImage)
		return
	}
	if info.State == cmn.TempDataNone {
		oFsm.fireEvent(ctx, OtaEvQueryNextImage)
		return
	}
	if !info.ImageID.SameKind(oFsm.config.OwnImageID) || info.TotalSize == 0 || info.Offset > info.TotalSize ||
		info.ImageID.FirmwareVersion == oFsm.config.OwnImageID.FirmwareVersion {
		logger.Infow(ctx, "discarding unusable temporary download data", log.Fields{"node-id": oFsm.nodeID,
			"image": info.ImageID.String(), "state": info.State.String()})
		if err := oFsm.collab.Storage.ClearTempData(ctx); err != nil {
			logger.Warnw(ctx, "temporary download data not cleared", log.Fields{"node-id": oFsm.nodeID, "Err": err})
		}
		oFsm.fireEvent(ctx, OtaEvQueryNextImage)
		return
	}
	oFsm.session.CurrentDownloadFile = info.ImageID
	oFsm.session.TotalImageSize = info.TotalSize
	oFsm.session.CurrentOffset = info.Offset
	if info.State == cmn.TempDataComplete || info.Offset == info.TotalSize {
		logger.Infow(ctx, "resuming with verification of downloaded image", log.Fields{"node-id": oFsm.nodeID,
			"image": info.ImageID.String()})
		oFsm.fireEvent(ctx, OtaEvVerifyImage)
		return
	}
	logger.Infow(ctx, "resuming partial download", log.Fields{"node-id": oFsm.nodeID,
		"image": info.ImageID.String(), "offset": info.Offset, "total": info.TotalSize})
	oFsm.fireEvent(ctx, OtaEvDownload, true)
}

// resumeStoredImage verifies a complete image the storage kept from an earlier session.
// A stored image of the running version was already activated and is deleted.
func (oFsm *OtaClientFsm) resumeStoredImage(ctx context.Context) bool {
	own := oFsm.config.OwnImageID
	image, found := oFsm.collab.Storage.SearchExistingImage(ctx, own.ManufacturerID, own.ImageTypeID,
		oFsm.session.HardwareVersion)
	if !found {
		return false
	}
	if !image.SameKind(own) || image.FirmwareVersion == own.FirmwareVersion {
		logger.Infow(ctx, "deleting stored image not eligible for activation", log.Fields{"node-id": oFsm.nodeID,
			"image": image.String()})
		if err := oFsm.collab.Storage.DeleteImage(ctx, image); err != nil {
			logger.Warnw(ctx, "stored image not deleted", log.Fields{"node-id": oFsm.nodeID, "Err": err})
		}
		return false
	}
	oFsm.session.CurrentDownloadFile = image
	if info, err := oFsm.collab.Storage.CheckTempData(ctx); err == nil && info.ImageID == image {
		oFsm.session.TotalImageSize = info.TotalSize
		oFsm.session.CurrentOffset = info.TotalSize
	}
	logger.Infow(ctx, "resuming with verification of stored image", log.Fields{"node-id": oFsm.nodeID,
		"image": image.String()})
	oFsm.fireEvent(ctx, OtaEvVerifyImage)
	return true
}

/////////////////////////////////////////////////////////////////////////////
// query next image

func (oFsm *OtaClientFsm) enterQueryNextImage(ctx context.Context, e *fsm.Event) {
	oFsm.session.ErrorCount = 0
	oFsm.session.UpgradeStatus = cmn.UpgradeStatusNormal
	oFsm.strategy.Reset()
	if delay := delayArg(e); delay > 0 {
		oFsm.armDelay(delay)
		return
	}
	oFsm.sendQueryNextImage(ctx)
}

func (oFsm *OtaClientFsm) sendQueryNextImage(ctx context.Context) {
	if oFsm.session.WaitingForResponse {
		logger.Warnw(ctx, "query next image suppressed - request outstanding", log.Fields{"node-id": oFsm.nodeID})
		return
	}
	if err := oFsm.pOtaCC.SendQueryNextImageRequest(ctx, oFsm.session.ServerAddress, oFsm.config.OwnImageID,
		oFsm.session.HardwareVersion); err != nil {
		oFsm.queryFailed(ctx, "query next image not sent", oFsm.config.ResponseTimeout)
		return
	}
	oFsm.armResponseTimer(oFsm.config.ResponseTimeout)
}

// queryFailed counts a query error, restarts the server discovery once the error threshold is
// exceeded and retries the query after aRetryDelay otherwise
func (oFsm *OtaClientFsm) queryFailed(ctx context.Context, aReason string, aRetryDelay time.Duration) {
	oFsm.session.ErrorCount++
	logger.Warnw(ctx, "query next image failed", log.Fields{"node-id": oFsm.nodeID, "reason": aReason,
		"errors": oFsm.session.ErrorCount})
	if oFsm.session.ErrorCount > oFsm.config.MaxQueryErrors {
		logger.Warnw(ctx, "too many query errors - rediscover OTA server", log.Fields{"node-id": oFsm.nodeID})
		oFsm.cancelTimer()
		oFsm.fireEvent(ctx, OtaEvDiscoverServer)
		return
	}
	if aRetryDelay == 0 {
		oFsm.sendQueryNextImage(ctx)
		return
	}
	oFsm.armDelay(aRetryDelay)
}

func (oFsm *OtaClientFsm) handleQueryNextImageResponse(ctx context.Context, aResponse *otamsg.QueryNextImageResponse) {
	if oFsm.GetCurrentState() != OtaStQueryNextImage || !oFsm.session.WaitingForResponse {
		logger.Debugw(ctx, "unexpected query next image response ignored", log.Fields{"node-id": oFsm.nodeID})
		return
	}
	oFsm.cancelTimer()
	logger.Debugw(ctx, "query next image response", log.Fields{"node-id": oFsm.nodeID,
		"status": aResponse.Status.String(), "image": aResponse.ImageID.String(), "size": aResponse.ImageSize})

	switch aResponse.Status {
	case otamsg.StatusSuccess:
	case otamsg.StatusNoImageAvailable, otamsg.StatusNotAuthorized:
		oFsm.session.ErrorCount = 0
		oFsm.armDelay(oFsm.config.QueryDelay)
		return
	default:
		oFsm.queryFailed(ctx, "unexpected status "+aResponse.Status.String(), oFsm.config.QueryDelay)
		return
	}

	offered := aResponse.ImageID
	own := oFsm.config.OwnImageID
	if !offered.SameKind(own) {
		oFsm.queryFailed(ctx, "offered image of other kind", oFsm.config.QueryDelay)
		return
	}
	if offered.FirmwareVersion == own.FirmwareVersion {
		logger.Debugw(ctx, "offered image already running", log.Fields{"node-id": oFsm.nodeID})
		oFsm.session.ErrorCount = 0
		oFsm.armDelay(oFsm.config.QueryDelay)
		return
	}
	if offered.FirmwareVersion < own.FirmwareVersion && !oFsm.config.AllowDowngrade {
		logger.Infow(ctx, "offered image is a downgrade - rejected", log.Fields{"node-id": oFsm.nodeID,
			"offered": offered.String()})
		_ = oFsm.pOtaCC.SendUpgradeEndRequest(ctx, oFsm.session.ServerAddress, otamsg.StatusInvalidImage, offered)
		oFsm.imageStatus.imageRefused()
		oFsm.session.ErrorCount = 0
		oFsm.armDelay(oFsm.config.QueryDelay)
		return
	}
	if aResponse.ImageSize == 0 || aResponse.ImageSize > oFsm.collab.Storage.MaxDownloadSize() {
		oFsm.queryFailed(ctx, "offered image size not acceptable", oFsm.config.QueryDelay)
		return
	}
	if err := oFsm.collab.Storage.PrepareTempData(ctx, offered, aResponse.ImageSize); err != nil {
		logger.Errorw(ctx, "image storage not prepared", log.Fields{"node-id": oFsm.nodeID, "Err": err})
		oFsm.queryFailed(ctx, "image storage not prepared", oFsm.config.QueryDelay)
		return
	}
	oFsm.session.CurrentDownloadFile = offered
	oFsm.session.TotalImageSize = aResponse.ImageSize
	oFsm.session.CurrentOffset = 0
	oFsm.fireEvent(ctx, OtaEvDownload, false)
}

func (oFsm *OtaClientFsm) handleImageNotify(ctx context.Context, aMsg cmn.ZclMessage, aNotify *otamsg.ImageNotify) {
	if !stateHas(oFsm.GetCurrentState(), capImageNotify) || oFsm.session.WaitingForResponse {
		logger.Debugw(ctx, "image notify ignored in current state", log.Fields{"node-id": oFsm.nodeID,
			"state": oFsm.GetCurrentState()})
		return
	}
	own := oFsm.config.OwnImageID
	if aNotify.PayloadType >= otamsg.NotifyManufacturer && aNotify.ImageID.ManufacturerID != cmn.ManufacturerIDWildcard &&
		aNotify.ImageID.ManufacturerID != own.ManufacturerID {
		return
	}
	if aNotify.PayloadType >= otamsg.NotifyImageType && aNotify.ImageID.ImageTypeID != cmn.ImageTypeIDWildcard &&
		aNotify.ImageID.ImageTypeID != own.ImageTypeID {
		return
	}
	if aNotify.PayloadType >= otamsg.NotifyNewFileVersion && aNotify.ImageID.FirmwareVersion == own.FirmwareVersion {
		logger.Debugw(ctx, "image notify for running version ignored", log.Fields{"node-id": oFsm.nodeID})
		return
	}
	if aMsg.Broadcast && aNotify.QueryJitter < otamsg.MaxImageNotifyJitter &&
		oFsm.randIntn(int(otamsg.MaxImageNotifyJitter))+1 > int(aNotify.QueryJitter) {
		logger.Debugw(ctx, "image notify skipped by query jitter", log.Fields{"node-id": oFsm.nodeID,
			"jitter": aNotify.QueryJitter})
		return
	}
	logger.Infow(ctx, "image notify accepted - query next image", log.Fields{"node-id": oFsm.nodeID})
	oFsm.cancelTimer()
	oFsm.sendQueryNextImage(ctx)
}

/////////////////////////////////////////////////////////////////////////////
// download

func (oFsm *OtaClientFsm) enterDownload(ctx context.Context, e *fsm.Event) {
	resume := boolArg(e)
	oFsm.session.ErrorCount = 0
	if !resume {
		oFsm.session.CurrentOffset = 0
	}
	oFsm.session.UpgradeStatus = cmn.UpgradeStatusDownloadInProgress
	oFsm.strategy = newDownloadStrategy(&oFsm.config, oFsm.session.UsePageRequest)
	oFsm.imageStatus.downloadStarted(oFsm.session.CurrentDownloadFile)
	logger.Infow(ctx, "image download started", log.Fields{"node-id": oFsm.nodeID,
		"image": oFsm.session.CurrentDownloadFile.String(), "size": oFsm.session.TotalImageSize,
		"offset": oFsm.session.CurrentOffset, "strategy": oFsm.strategy.Name()})
	oFsm.requestNextData(ctx)
}

func (oFsm *OtaClientFsm) requestNextData(ctx context.Context) {
	if oFsm.session.DownloadComplete() {
		oFsm.finishDownload(ctx)
		return
	}
	if oFsm.session.WaitingForResponse {
		logger.Warnw(ctx, "data request suppressed - request outstanding", log.Fields{"node-id": oFsm.nodeID})
		return
	}
	request := oFsm.strategy.NextRequest(oFsm.session)
	var requestNode *uint64
	if oFsm.config.IeeeAddress != 0 {
		address := oFsm.config.IeeeAddress
		requestNode = &address
	}
	var err error
	if request.Page {
		err = oFsm.pOtaCC.SendImagePageRequest(ctx, oFsm.session.ServerAddress, oFsm.session.CurrentDownloadFile,
			request.Offset, request.MaxDataSize, request.PageSize, request.ResponseSpacing, requestNode)
	} else {
		var minPeriod *uint16
		if oFsm.session.MinBlockRequestPeriodMs > 0 {
			period := oFsm.session.MinBlockRequestPeriodMs
			minPeriod = &period
		}
		err = oFsm.pOtaCC.SendImageBlockRequest(ctx, oFsm.session.ServerAddress, oFsm.session.CurrentDownloadFile,
			request.Offset, request.MaxDataSize, requestNode, minPeriod)
	}
	if err != nil {
		oFsm.downloadError(ctx, "data request not sent", oFsm.config.ResponseTimeout)
		return
	}
	oFsm.armResponseTimer(request.Timeout)
}

// downloadError counts a download error, aborts the download once the error threshold is
// exceeded and requests the data again after aRetryDelay otherwise
func (oFsm *OtaClientFsm) downloadError(ctx context.Context, aReason string, aRetryDelay time.Duration) {
	oFsm.session.ErrorCount++
	logger.Warnw(ctx, "image download error", log.Fields{"node-id": oFsm.nodeID, "reason": aReason,
		"offset": oFsm.session.CurrentOffset, "errors": oFsm.session.ErrorCount})
	if oFsm.session.ErrorCount > oFsm.config.MaxDownloadErrors {
		oFsm.abortDownload(ctx, "too many download errors", voltha.ImageState_UNKNOWN_ERROR)
		return
	}
	if aRetryDelay == 0 {
		oFsm.requestNextData(ctx)
		return
	}
	oFsm.armDelay(aRetryDelay)
}

// abortDownload discards the temporary data and restarts with the query of the next image
func (oFsm *OtaClientFsm) abortDownload(ctx context.Context, aReason string, aFailure voltha.ImageState_ImageFailureReason) {
	logger.Warnw(ctx, "image download aborted", log.Fields{"node-id": oFsm.nodeID, "reason": aReason,
		"image": oFsm.session.CurrentDownloadFile.String()})
	oFsm.cancelTimer()
	oFsm.imageStatus.downloadFailed(aFailure)
	oFsm.discardImage(ctx)
	oFsm.fireEvent(ctx, OtaEvQueryNextImage, oFsm.config.QueryDelay)
}

func (oFsm *OtaClientFsm) discardImage(ctx context.Context) {
	oFsm.strategy.Reset()
	if image := oFsm.session.CurrentDownloadFile; image.IsValid() {
		if err := oFsm.collab.Storage.DeleteImage(ctx, image); err != nil {
			logger.Debugw(ctx, "no stored image deleted", log.Fields{"node-id": oFsm.nodeID,
				"image": image.String(), "Err": err})
		}
	}
	if err := oFsm.collab.Storage.ClearTempData(ctx); err != nil {
		logger.Warnw(ctx, "temporary download data not cleared", log.Fields{"node-id": oFsm.nodeID, "Err": err})
	}
	oFsm.session.resetDownload()
}

func (oFsm *OtaClientFsm) switchToBlockRequests(ctx context.Context) {
	if !oFsm.session.UsePageRequest {
		oFsm.downloadError(ctx, "block request not supported by server", oFsm.config.ResponseTimeout)
		return
	}
	logger.Infow(ctx, "page request not supported by server - using block requests", log.Fields{
		"node-id": oFsm.nodeID})
	oFsm.session.UsePageRequest = false
	oFsm.strategy = newDownloadStrategy(&oFsm.config, false)
	oFsm.requestNextData(ctx)
}

func (oFsm *OtaClientFsm) handleImageBlockResponse(ctx context.Context, aResponse *otamsg.ImageBlockResponse) {
	if oFsm.GetCurrentState() != OtaStDownload || !oFsm.session.WaitingForResponse {
		logger.Debugw(ctx, "unexpected image block response ignored", log.Fields{"node-id": oFsm.nodeID,
			"offset": aResponse.FileOffset})
		return
	}
	switch aResponse.Status {
	case otamsg.StatusSuccess:
		oFsm.storeBlock(ctx, aResponse)
	case otamsg.StatusWaitForData:
		oFsm.cancelTimer()
		delay, ok := otamsg.CalculateTimer(aResponse.CurrentTime, aResponse.RequestTime, oFsm.config.MaxTimerDelay,
			oFsm.config.TimerFallback)
		if !ok {
			logger.Warnw(ctx, "wait for data with request time in the past", log.Fields{"node-id": oFsm.nodeID,
				"current-time": aResponse.CurrentTime, "request-time": aResponse.RequestTime})
		}
		if aResponse.MinimumBlockPeriod != nil {
			oFsm.session.MinBlockRequestPeriodMs = *aResponse.MinimumBlockPeriod
			oFsm.recordAttributes(ctx)
		}
		if period := oFsm.session.minBlockPeriod(); period > delay {
			delay = period
		}
		logger.Debugw(ctx, "server asks to wait for data", log.Fields{"node-id": oFsm.nodeID, "delay": delay})
		oFsm.armDelay(delay)
	case otamsg.StatusAbort, otamsg.StatusNoImageAvailable:
		oFsm.abortDownload(ctx, "aborted by server: "+aResponse.Status.String(), voltha.ImageState_CANCELLED_ON_REQUEST)
	case otamsg.StatusUnsupClusterCommand:
		oFsm.cancelTimer()
		oFsm.switchToBlockRequests(ctx)
	default:
		oFsm.cancelTimer()
		oFsm.downloadError(ctx, "unexpected block status "+aResponse.Status.String(), 0)
	}
}

func (oFsm *OtaClientFsm) storeBlock(ctx context.Context, aResponse *otamsg.ImageBlockResponse) {
	if !aResponse.ImageID.Matches(oFsm.session.CurrentDownloadFile) {
		oFsm.cancelTimer()
		oFsm.downloadError(ctx, "image block of other image", 0)
		return
	}
	blocks, verdict := oFsm.strategy.Accept(oFsm.session, aResponse.FileOffset, aResponse.Data)
	switch verdict {
	case BlockDuplicate, BlockUnexpected:
		logger.Debugw(ctx, "image block not stored", log.Fields{"node-id": oFsm.nodeID,
			"offset": aResponse.FileOffset, "current-offset": oFsm.session.CurrentOffset, "verdict": verdict.String()})
		return
	case BlockOutOfRange:
		oFsm.cancelTimer()
		oFsm.downloadError(ctx, "image block out of image range", 0)
		return
	case BlockHeld:
		// page still streaming
		oFsm.armResponseTimer(oFsm.timer.lastDelay())
		return
	}
	for _, block := range blocks {
		if err := oFsm.collab.Storage.WriteTempData(ctx, block.Offset, block.Data); err != nil {
			logger.Errorw(ctx, "image block not written", log.Fields{"node-id": oFsm.nodeID,
				"offset": block.Offset, "Err": err})
			oFsm.abortDownload(ctx, "image storage write failed", voltha.ImageState_UNKNOWN_ERROR)
			return
		}
		oFsm.session.CurrentOffset = block.Offset + uint32(len(block.Data))
	}
	oFsm.session.ErrorCount = 0
	oFsm.recordAttributes(ctx)

	if oFsm.session.DownloadComplete() {
		oFsm.cancelTimer()
		oFsm.finishDownload(ctx)
		return
	}
	if !oFsm.strategy.SolicitationDone(oFsm.session) {
		oFsm.armResponseTimer(oFsm.timer.lastDelay())
		return
	}
	oFsm.cancelTimer()
	delay := oFsm.config.DownloadDelay
	if period := oFsm.session.minBlockPeriod(); period > delay {
		delay = period
	}
	if delay > 0 {
		oFsm.armDelay(delay)
		return
	}
	oFsm.requestNextData(ctx)
}

func (oFsm *OtaClientFsm) finishDownload(ctx context.Context) {
	if err := oFsm.collab.Storage.FinishDownload(ctx, oFsm.session.CurrentOffset); err != nil {
		logger.Errorw(ctx, "download not finished by image storage", log.Fields{"node-id": oFsm.nodeID, "Err": err})
		oFsm.abortDownload(ctx, "image storage finish failed", voltha.ImageState_UNKNOWN_ERROR)
		return
	}
	logger.Infow(ctx, "image download complete", log.Fields{"node-id": oFsm.nodeID,
		"image": oFsm.session.CurrentDownloadFile.String(), "size": oFsm.session.TotalImageSize})
	oFsm.imageStatus.downloadSucceeded()
	oFsm.session.UpgradeStatus = cmn.UpgradeStatusDownloadComplete
	oFsm.fireEvent(ctx, OtaEvVerifyImage)
}

/////////////////////////////////////////////////////////////////////////////
// verification

func (oFsm *OtaClientFsm) enterVerifyImage(ctx context.Context, e *fsm.Event) {
	oFsm.session.ErrorCount = 0
	oFsm.session.UpgradeStatus = cmn.UpgradeStatusDownloadComplete
	oFsm.verifier.begin()
	oFsm.continueVerification(ctx)
}

func (oFsm *OtaClientFsm) continueVerification(ctx context.Context) {
	switch oFsm.verifier.step(ctx, oFsm.session.CurrentDownloadFile) {
	case cmn.VerifyInProgress:
		oFsm.armDelay(oFsm.config.VerifyDelay)
	case cmn.VerifyGood, cmn.VerifyUnsupported:
		logger.Infow(ctx, "downloaded image verified", log.Fields{"node-id": oFsm.nodeID,
			"image": oFsm.session.CurrentDownloadFile.String()})
		oFsm.fireEvent(ctx, OtaEvWaitForUpgrade)
	default:
		logger.Warnw(ctx, "downloaded image rejected", log.Fields{"node-id": oFsm.nodeID,
			"image": oFsm.session.CurrentDownloadFile.String()})
		_ = oFsm.pOtaCC.SendUpgradeEndRequest(ctx, oFsm.session.ServerAddress, otamsg.StatusInvalidImage,
			oFsm.session.CurrentDownloadFile)
		oFsm.imageStatus.imageRefused()
		oFsm.discardImage(ctx)
		oFsm.fireEvent(ctx, OtaEvQueryNextImage, oFsm.config.QueryDelay)
	}
}

/////////////////////////////////////////////////////////////////////////////
// upgrade activation

func (oFsm *OtaClientFsm) enterWaitForUpgradeMessage(ctx context.Context, e *fsm.Event) {
	oFsm.session.ErrorCount = 0
	oFsm.session.UpgradeWaitAttempts = 0
	oFsm.sendUpgradeEndRequest(ctx)
}

func (oFsm *OtaClientFsm) sendUpgradeEndRequest(ctx context.Context) {
	oFsm.session.UpgradeWaitAttempts++
	if err := oFsm.pOtaCC.SendUpgradeEndRequest(ctx, oFsm.session.ServerAddress, otamsg.StatusSuccess,
		oFsm.session.CurrentDownloadFile); err != nil {
		logger.Warnw(ctx, "upgrade end request not sent", log.Fields{"node-id": oFsm.nodeID, "Err": err,
			"attempts": oFsm.session.UpgradeWaitAttempts})
		if oFsm.session.UpgradeWaitAttempts >= oFsm.config.MaxUpgradeWaitAttempts {
			oFsm.applyUpgradeTimeoutPolicy(ctx)
			return
		}
		oFsm.armDelay(oFsm.config.ResponseTimeout)
		return
	}
	oFsm.armResponseTimer(oFsm.config.ResponseTimeout)
}

func (oFsm *OtaClientFsm) upgradeEndTimeout(ctx context.Context) {
	if oFsm.session.UpgradeWaitAttempts < oFsm.config.MaxUpgradeWaitAttempts {
		oFsm.sendUpgradeEndRequest(ctx)
		return
	}
	oFsm.applyUpgradeTimeoutPolicy(ctx)
}

// applyUpgradeTimeoutPolicy is reached once MaxUpgradeWaitAttempts upgrade end requests
// stayed unanswered, sent or not
func (oFsm *OtaClientFsm) applyUpgradeTimeoutPolicy(ctx context.Context) {
	switch oFsm.config.UpgradeTimeoutPolicy {
	case TimeoutKeepWaiting:
		logger.Infow(ctx, "no upgrade end response - keep waiting", log.Fields{"node-id": oFsm.nodeID})
		oFsm.session.UpgradeWaitAttempts = 0
		oFsm.armDelay(oFsm.config.RunUpgradeRequestDelay)
	default:
		logger.Warnw(ctx, "no upgrade end response - apply upgrade", log.Fields{"node-id": oFsm.nodeID})
		oFsm.session.UpgradeDeadline = oFsm.now().Add(oFsm.config.MinUpgradeGrace)
		oFsm.fireEvent(ctx, OtaEvCountdown)
	}
}

func (oFsm *OtaClientFsm) handleUpgradeEndResponse(ctx context.Context, aResponse *otamsg.UpgradeEndResponse) {
	state := oFsm.GetCurrentState()
	if state != OtaStWaitForUpgradeMessage && state != OtaStCountdownToUpgrade {
		logger.Debugw(ctx, "upgrade end response ignored", log.Fields{"node-id": oFsm.nodeID, "state": state})
		return
	}
	if !aResponse.ImageID.Matches(oFsm.session.CurrentDownloadFile) {
		logger.Warnw(ctx, "upgrade end response for other image ignored", log.Fields{"node-id": oFsm.nodeID,
			"image": aResponse.ImageID.String()})
		return
	}
	if aResponse.WaitForUpgradeCommand() {
		if state != OtaStWaitForUpgradeMessage {
			logger.Debugw(ctx, "wait for upgrade command ignored during countdown", log.Fields{"node-id": oFsm.nodeID})
			return
		}
		logger.Infow(ctx, "server asks to wait for the upgrade command", log.Fields{"node-id": oFsm.nodeID})
		oFsm.session.UpgradeWaitAttempts = 0
		oFsm.session.UpgradeStatus = cmn.UpgradeStatusWaitingToUpgrade
		oFsm.recordAttributes(ctx)
		oFsm.armDelay(oFsm.config.RunUpgradeRequestDelay)
		return
	}
	if oFsm.config.ActivationPolicy == ActivateOutOfBand {
		if state == OtaStWaitForUpgradeMessage {
			oFsm.cancelTimer()
			oFsm.fireEvent(ctx, OtaEvUpgradeOutOfBand)
		}
		return
	}
	oFsm.cancelTimer()
	delay, ok := otamsg.CalculateTimer(aResponse.CurrentTime, aResponse.UpgradeTime, oFsm.config.MaxTimerDelay,
		oFsm.config.MinUpgradeGrace)
	if !ok {
		logger.Infow(ctx, "upgrade time already passed", log.Fields{"node-id": oFsm.nodeID,
			"current-time": aResponse.CurrentTime, "upgrade-time": aResponse.UpgradeTime})
	}
	if delay < oFsm.config.MinUpgradeGrace {
		delay = oFsm.config.MinUpgradeGrace
	}
	oFsm.session.UpgradeDeadline = oFsm.now().Add(delay)
	logger.Infow(ctx, "upgrade scheduled", log.Fields{"node-id": oFsm.nodeID, "delay": delay})
	if state == OtaStWaitForUpgradeMessage {
		oFsm.fireEvent(ctx, OtaEvCountdown)
		return
	}
	oFsm.armCountdown(ctx)
}

func (oFsm *OtaClientFsm) enterCountdownToUpgrade(ctx context.Context, e *fsm.Event) {
	oFsm.session.UpgradeStatus = cmn.UpgradeStatusCountDown
	oFsm.armCountdown(ctx)
}

func (oFsm *OtaClientFsm) armCountdown(ctx context.Context) {
	remaining := oFsm.session.UpgradeDeadline.Sub(oFsm.now())
	if remaining < 0 {
		remaining = 0
	}
	if oFsm.config.MaxTimerDelay > 0 && remaining > oFsm.config.MaxTimerDelay {
		remaining = oFsm.config.MaxTimerDelay
	}
	logger.Debugw(ctx, "countdown to upgrade", log.Fields{"node-id": oFsm.nodeID, "step": remaining,
		"deadline": oFsm.session.UpgradeDeadline})
	oFsm.armDelay(remaining)
}

func (oFsm *OtaClientFsm) countdownExpired(ctx context.Context) {
	if oFsm.now().Before(oFsm.session.UpgradeDeadline) {
		oFsm.armCountdown(ctx)
		return
	}
	oFsm.runUpgrade(ctx)
}

func (oFsm *OtaClientFsm) enterUpgradeViaOutOfBand(ctx context.Context, e *fsm.Event) {
	oFsm.session.UpgradeStatus = cmn.UpgradeStatusWaitingToUpgrade
	logger.Infow(ctx, "image waiting for out-of-band activation", log.Fields{"node-id": oFsm.nodeID,
		"image": oFsm.session.CurrentDownloadFile.String()})
	oFsm.armDelay(oFsm.config.RunUpgradeRequestDelay)
}

func (oFsm *OtaClientFsm) runUpgrade(ctx context.Context) {
	oFsm.cancelTimer()
	oFsm.imageStatus.activating()
	image := oFsm.session.CurrentDownloadFile
	var err error
	if oFsm.collab.UpgradeRunner == nil {
		err = errors.New("no upgrade runner")
	} else {
		logger.Infow(ctx, "running upgrade", log.Fields{"node-id": oFsm.nodeID, "image": image.String()})
		err = oFsm.collab.UpgradeRunner.RunUpgrade(ctx, image)
	}
	if err != nil {
		logger.Errorw(ctx, "upgrade failed", log.Fields{"node-id": oFsm.nodeID, "image": image.String(), "Err": err})
		oFsm.imageStatus.activationAborted()
		oFsm.fireEvent(ctx, OtaEvQueryNextImage, oFsm.config.QueryDelay)
		return
	}
	logger.Infow(ctx, "upgrade done", log.Fields{"node-id": oFsm.nodeID, "image": image.String()})
	oFsm.imageStatus.activated()
	oFsm.fireEvent(ctx, OtaEvStop)
}

/////////////////////////////////////////////////////////////////////////////
// inbound frames

func (oFsm *OtaClientFsm) handleZclMessage(ctx context.Context, aMsg cmn.ZclMessage) {
	state := oFsm.GetCurrentState()
	if !stateHas(state, capServerFrames) {
		logger.Debugw(ctx, "zcl frame ignored in current state", log.Fields{"node-id": oFsm.nodeID, "state": state})
		return
	}
	if aMsg.Source.ShortAddress != oFsm.session.ServerAddress.ShortAddress {
		logger.Debugw(ctx, "zcl frame of other node ignored", log.Fields{"node-id": oFsm.nodeID,
			"source": aMsg.Source.String(), "server": oFsm.session.ServerAddress.String()})
		return
	}
	if aMsg.ZclPacket == nil {
		return
	}
	if layer := aMsg.ZclPacket.Layer(otamsg.LayerTypeImageNotify); layer != nil {
		if notify, ok := layer.(*otamsg.ImageNotify); ok {
			oFsm.handleImageNotify(ctx, aMsg, notify)
		}
		return
	}
	if aMsg.Broadcast {
		logger.Debugw(ctx, "broadcast zcl response ignored", log.Fields{"node-id": oFsm.nodeID})
		return
	}
	if layer := aMsg.ZclPacket.Layer(otamsg.LayerTypeQueryNextImageResponse); layer != nil {
		if response, ok := layer.(*otamsg.QueryNextImageResponse); ok {
			oFsm.handleQueryNextImageResponse(ctx, response)
		}
		return
	}
	if layer := aMsg.ZclPacket.Layer(otamsg.LayerTypeImageBlockResponse); layer != nil {
		if response, ok := layer.(*otamsg.ImageBlockResponse); ok {
			oFsm.handleImageBlockResponse(ctx, response)
		}
		return
	}
	if layer := aMsg.ZclPacket.Layer(otamsg.LayerTypeUpgradeEndResponse); layer != nil {
		if response, ok := layer.(*otamsg.UpgradeEndResponse); ok {
			oFsm.handleUpgradeEndResponse(ctx, response)
		}
		return
	}
	if layer := aMsg.ZclPacket.Layer(otamsg.LayerTypeDefaultResponse); layer != nil {
		if response, ok := layer.(*otamsg.DefaultResponse); ok {
			oFsm.handleDefaultResponse(ctx, response)
		}
		return
	}
	logger.Debugw(ctx, "zcl frame without client handling ignored", log.Fields{"node-id": oFsm.nodeID})
}

func (oFsm *OtaClientFsm) handleDefaultResponse(ctx context.Context, aResponse *otamsg.DefaultResponse) {
	state := oFsm.GetCurrentState()
	logger.Debugw(ctx, "default response", log.Fields{"node-id": oFsm.nodeID, "state": state,
		"command": aResponse.CommandID, "status": aResponse.Status.String()})
	if aResponse.Status == otamsg.StatusSuccess {
		return
	}
	switch aResponse.CommandID {
	case otamsg.QueryNextImageRequestCommandID:
		if state == OtaStQueryNextImage && oFsm.session.WaitingForResponse {
			oFsm.cancelTimer()
			oFsm.queryFailed(ctx, "query rejected: "+aResponse.Status.String(), oFsm.config.QueryDelay)
		}
	case otamsg.ImagePageRequestCommandID, otamsg.ImageBlockRequestCommandID:
		if state != OtaStDownload || !oFsm.session.WaitingForResponse {
			return
		}
		oFsm.cancelTimer()
		if aResponse.CommandID == otamsg.ImagePageRequestCommandID && aResponse.Status == otamsg.StatusUnsupClusterCommand {
			oFsm.switchToBlockRequests(ctx)
			return
		}
		oFsm.downloadError(ctx, "data request rejected: "+aResponse.Status.String(), oFsm.config.ResponseTimeout)
	case otamsg.UpgradeEndRequestCommandID:
		if aResponse.Status != otamsg.StatusAbort ||
			(state != OtaStWaitForUpgradeMessage && state != OtaStCountdownToUpgrade) {
			return
		}
		logger.Warnw(ctx, "server aborted the upgrade - image discarded", log.Fields{"node-id": oFsm.nodeID,
			"image": oFsm.session.CurrentDownloadFile.String()})
		oFsm.cancelTimer()
		oFsm.imageStatus.downloadFailed(voltha.ImageState_CANCELLED_ON_REQUEST)
		oFsm.discardImage(ctx)
		oFsm.fireEvent(ctx, OtaEvQueryNextImage, oFsm.config.QueryDelay)
	}
}

/////////////////////////////////////////////////////////////////////////////
// attributes

// GetAttributes returns the client attributes, only to be called from the event loop
func (oFsm *OtaClientFsm) GetAttributes() cmn.OtaAttributes {
	session := oFsm.session
	attributes := cmn.OtaAttributes{
		UpgradeServerID:       0xFFFFFFFFFFFFFFFF,
		FileOffset:            session.CurrentOffset,
		CurrentFileVersion:    oFsm.config.OwnImageID.FirmwareVersion,
		DownloadedFileVersion: cmn.FirmwareVersionWildcard,
		DownloadedImageType:   cmn.ImageTypeIDWildcard,
		ManufacturerID:        oFsm.config.OwnImageID.ManufacturerID,
		ImageTypeID:           oFsm.config.OwnImageID.ImageTypeID,
		MinimumBlockPeriod:    session.MinBlockRequestPeriodMs,
		ImageUpgradeStatus:    session.UpgradeStatus,
		DownloadPercentage:    session.DownloadPercentage(),
		FsmState:              oFsm.GetCurrentState(),
	}
	if stateHas(attributes.FsmState, capServerResolved) {
		attributes.UpgradeServerID = session.ServerIeee
	}
	if stateHas(attributes.FsmState, capImageInProgress) {
		attributes.DownloadedFileVersion = session.CurrentDownloadFile.FirmwareVersion
		attributes.DownloadedImageType = session.CurrentDownloadFile.ImageTypeID
	}
	return attributes
}

func (oFsm *OtaClientFsm) recordAttributes(ctx context.Context) {
	if oFsm.collab.AttributeRecorder == nil {
		return
	}
	oFsm.collab.AttributeRecorder.RecordAttributes(ctx, oFsm.GetAttributes())
}
