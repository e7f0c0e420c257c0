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
	"fmt"

	gp "github.com/google/gopacket"
)

// MessageType - type of the messages passed to the client event loop
type MessageType uint8

const (
	// ControlMsg - session control (start, stop, out-of-band activation)
	ControlMsg MessageType = iota
	// TimerMsg - expiry of the session timer
	TimerMsg
	// ZclMsg - inbound OTA cluster frame
	ZclMsg
	// DiscoveryMsg - result of a server discovery or address resolution
	DiscoveryMsg
	// KeyEstablishmentMsg - result of a link key establishment
	KeyEstablishmentMsg
)

// String - Return the text representation of the message type based on integer
func (m MessageType) String() string {
	names := [...]string{
		"ControlMsg",
		"TimerMsg",
		"ZclMsg",
		"DiscoveryMsg",
		"KeyEstablishmentMsg",
	}
	if int(m) >= len(names) {
		return fmt.Sprintf("MessageType(%d)", m)
	}
	return names[m]
}

// Message - message type and data
type Message struct {
	Type MessageType
	Data interface{}
}

//ControlMessageType - control requests into the event loop
type ControlMessageType uint8

const (
	// StartSession - node joined the network or explicit start trigger
	StartSession ControlMessageType = iota + 1
	// StopSession - explicit stop, session is reset to idle
	StopSession
	// ActivateOutOfBand - external trigger for an out-of-band activation
	ActivateOutOfBand
	// AbortMessageProcessing - terminates the event loop
	AbortMessageProcessing
)

//ControlMessage - Struct to hold the control message data
type ControlMessage struct {
	ControlMessageVal ControlMessageType
}

//TimerMessage - expiry of the armed session timer
type TimerMessage struct {
	// Generation of the timer that fired, stale expiries are dropped
	Generation uint32
}

//ZclMessage - decoded OTA cluster frame together with its link information
type ZclMessage struct {
	Source    NodeAddress
	Broadcast bool
	ZclPacket gp.Packet
}

// DiscoveryResultKind - kind of a discovery or address resolution result
type DiscoveryResultKind uint8

const (
	// BroadcastComplete - the broadcast discovery is finished
	BroadcastComplete DiscoveryResultKind = iota
	// BroadcastResponseReceived - a node answered the broadcast discovery
	BroadcastResponseReceived
	// UnicastCompleteWithData - the long address of the requested node is known
	UnicastCompleteWithData
	// UnicastTimeout - the address resolution was not answered
	UnicastTimeout
)

func (k DiscoveryResultKind) String() string {
	names := [...]string{
		"BroadcastComplete",
		"BroadcastResponseReceived",
		"UnicastCompleteWithData",
		"UnicastTimeout",
	}
	if int(k) >= len(names) {
		return fmt.Sprintf("DiscoveryResultKind(%d)", k)
	}
	return names[k]
}

//DiscoveryResult - typed result delivered by the discovery collaborator
type DiscoveryResult struct {
	Kind         DiscoveryResultKind
	MatchAddress uint16
	Endpoints    []uint8
	IeeeAddress  uint64
}

//KeyEstablishmentResult - outcome of the link key exchange with the server
type KeyEstablishmentResult struct {
	Success bool
}

///////////////////////////////////////////////////////////

// NodeAddress identifies a node endpoint in the mesh network
type NodeAddress struct {
	ShortAddress uint16
	Endpoint     uint8
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("0x%04X/%d", a.ShortAddress, a.Endpoint)
}

// well known short addresses
const (
	CoordinatorShortAddress uint16 = 0x0000
	BroadcastShortAddress   uint16 = 0xFFFF
	InvalidShortAddress     uint16 = 0xFFFE
)

// OtaClusterID - OTA upgrade cluster
const OtaClusterID uint16 = 0x0019

// wildcard values of the image id fields
const (
	ManufacturerIDWildcard  uint16 = 0xFFFF
	ImageTypeIDWildcard     uint16 = 0xFFFF
	FirmwareVersionWildcard uint32 = 0xFFFFFFFF
)

// ImageID identifies a firmware image
type ImageID struct {
	ManufacturerID  uint16 `json:"manufacturer_id" cbor:"1,keyasint"`
	ImageTypeID     uint16 `json:"image_type_id" cbor:"2,keyasint"`
	FirmwareVersion uint32 `json:"firmware_version" cbor:"3,keyasint"`
}

// InvalidImageID is used when no image is known
var InvalidImageID = ImageID{
	ManufacturerID:  ManufacturerIDWildcard,
	ImageTypeID:     ImageTypeIDWildcard,
	FirmwareVersion: FirmwareVersionWildcard,
}

func (id ImageID) String() string {
	return fmt.Sprintf("mfg=0x%04X type=0x%04X version=0x%08X", id.ManufacturerID, id.ImageTypeID, id.FirmwareVersion)
}

// IsValid - returns false for the all-wildcard id
func (id ImageID) IsValid() bool {
	return id != InvalidImageID
}

// Matches compares an id echoed by a server against aRef, wildcard fields of id are ignored
func (id ImageID) Matches(aRef ImageID) bool {
	if id.ManufacturerID != ManufacturerIDWildcard && id.ManufacturerID != aRef.ManufacturerID {
		return false
	}
	if id.ImageTypeID != ImageTypeIDWildcard && id.ImageTypeID != aRef.ImageTypeID {
		return false
	}
	if id.FirmwareVersion != FirmwareVersionWildcard && id.FirmwareVersion != aRef.FirmwareVersion {
		return false
	}
	return true
}

// SameKind - manufacturer and image type are equal
func (id ImageID) SameKind(aRef ImageID) bool {
	return id.ManufacturerID == aRef.ManufacturerID && id.ImageTypeID == aRef.ImageTypeID
}

///////////////////////////////////////////////////////////

// TempDataState - state of the temporary download data in the image storage
type TempDataState uint8

const (
	// TempDataNone - no temporary data present
	TempDataNone TempDataState = iota
	// TempDataPartial - a download is partially stored
	TempDataPartial
	// TempDataComplete - a download is complete but not yet applied
	TempDataComplete
)

func (s TempDataState) String() string {
	names := [...]string{"none", "partial", "complete"}
	if int(s) >= len(names) {
		return fmt.Sprintf("TempDataState(%d)", s)
	}
	return names[s]
}

// TempDataInfo - what the image storage knows about the temporary download
type TempDataInfo struct {
	State     TempDataState
	Offset    uint32
	TotalSize uint32
	ImageID   ImageID
}

// VerifyStatus - result of one step of a chunked image verification
type VerifyStatus uint8

const (
	// VerifyInProgress - further calls are required
	VerifyInProgress VerifyStatus = iota
	// VerifyGood - image is accepted
	VerifyGood
	// VerifyBad - image is rejected
	VerifyBad
	// VerifyUnsupported - no verification available for this image
	VerifyUnsupported
)

func (s VerifyStatus) String() string {
	names := [...]string{"in-progress", "good", "bad", "unsupported"}
	if int(s) >= len(names) {
		return fmt.Sprintf("VerifyStatus(%d)", s)
	}
	return names[s]
}

///////////////////////////////////////////////////////////

// ImageUpgradeStatus as exposed in the client attributes
type ImageUpgradeStatus uint8

// image upgrade status values
const (
	UpgradeStatusNormal ImageUpgradeStatus = iota
	UpgradeStatusDownloadInProgress
	UpgradeStatusDownloadComplete
	UpgradeStatusWaitingToUpgrade
	UpgradeStatusCountDown
	UpgradeStatusWaitForMore
)

// UpgradeStatusMap holds the human readable upgrade status strings
var UpgradeStatusMap = map[ImageUpgradeStatus]string{
	UpgradeStatusNormal:             "normal",
	UpgradeStatusDownloadInProgress: "download-in-progress",
	UpgradeStatusDownloadComplete:   "download-complete",
	UpgradeStatusWaitingToUpgrade:   "waiting-to-upgrade",
	UpgradeStatusCountDown:          "count-down",
	UpgradeStatusWaitForMore:        "wait-for-more",
}

func (s ImageUpgradeStatus) String() string {
	if name, ok := UpgradeStatusMap[s]; ok {
		return name
	}
	return fmt.Sprintf("ImageUpgradeStatus(%d)", s)
}

// OtaAttributes - externally readable state of the OTA client
type OtaAttributes struct {
	UpgradeServerID       uint64
	FileOffset            uint32
	CurrentFileVersion    uint32
	DownloadedFileVersion uint32
	DownloadedImageType   uint16
	ManufacturerID        uint16
	ImageTypeID           uint16
	MinimumBlockPeriod    uint16
	ImageUpgradeStatus    ImageUpgradeStatus
	DownloadPercentage    uint8
	FsmState              string
}
