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

//Package otamsg provides the codec of the ZCL OTA upgrade cluster frames
package otamsg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrMalformed is returned for frames that are too short or internally inconsistent
var ErrMalformed = errors.New("malformed-zcl-frame")

// FrameType - ZCL frame type bits of the frame control field
type FrameType uint8

// ZCL frame types
const (
	FrameTypeProfileWide     FrameType = 0x00
	FrameTypeClusterSpecific FrameType = 0x01
)

// Direction - ZCL direction bit of the frame control field
type Direction uint8

// ZCL directions
const (
	ClientToServer Direction = 0x00
	ServerToClient Direction = 0x01
)

const (
	fcFrameTypeMask             = 0x03
	fcManufacturerSpecific      = 0x04
	fcDirectionServerToClient   = 0x08
	fcDisableDefaultResponse    = 0x10
	zclHeaderLength             = 3
	zclManufacturerHeaderLength = 5
)

// CommandID - ZCL command identifier
type CommandID uint8

// OTA upgrade cluster specific commands
const (
	ImageNotifyCommandID            CommandID = 0x00
	QueryNextImageRequestCommandID  CommandID = 0x01
	QueryNextImageResponseCommandID CommandID = 0x02
	ImageBlockRequestCommandID      CommandID = 0x03
	ImagePageRequestCommandID       CommandID = 0x04
	ImageBlockResponseCommandID     CommandID = 0x05
	UpgradeEndRequestCommandID      CommandID = 0x06
	UpgradeEndResponseCommandID     CommandID = 0x07
)

// DefaultResponseCommandID - profile wide default response
const DefaultResponseCommandID CommandID = 0x0B

// Status - ZCL status code
type Status uint8

// ZCL status codes used by the OTA upgrade cluster
const (
	StatusSuccess                  Status = 0x00
	StatusNotAuthorized            Status = 0x7E
	StatusMalformedCommand         Status = 0x80
	StatusUnsupClusterCommand      Status = 0x81
	StatusUnsupManufClusterCommand Status = 0x83
	StatusAbort                    Status = 0x95
	StatusInvalidImage             Status = 0x96
	StatusWaitForData              Status = 0x97
	StatusNoImageAvailable         Status = 0x98
	StatusRequireMoreImage         Status = 0x99
)

var statusNames = map[Status]string{
	StatusSuccess:                  "success",
	StatusNotAuthorized:            "not-authorized",
	StatusMalformedCommand:         "malformed-command",
	StatusUnsupClusterCommand:      "unsup-cluster-command",
	StatusUnsupManufClusterCommand: "unsup-manuf-cluster-command",
	StatusAbort:                    "abort",
	StatusInvalidImage:             "invalid-image",
	StatusWaitForData:              "wait-for-data",
	StatusNoImageAvailable:         "no-image-available",
	StatusRequireMoreImage:         "require-more-image",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status-0x%02X", uint8(s))
}

// ZclFrame is the ZCL header preceding every OTA command
type ZclFrame struct {
	layers.BaseLayer
	FrameType              FrameType
	ManufacturerSpecific   bool
	Direction              Direction
	DisableDefaultResponse bool
	ManufacturerCode       uint16
	SequenceNumber         uint8
	CommandID              CommandID
}

type commandKey struct {
	direction Direction
	command   CommandID
}

var clusterCommandLayers = map[commandKey]gopacket.LayerType{
	{ServerToClient, ImageNotifyCommandID}:            LayerTypeImageNotify,
	{ClientToServer, QueryNextImageRequestCommandID}:  LayerTypeQueryNextImageRequest,
	{ServerToClient, QueryNextImageResponseCommandID}: LayerTypeQueryNextImageResponse,
	{ClientToServer, ImageBlockRequestCommandID}:      LayerTypeImageBlockRequest,
	{ClientToServer, ImagePageRequestCommandID}:       LayerTypeImagePageRequest,
	{ServerToClient, ImageBlockResponseCommandID}:     LayerTypeImageBlockResponse,
	{ClientToServer, UpgradeEndRequestCommandID}:      LayerTypeUpgradeEndRequest,
	{ServerToClient, UpgradeEndResponseCommandID}:     LayerTypeUpgradeEndResponse,
}

// NewClientFrame returns the header of a cluster specific command sent by the client
func NewClientFrame(aSequenceNumber uint8, aCommandID CommandID) *ZclFrame {
	return &ZclFrame{
		FrameType:      FrameTypeClusterSpecific,
		Direction:      ClientToServer,
		SequenceNumber: aSequenceNumber,
		CommandID:      aCommandID,
	}
}

// LayerType returns LayerTypeZclFrame
func (f *ZclFrame) LayerType() gopacket.LayerType { return LayerTypeZclFrame }

// CanDecode returns the set of layer types that this DecodingLayer can decode
func (f *ZclFrame) CanDecode() gopacket.LayerClass { return LayerTypeZclFrame }

// NextLayerType selects the command layer from frame type, direction and command id
func (f *ZclFrame) NextLayerType() gopacket.LayerType {
	if f.FrameType == FrameTypeProfileWide {
		if f.CommandID == DefaultResponseCommandID {
			return LayerTypeDefaultResponse
		}
		return gopacket.LayerTypePayload
	}
	if f.FrameType != FrameTypeClusterSpecific || f.ManufacturerSpecific {
		return gopacket.LayerTypePayload
	}
	if layerType, ok := clusterCommandLayers[commandKey{f.Direction, f.CommandID}]; ok {
		return layerType
	}
	return gopacket.LayerTypePayload
}

// IsKnownCommand - a command layer exists for this header
func (f *ZclFrame) IsKnownCommand() bool {
	return f.NextLayerType() != gopacket.LayerTypePayload
}

// DecodeFromBytes decodes the ZCL header
func (f *ZclFrame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < zclHeaderLength {
		df.SetTruncated()
		return fmt.Errorf("%w: zcl header of %d bytes", ErrMalformed, len(data))
	}
	frameControl := data[0]
	f.FrameType = FrameType(frameControl & fcFrameTypeMask)
	f.ManufacturerSpecific = frameControl&fcManufacturerSpecific != 0
	f.DisableDefaultResponse = frameControl&fcDisableDefaultResponse != 0
	f.Direction = ClientToServer
	if frameControl&fcDirectionServerToClient != 0 {
		f.Direction = ServerToClient
	}
	headerLength := zclHeaderLength
	f.ManufacturerCode = 0
	if f.ManufacturerSpecific {
		headerLength = zclManufacturerHeaderLength
		if len(data) < headerLength {
			df.SetTruncated()
			return fmt.Errorf("%w: manufacturer specific zcl header of %d bytes", ErrMalformed, len(data))
		}
		f.ManufacturerCode = binary.LittleEndian.Uint16(data[1:])
	}
	f.SequenceNumber = data[headerLength-2]
	f.CommandID = CommandID(data[headerLength-1])
	f.BaseLayer = layers.BaseLayer{Contents: data[:headerLength], Payload: data[headerLength:]}
	return nil
}

// SerializeTo prepends the ZCL header
func (f *ZclFrame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	headerLength := zclHeaderLength
	if f.ManufacturerSpecific {
		headerLength = zclManufacturerHeaderLength
	}
	bytes, err := b.PrependBytes(headerLength)
	if err != nil {
		return err
	}
	frameControl := uint8(f.FrameType) & fcFrameTypeMask
	if f.ManufacturerSpecific {
		frameControl |= fcManufacturerSpecific
		binary.LittleEndian.PutUint16(bytes[1:], f.ManufacturerCode)
	}
	if f.Direction == ServerToClient {
		frameControl |= fcDirectionServerToClient
	}
	if f.DisableDefaultResponse {
		frameControl |= fcDisableDefaultResponse
	}
	bytes[0] = frameControl
	bytes[headerLength-2] = f.SequenceNumber
	bytes[headerLength-1] = uint8(f.CommandID)
	return nil
}

func decodeZclFrame(data []byte, p gopacket.PacketBuilder) error {
	frame := &ZclFrame{}
	if err := frame.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(frame)
	return p.NextDecoder(frame.NextLayerType())
}
