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

package otamsg

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

const (
	imageIDLength = 8
	ieeeLength    = 8

	qniHardwareVersionPresent    = 0x01
	blockRequestIeeePresent      = 0x01
	blockRequestMinPeriodPresent = 0x02
	pageRequestIeeePresent       = 0x01
)

// UpgradeTimeWaitForCommand - upgrade time value telling the client to wait for a further upgrade command
const UpgradeTimeWaitForCommand uint32 = 0xFFFFFFFF

// MaxImageNotifyJitter - a jitter of this value makes every receiver respond
const MaxImageNotifyJitter uint8 = 100

func decodeImageID(data []byte) cmn.ImageID {
	return cmn.ImageID{
		ManufacturerID:  binary.LittleEndian.Uint16(data[0:]),
		ImageTypeID:     binary.LittleEndian.Uint16(data[2:]),
		FirmwareVersion: binary.LittleEndian.Uint32(data[4:]),
	}
}

func encodeImageID(data []byte, aImageID cmn.ImageID) {
	binary.LittleEndian.PutUint16(data[0:], aImageID.ManufacturerID)
	binary.LittleEndian.PutUint16(data[2:], aImageID.ImageTypeID)
	binary.LittleEndian.PutUint32(data[4:], aImageID.FirmwareVersion)
}

func checkLength(aCommand string, data []byte, aMinLength int, df gopacket.DecodeFeedback) error {
	if len(data) < aMinLength {
		df.SetTruncated()
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, aCommand, aMinLength, len(data))
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
// Image Notify

// ImageNotifyPayloadType - specificity of an image notify
type ImageNotifyPayloadType uint8

// image notify payload types
const (
	NotifyQueryJitter ImageNotifyPayloadType = iota
	NotifyManufacturer
	NotifyImageType
	NotifyNewFileVersion
)

var notifyPayloadLength = [...]int{2, 4, 6, 10}

// ImageNotify is sent by a server to announce an image. Id fields not carried by the
// payload type are decoded as wildcards.
type ImageNotify struct {
	layers.BaseLayer
	PayloadType ImageNotifyPayloadType
	QueryJitter uint8
	ImageID     cmn.ImageID
}

// LayerType returns LayerTypeImageNotify
func (n *ImageNotify) LayerType() gopacket.LayerType { return LayerTypeImageNotify }

// DecodeFromBytes decodes the image notify payload
func (n *ImageNotify) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkLength("image-notify", data, 2, df); err != nil {
		return err
	}
	n.PayloadType = ImageNotifyPayloadType(data[0])
	if int(n.PayloadType) >= len(notifyPayloadLength) {
		return fmt.Errorf("%w: image-notify payload type %d", ErrMalformed, n.PayloadType)
	}
	length := notifyPayloadLength[n.PayloadType]
	if err := checkLength("image-notify", data, length, df); err != nil {
		return err
	}
	n.QueryJitter = data[1]
	if n.QueryJitter == 0 || n.QueryJitter > MaxImageNotifyJitter {
		return fmt.Errorf("%w: image-notify jitter %d", ErrMalformed, n.QueryJitter)
	}
	n.ImageID = cmn.InvalidImageID
	if n.PayloadType >= NotifyManufacturer {
		n.ImageID.ManufacturerID = binary.LittleEndian.Uint16(data[2:])
	}
	if n.PayloadType >= NotifyImageType {
		n.ImageID.ImageTypeID = binary.LittleEndian.Uint16(data[4:])
	}
	if n.PayloadType >= NotifyNewFileVersion {
		n.ImageID.FirmwareVersion = binary.LittleEndian.Uint32(data[6:])
	}
	n.BaseLayer = layers.BaseLayer{Contents: data[:length], Payload: data[length:]}
	return nil
}

// SerializeTo prepends the image notify payload
func (n *ImageNotify) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if int(n.PayloadType) >= len(notifyPayloadLength) {
		return fmt.Errorf("invalid image-notify payload type %d", n.PayloadType)
	}
	bytes, err := b.PrependBytes(notifyPayloadLength[n.PayloadType])
	if err != nil {
		return err
	}
	bytes[0] = uint8(n.PayloadType)
	bytes[1] = n.QueryJitter
	if n.PayloadType >= NotifyManufacturer {
		binary.LittleEndian.PutUint16(bytes[2:], n.ImageID.ManufacturerID)
	}
	if n.PayloadType >= NotifyImageType {
		binary.LittleEndian.PutUint16(bytes[4:], n.ImageID.ImageTypeID)
	}
	if n.PayloadType >= NotifyNewFileVersion {
		binary.LittleEndian.PutUint32(bytes[6:], n.ImageID.FirmwareVersion)
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
// Query Next Image

// QueryNextImageRequest carries the currently running image of the client
type QueryNextImageRequest struct {
	layers.BaseLayer
	ImageID         cmn.ImageID
	HardwareVersion *uint16
}

// LayerType returns LayerTypeQueryNextImageRequest
func (r *QueryNextImageRequest) LayerType() gopacket.LayerType {
	return LayerTypeQueryNextImageRequest
}

// DecodeFromBytes decodes the query next image request payload
func (r *QueryNextImageRequest) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	length := 1 + imageIDLength
	if err := checkLength("query-next-image-request", data, length, df); err != nil {
		return err
	}
	r.ImageID = decodeImageID(data[1:])
	r.HardwareVersion = nil
	if data[0]&qniHardwareVersionPresent != 0 {
		length += 2
		if err := checkLength("query-next-image-request", data, length, df); err != nil {
			return err
		}
		hwVersion := binary.LittleEndian.Uint16(data[1+imageIDLength:])
		r.HardwareVersion = &hwVersion
	}
	r.BaseLayer = layers.BaseLayer{Contents: data[:length], Payload: data[length:]}
	return nil
}

// SerializeTo prepends the query next image request payload
func (r *QueryNextImageRequest) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	length := 1 + imageIDLength
	if r.HardwareVersion != nil {
		length += 2
	}
	bytes, err := b.PrependBytes(length)
	if err != nil {
		return err
	}
	bytes[0] = 0
	encodeImageID(bytes[1:], r.ImageID)
	if r.HardwareVersion != nil {
		bytes[0] |= qniHardwareVersionPresent
		binary.LittleEndian.PutUint16(bytes[1+imageIDLength:], *r.HardwareVersion)
	}
	return nil
}

// QueryNextImageResponse offers an image on success, otherwise only the status is present
type QueryNextImageResponse struct {
	layers.BaseLayer
	Status    Status
	ImageID   cmn.ImageID
	ImageSize uint32
}

// LayerType returns LayerTypeQueryNextImageResponse
func (r *QueryNextImageResponse) LayerType() gopacket.LayerType {
	return LayerTypeQueryNextImageResponse
}

// DecodeFromBytes decodes the query next image response payload
func (r *QueryNextImageResponse) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkLength("query-next-image-response", data, 1, df); err != nil {
		return err
	}
	r.Status = Status(data[0])
	length := 1
	if r.Status == StatusSuccess {
		length += imageIDLength + 4
		if err := checkLength("query-next-image-response", data, length, df); err != nil {
			return err
		}
		r.ImageID = decodeImageID(data[1:])
		r.ImageSize = binary.LittleEndian.Uint32(data[1+imageIDLength:])
	}
	r.BaseLayer = layers.BaseLayer{Contents: data[:length], Payload: data[length:]}
	return nil
}

// SerializeTo prepends the query next image response payload
func (r *QueryNextImageResponse) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	length := 1
	if r.Status == StatusSuccess {
		length += imageIDLength + 4
	}
	bytes, err := b.PrependBytes(length)
	if err != nil {
		return err
	}
	bytes[0] = uint8(r.Status)
	if r.Status == StatusSuccess {
		encodeImageID(bytes[1:], r.ImageID)
		binary.LittleEndian.PutUint32(bytes[1+imageIDLength:], r.ImageSize)
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
// Image Block / Page

// ImageBlockRequest solicits one block of image data
type ImageBlockRequest struct {
	layers.BaseLayer
	ImageID            cmn.ImageID
	FileOffset         uint32
	MaxDataSize        uint8
	RequestNodeAddress *uint64
	MinimumBlockPeriod *uint16
}

// LayerType returns LayerTypeImageBlockRequest
func (r *ImageBlockRequest) LayerType() gopacket.LayerType { return LayerTypeImageBlockRequest }

// DecodeFromBytes decodes the image block request payload
func (r *ImageBlockRequest) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	length := 1 + imageIDLength + 4 + 1
	if err := checkLength("image-block-request", data, length, df); err != nil {
		return err
	}
	fieldControl := data[0]
	r.ImageID = decodeImageID(data[1:])
	r.FileOffset = binary.LittleEndian.Uint32(data[9:])
	r.MaxDataSize = data[13]
	r.RequestNodeAddress = nil
	r.MinimumBlockPeriod = nil
	if fieldControl&blockRequestIeeePresent != 0 {
		if err := checkLength("image-block-request", data, length+ieeeLength, df); err != nil {
			return err
		}
		ieee := binary.LittleEndian.Uint64(data[length:])
		r.RequestNodeAddress = &ieee
		length += ieeeLength
	}
	if fieldControl&blockRequestMinPeriodPresent != 0 {
		if err := checkLength("image-block-request", data, length+2, df); err != nil {
			return err
		}
		period := binary.LittleEndian.Uint16(data[length:])
		r.MinimumBlockPeriod = &period
		length += 2
	}
	r.BaseLayer = layers.BaseLayer{Contents: data[:length], Payload: data[length:]}
	return nil
}

// SerializeTo prepends the image block request payload
func (r *ImageBlockRequest) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	length := 1 + imageIDLength + 4 + 1
	if r.RequestNodeAddress != nil {
		length += ieeeLength
	}
	if r.MinimumBlockPeriod != nil {
		length += 2
	}
	bytes, err := b.PrependBytes(length)
	if err != nil {
		return err
	}
	bytes[0] = 0
	encodeImageID(bytes[1:], r.ImageID)
	binary.LittleEndian.PutUint32(bytes[9:], r.FileOffset)
	bytes[13] = r.MaxDataSize
	pos := 14
	if r.RequestNodeAddress != nil {
		bytes[0] |= blockRequestIeeePresent
		binary.LittleEndian.PutUint64(bytes[pos:], *r.RequestNodeAddress)
		pos += ieeeLength
	}
	if r.MinimumBlockPeriod != nil {
		bytes[0] |= blockRequestMinPeriodPresent
		binary.LittleEndian.PutUint16(bytes[pos:], *r.MinimumBlockPeriod)
	}
	return nil
}

// ImagePageRequest solicits a page of image data delivered as several block responses
type ImagePageRequest struct {
	layers.BaseLayer
	ImageID            cmn.ImageID
	FileOffset         uint32
	MaxDataSize        uint8
	PageSize           uint16
	ResponseSpacing    uint16
	RequestNodeAddress *uint64
}

// LayerType returns LayerTypeImagePageRequest
func (r *ImagePageRequest) LayerType() gopacket.LayerType { return LayerTypeImagePageRequest }

// DecodeFromBytes decodes the image page request payload
func (r *ImagePageRequest) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	length := 1 + imageIDLength + 4 + 1 + 2 + 2
	if err := checkLength("image-page-request", data, length, df); err != nil {
		return err
	}
	fieldControl := data[0]
	r.ImageID = decodeImageID(data[1:])
	r.FileOffset = binary.LittleEndian.Uint32(data[9:])
	r.MaxDataSize = data[13]
	r.PageSize = binary.LittleEndian.Uint16(data[14:])
	r.ResponseSpacing = binary.LittleEndian.Uint16(data[16:])
	r.RequestNodeAddress = nil
	if fieldControl&pageRequestIeeePresent != 0 {
		if err := checkLength("image-page-request", data, length+ieeeLength, df); err != nil {
			return err
		}
		ieee := binary.LittleEndian.Uint64(data[length:])
		r.RequestNodeAddress = &ieee
		length += ieeeLength
	}
	r.BaseLayer = layers.BaseLayer{Contents: data[:length], Payload: data[length:]}
	return nil
}

// SerializeTo prepends the image page request payload
func (r *ImagePageRequest) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	length := 1 + imageIDLength + 4 + 1 + 2 + 2
	if r.RequestNodeAddress != nil {
		length += ieeeLength
	}
	bytes, err := b.PrependBytes(length)
	if err != nil {
		return err
	}
	bytes[0] = 0
	encodeImageID(bytes[1:], r.ImageID)
	binary.LittleEndian.PutUint32(bytes[9:], r.FileOffset)
	bytes[13] = r.MaxDataSize
	binary.LittleEndian.PutUint16(bytes[14:], r.PageSize)
	binary.LittleEndian.PutUint16(bytes[16:], r.ResponseSpacing)
	if r.RequestNodeAddress != nil {
		bytes[0] |= pageRequestIeeePresent
		binary.LittleEndian.PutUint64(bytes[18:], *r.RequestNodeAddress)
	}
	return nil
}

// ImageBlockResponse answers block and page requests. The populated fields depend on
// Status: data fields on success, the two times and an optional revised minimum block
// period on wait-for-data, nothing otherwise.
type ImageBlockResponse struct {
	layers.BaseLayer
	Status             Status
	ImageID            cmn.ImageID
	FileOffset         uint32
	Data               []byte
	CurrentTime        uint32
	RequestTime        uint32
	MinimumBlockPeriod *uint16
}

// LayerType returns LayerTypeImageBlockResponse
func (r *ImageBlockResponse) LayerType() gopacket.LayerType { return LayerTypeImageBlockResponse }

// DecodeFromBytes decodes the image block response payload
func (r *ImageBlockResponse) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkLength("image-block-response", data, 1, df); err != nil {
		return err
	}
	r.Status = Status(data[0])
	r.Data = nil
	r.MinimumBlockPeriod = nil
	length := 1
	switch r.Status {
	case StatusSuccess:
		length += imageIDLength + 4 + 1
		if err := checkLength("image-block-response", data, length, df); err != nil {
			return err
		}
		r.ImageID = decodeImageID(data[1:])
		r.FileOffset = binary.LittleEndian.Uint32(data[9:])
		dataSize := int(data[13])
		if err := checkLength("image-block-response", data, length+dataSize, df); err != nil {
			return err
		}
		r.Data = data[length : length+dataSize]
		length += dataSize
	case StatusWaitForData:
		length += 8
		if err := checkLength("image-block-response", data, length, df); err != nil {
			return err
		}
		r.CurrentTime = binary.LittleEndian.Uint32(data[1:])
		r.RequestTime = binary.LittleEndian.Uint32(data[5:])
		if len(data) >= length+2 {
			period := binary.LittleEndian.Uint16(data[length:])
			r.MinimumBlockPeriod = &period
			length += 2
		}
	}
	r.BaseLayer = layers.BaseLayer{Contents: data[:length], Payload: data[length:]}
	return nil
}

// SerializeTo prepends the image block response payload
func (r *ImageBlockResponse) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	length := 1
	switch r.Status {
	case StatusSuccess:
		if len(r.Data) > 0xFF {
			return fmt.Errorf("image-block-response data of %d bytes exceeds the data size field", len(r.Data))
		}
		length += imageIDLength + 4 + 1 + len(r.Data)
	case StatusWaitForData:
		length += 8
		if r.MinimumBlockPeriod != nil {
			length += 2
		}
	}
	bytes, err := b.PrependBytes(length)
	if err != nil {
		return err
	}
	bytes[0] = uint8(r.Status)
	switch r.Status {
	case StatusSuccess:
		encodeImageID(bytes[1:], r.ImageID)
		binary.LittleEndian.PutUint32(bytes[9:], r.FileOffset)
		bytes[13] = uint8(len(r.Data))
		copy(bytes[14:], r.Data)
	case StatusWaitForData:
		binary.LittleEndian.PutUint32(bytes[1:], r.CurrentTime)
		binary.LittleEndian.PutUint32(bytes[5:], r.RequestTime)
		if r.MinimumBlockPeriod != nil {
			binary.LittleEndian.PutUint16(bytes[9:], *r.MinimumBlockPeriod)
		}
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
// Upgrade End

// UpgradeEndRequest reports the result of a download to the server
type UpgradeEndRequest struct {
	layers.BaseLayer
	Status  Status
	ImageID cmn.ImageID
}

// LayerType returns LayerTypeUpgradeEndRequest
func (r *UpgradeEndRequest) LayerType() gopacket.LayerType { return LayerTypeUpgradeEndRequest }

// DecodeFromBytes decodes the upgrade end request payload
func (r *UpgradeEndRequest) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	length := 1 + imageIDLength
	if err := checkLength("upgrade-end-request", data, length, df); err != nil {
		return err
	}
	r.Status = Status(data[0])
	r.ImageID = decodeImageID(data[1:])
	r.BaseLayer = layers.BaseLayer{Contents: data[:length], Payload: data[length:]}
	return nil
}

// SerializeTo prepends the upgrade end request payload
func (r *UpgradeEndRequest) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(1 + imageIDLength)
	if err != nil {
		return err
	}
	bytes[0] = uint8(r.Status)
	encodeImageID(bytes[1:], r.ImageID)
	return nil
}

// UpgradeEndResponse tells the client when to activate the downloaded image.
// A CurrentTime of zero makes UpgradeTime an offset in seconds.
type UpgradeEndResponse struct {
	layers.BaseLayer
	ImageID     cmn.ImageID
	CurrentTime uint32
	UpgradeTime uint32
}

// LayerType returns LayerTypeUpgradeEndResponse
func (r *UpgradeEndResponse) LayerType() gopacket.LayerType { return LayerTypeUpgradeEndResponse }

// DecodeFromBytes decodes the upgrade end response payload
func (r *UpgradeEndResponse) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	length := imageIDLength + 4 + 4
	if err := checkLength("upgrade-end-response", data, length, df); err != nil {
		return err
	}
	r.ImageID = decodeImageID(data)
	r.CurrentTime = binary.LittleEndian.Uint32(data[8:])
	r.UpgradeTime = binary.LittleEndian.Uint32(data[12:])
	r.BaseLayer = layers.BaseLayer{Contents: data[:length], Payload: data[length:]}
	return nil
}

// SerializeTo prepends the upgrade end response payload
func (r *UpgradeEndResponse) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(imageIDLength + 4 + 4)
	if err != nil {
		return err
	}
	encodeImageID(bytes, r.ImageID)
	binary.LittleEndian.PutUint32(bytes[8:], r.CurrentTime)
	binary.LittleEndian.PutUint32(bytes[12:], r.UpgradeTime)
	return nil
}

// WaitForUpgradeCommand - the server will send a further upgrade command
func (r *UpgradeEndResponse) WaitForUpgradeCommand() bool {
	return r.UpgradeTime == UpgradeTimeWaitForCommand
}

/////////////////////////////////////////////////////////////////////////////
// Default Response

// DefaultResponse is the profile wide answer to a command without specific response
type DefaultResponse struct {
	layers.BaseLayer
	CommandID CommandID
	Status    Status
}

// LayerType returns LayerTypeDefaultResponse
func (r *DefaultResponse) LayerType() gopacket.LayerType { return LayerTypeDefaultResponse }

// DecodeFromBytes decodes the default response payload
func (r *DefaultResponse) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkLength("default-response", data, 2, df); err != nil {
		return err
	}
	r.CommandID = CommandID(data[0])
	r.Status = Status(data[1])
	r.BaseLayer = layers.BaseLayer{Contents: data[:2], Payload: data[2:]}
	return nil
}

// SerializeTo prepends the default response payload
func (r *DefaultResponse) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(2)
	if err != nil {
		return err
	}
	bytes[0] = uint8(r.CommandID)
	bytes[1] = uint8(r.Status)
	return nil
}
