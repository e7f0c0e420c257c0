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
	"testing"
	"time"

	"github.com/google/gopacket"
	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testImageID = cmn.ImageID{ManufacturerID: 0x1002, ImageTypeID: 0x5678, FirmwareVersion: 0x00000010}

func serverFrame(aSeq uint8, aCommandID CommandID) *ZclFrame {
	return &ZclFrame{
		FrameType:      FrameTypeClusterSpecific,
		Direction:      ServerToClient,
		SequenceNumber: aSeq,
		CommandID:      aCommandID,
	}
}

func TestQueryNextImageRequestEncoding(t *testing.T) {
	hwVersion := uint16(0x0102)
	data, err := Serialize(NewClientFrame(7, QueryNextImageRequestCommandID),
		&QueryNextImageRequest{ImageID: testImageID, HardwareVersion: &hwVersion})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x01, 0x07, 0x01, // header
		0x01,                   // field control, hardware version present
		0x02, 0x10, 0x78, 0x56, // manufacturer, image type
		0x10, 0x00, 0x00, 0x00, // version
		0x02, 0x01, // hardware version
	}, data)

	packet, header, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ClientToServer, header.Direction)
	assert.Equal(t, uint8(7), header.SequenceNumber)
	request, ok := packet.Layer(LayerTypeQueryNextImageRequest).(*QueryNextImageRequest)
	require.True(t, ok)
	assert.Equal(t, testImageID, request.ImageID)
	require.NotNil(t, request.HardwareVersion)
	assert.Equal(t, hwVersion, *request.HardwareVersion)
}

func TestQueryNextImageResponseStatusOnly(t *testing.T) {
	data, err := Serialize(serverFrame(3, QueryNextImageResponseCommandID),
		&QueryNextImageResponse{Status: StatusNoImageAvailable})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x09, 0x03, 0x02, 0x98}, data)

	packet, _, err := Decode(data)
	require.NoError(t, err)
	response := packet.Layer(LayerTypeQueryNextImageResponse).(*QueryNextImageResponse)
	assert.Equal(t, StatusNoImageAvailable, response.Status)
}

func TestQueryNextImageResponseTruncated(t *testing.T) {
	// success status without image id and size
	packet, header, err := Decode([]byte{0x09, 0x03, 0x02, 0x00, 0x02, 0x10})
	assert.ErrorIs(t, err, ErrMalformed)
	require.NotNil(t, header)
	assert.Equal(t, QueryNextImageResponseCommandID, header.CommandID)
	assert.Nil(t, packet.Layer(LayerTypeQueryNextImageResponse))
}

func TestImageBlockResponseSuccess(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	data, err := Serialize(serverFrame(1, ImageBlockResponseCommandID),
		&ImageBlockResponse{Status: StatusSuccess, ImageID: testImageID, FileOffset: 128, Data: payload})
	require.NoError(t, err)

	packet, _, err := Decode(data)
	require.NoError(t, err)
	response := packet.Layer(LayerTypeImageBlockResponse).(*ImageBlockResponse)
	assert.Equal(t, StatusSuccess, response.Status)
	assert.Equal(t, testImageID, response.ImageID)
	assert.Equal(t, uint32(128), response.FileOffset)
	assert.Equal(t, payload, response.Data)
}

func TestImageBlockResponseDataSizeMismatch(t *testing.T) {
	data, err := Serialize(serverFrame(1, ImageBlockResponseCommandID),
		&ImageBlockResponse{Status: StatusSuccess, ImageID: testImageID, Data: []byte{1, 2, 3, 4}})
	require.NoError(t, err)
	_, _, err = Decode(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestImageBlockResponseWaitForData(t *testing.T) {
	period := uint16(250)
	data, err := Serialize(serverFrame(1, ImageBlockResponseCommandID),
		&ImageBlockResponse{Status: StatusWaitForData, CurrentTime: 1000, RequestTime: 1030, MinimumBlockPeriod: &period})
	require.NoError(t, err)
	packet, _, err := Decode(data)
	require.NoError(t, err)
	response := packet.Layer(LayerTypeImageBlockResponse).(*ImageBlockResponse)
	assert.Equal(t, uint32(1000), response.CurrentTime)
	assert.Equal(t, uint32(1030), response.RequestTime)
	require.NotNil(t, response.MinimumBlockPeriod)
	assert.Equal(t, period, *response.MinimumBlockPeriod)

	// the minimum block period is optional
	packet, _, err = Decode(data[:len(data)-2])
	require.NoError(t, err)
	response = packet.Layer(LayerTypeImageBlockResponse).(*ImageBlockResponse)
	assert.Nil(t, response.MinimumBlockPeriod)
}

func TestImageBlockRequestOptionalFields(t *testing.T) {
	period := uint16(100)
	data, err := Serialize(NewClientFrame(2, ImageBlockRequestCommandID),
		&ImageBlockRequest{ImageID: testImageID, FileOffset: 64, MaxDataSize: 48, MinimumBlockPeriod: &period})
	require.NoError(t, err)
	assert.Equal(t, uint8(blockRequestMinPeriodPresent), data[3])

	packet, _, err := Decode(data)
	require.NoError(t, err)
	request := packet.Layer(LayerTypeImageBlockRequest).(*ImageBlockRequest)
	assert.Equal(t, uint32(64), request.FileOffset)
	assert.Equal(t, uint8(48), request.MaxDataSize)
	assert.Nil(t, request.RequestNodeAddress)
	require.NotNil(t, request.MinimumBlockPeriod)
	assert.Equal(t, period, *request.MinimumBlockPeriod)
}

func TestImagePageRequest(t *testing.T) {
	ieee := uint64(0x0011223344556677)
	data, err := Serialize(NewClientFrame(9, ImagePageRequestCommandID),
		&ImagePageRequest{ImageID: testImageID, FileOffset: 2048, MaxDataSize: 64, PageSize: 1024,
			ResponseSpacing: 50, RequestNodeAddress: &ieee})
	require.NoError(t, err)
	packet, _, err := Decode(data)
	require.NoError(t, err)
	request := packet.Layer(LayerTypeImagePageRequest).(*ImagePageRequest)
	assert.Equal(t, uint16(1024), request.PageSize)
	assert.Equal(t, uint16(50), request.ResponseSpacing)
	require.NotNil(t, request.RequestNodeAddress)
	assert.Equal(t, ieee, *request.RequestNodeAddress)
}

func TestImageNotifyPayloadTypes(t *testing.T) {
	data, err := Serialize(serverFrame(4, ImageNotifyCommandID),
		&ImageNotify{PayloadType: NotifyImageType, QueryJitter: 50, ImageID: testImageID})
	require.NoError(t, err)
	assert.Len(t, data, 3+6)

	packet, _, err := Decode(data)
	require.NoError(t, err)
	notify := packet.Layer(LayerTypeImageNotify).(*ImageNotify)
	assert.Equal(t, uint8(50), notify.QueryJitter)
	assert.Equal(t, testImageID.ManufacturerID, notify.ImageID.ManufacturerID)
	assert.Equal(t, testImageID.ImageTypeID, notify.ImageID.ImageTypeID)
	assert.Equal(t, cmn.FirmwareVersionWildcard, notify.ImageID.FirmwareVersion)
}

func TestImageNotifyInvalidJitter(t *testing.T) {
	_, _, err := Decode([]byte{0x09, 0x01, 0x00, 0x00, 0x65})
	assert.ErrorIs(t, err, ErrMalformed)
	_, _, err = Decode([]byte{0x09, 0x01, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUpgradeEndResponse(t *testing.T) {
	data, err := Serialize(serverFrame(5, UpgradeEndResponseCommandID),
		&UpgradeEndResponse{ImageID: testImageID, CurrentTime: 0, UpgradeTime: UpgradeTimeWaitForCommand})
	require.NoError(t, err)
	packet, _, err := Decode(data)
	require.NoError(t, err)
	response := packet.Layer(LayerTypeUpgradeEndResponse).(*UpgradeEndResponse)
	assert.True(t, response.WaitForUpgradeCommand())
	assert.Equal(t, testImageID, response.ImageID)
}

func TestDefaultResponseAndManufacturerHeader(t *testing.T) {
	header := &ZclFrame{FrameType: FrameTypeProfileWide, Direction: ServerToClient,
		DisableDefaultResponse: true, SequenceNumber: 11, CommandID: DefaultResponseCommandID}
	data, err := Serialize(header, &DefaultResponse{CommandID: ImagePageRequestCommandID, Status: StatusUnsupClusterCommand})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x18, 0x0B, 0x0B, 0x04, 0x81}, data)
	packet, _, err := Decode(data)
	require.NoError(t, err)
	response := packet.Layer(LayerTypeDefaultResponse).(*DefaultResponse)
	assert.Equal(t, ImagePageRequestCommandID, response.CommandID)
	assert.Equal(t, StatusUnsupClusterCommand, response.Status)

	// manufacturer specific commands are not interpreted
	packet, decoded, err := Decode([]byte{0x0D, 0x34, 0x12, 0x01, 0x05, 0xAA})
	require.NoError(t, err)
	assert.True(t, decoded.ManufacturerSpecific)
	assert.Equal(t, uint16(0x1234), decoded.ManufacturerCode)
	assert.False(t, decoded.IsKnownCommand())
	assert.NotNil(t, packet.Layer(gopacket.LayerTypePayload))
}

func TestShortHeader(t *testing.T) {
	_, header, err := Decode([]byte{0x09, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Nil(t, header)
}

func TestCalculateTimer(t *testing.T) {
	fallback := time.Minute
	maxDelay := time.Hour

	delay, ok := CalculateTimer(100, 90, maxDelay, fallback)
	assert.False(t, ok)
	assert.Equal(t, fallback, delay)

	delay, ok = CalculateTimer(100, 100, maxDelay, fallback)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), delay)

	delay, ok = CalculateTimer(100, 130, maxDelay, fallback)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, delay)
	assert.Equal(t, int64(30000), delay.Milliseconds())

	delay, ok = CalculateTimer(0, 0xFFFFFFF0, maxDelay, fallback)
	assert.True(t, ok)
	assert.Equal(t, maxDelay, delay)
}
