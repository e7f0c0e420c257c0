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
	"testing"
	"time"

	"github.com/opencord/voltha-protos/v5/go/voltha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
	"github.com/opencord/ota-bootload-client/internal/pkg/otamsg"
)

func TestNewOtaClientFsmNeedsStorage(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, NewOtaClientFsm(ctx, "test-node", testConfig(), nil, Collaborators{}))
}

func TestStartDiscoverAndQuery(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.randValue = 41
	require.NoError(t, tc.fsm.Start(tc.ctx))
	tc.pump()
	assert.Equal(t, OtaStDelay, tc.state())
	assert.Equal(t, 42*time.Second, tc.activeTimer().delay)

	tc.fireTimer()
	assert.Equal(t, OtaStDiscoverServer, tc.state())
	assert.Equal(t, 1, tc.discovery.findCalls)

	// own node is skipped
	tc.discovery.findReport(cmn.DiscoveryResult{Kind: cmn.BroadcastResponseReceived,
		MatchAddress: testLocalShort, Endpoints: []uint8{1}})
	tc.pump()
	assert.Equal(t, OtaStDiscoverServer, tc.state())

	tc.discovery.findReport(cmn.DiscoveryResult{Kind: cmn.BroadcastResponseReceived,
		MatchAddress: testServer.ShortAddress, Endpoints: []uint8{testServer.Endpoint}})
	tc.pump()
	assert.Equal(t, OtaStGetServerAddress, tc.state())
	assert.Equal(t, []uint16{testServer.ShortAddress}, tc.discovery.resolveCalls)

	tc.discovery.resolveReport(cmn.DiscoveryResult{Kind: cmn.UnicastCompleteWithData,
		MatchAddress: testServer.ShortAddress, IeeeAddress: testServerIeee})
	tc.pump()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	request, ok := tc.lastSent().(*otamsg.QueryNextImageRequest)
	require.True(t, ok)
	assert.Equal(t, testOwnImage, request.ImageID)
	assert.Nil(t, request.HardwareVersion)
	assert.True(t, tc.fsm.session.WaitingForResponse)
	assert.Equal(t, testServerIeee, tc.recorder.last().UpgradeServerID)
}

func TestDiscoveryWithoutServerRetries(t *testing.T) {
	tc := newTestClient(t, func(c *Config) { c.CoordinatorOnly = true })
	require.NoError(t, tc.fsm.Start(tc.ctx))
	tc.pump()
	tc.fireTimer()
	tc.discovery.findReport(cmn.DiscoveryResult{Kind: cmn.BroadcastResponseReceived,
		MatchAddress: 0x4711, Endpoints: []uint8{1}})
	tc.discovery.findReport(cmn.DiscoveryResult{Kind: cmn.BroadcastComplete})
	tc.pump()
	assert.Equal(t, OtaStDiscoverServer, tc.state())
	assert.Equal(t, tc.fsm.config.ServerDiscoveryDelay, tc.activeTimer().delay)

	tc.fireTimer()
	assert.Equal(t, 2, tc.discovery.findCalls)
}

func TestAddressResolutionTimeoutRediscovers(t *testing.T) {
	tc := newTestClient(t, nil)
	require.NoError(t, tc.fsm.Start(tc.ctx))
	tc.pump()
	tc.fireTimer()
	tc.discovery.findReport(cmn.DiscoveryResult{Kind: cmn.BroadcastResponseReceived,
		MatchAddress: testServer.ShortAddress, Endpoints: []uint8{testServer.Endpoint}})
	tc.pump()
	require.Equal(t, OtaStGetServerAddress, tc.state())

	tc.fireTimer()
	assert.Equal(t, OtaStDiscoverServer, tc.state())
	assert.Equal(t, tc.fsm.config.ServerDiscoveryDelay, tc.activeTimer().delay)
	assert.Equal(t, 1, tc.discovery.findCalls)
	tc.fireTimer()
	assert.Equal(t, 2, tc.discovery.findCalls)
}

func TestLinkKeyEstablishment(t *testing.T) {
	tc := newTestClient(t, func(c *Config) { c.UseLinkKey = true })
	tc.toQueryNextImage()
	assert.Equal(t, OtaStObtainLinkKey, tc.state())
	assert.Equal(t, 1, tc.keys.calls)

	tc.keys.report(cmn.KeyEstablishmentResult{Success: true})
	tc.pump()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
}

func TestLinkKeyTimeoutContinues(t *testing.T) {
	tc := newTestClient(t, func(c *Config) { c.UseLinkKey = true })
	tc.toQueryNextImage()
	require.Equal(t, OtaStObtainLinkKey, tc.state())
	assert.Equal(t, tc.fsm.config.KeyEstablishmentTimer, tc.activeTimer().delay)
	tc.fireTimer()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
}

// download, verification and activation by the server
func TestSuccessfulUpgrade(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	image := testImage(100)

	tc.offerImage(testNewImage, uint32(len(image)))
	require.Equal(t, OtaStDownload, tc.state())
	request := tc.lastBlockRequest()
	assert.Equal(t, uint32(0), request.FileOffset)
	assert.Equal(t, uint8(64), request.MaxDataSize)
	assert.Equal(t, testNewImage, request.ImageID)
	assert.Nil(t, request.RequestNodeAddress)

	tc.sendBlock(0, image[:64])
	assert.Equal(t, uint32(64), tc.fsm.session.CurrentOffset)
	assert.Equal(t, uint32(64), tc.lastBlockRequest().FileOffset)
	assert.Equal(t, uint8(64), tc.recorder.last().DownloadPercentage)

	tc.sendBlock(64, image[64:])
	assert.Equal(t, image, tc.storage.data)
	assert.Equal(t, cmn.TempDataComplete, tc.storage.info.State)
	require.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
	endRequest := tc.lastUpgradeEndRequest()
	assert.Equal(t, otamsg.StatusSuccess, endRequest.Status)
	assert.Equal(t, testNewImage, endRequest.ImageID)
	assert.Equal(t, []bool{true}, tc.verifier.calls)

	// activation time already passed: minimum grace delay
	tc.deliver(otamsg.UpgradeEndResponseCommandID, &otamsg.UpgradeEndResponse{
		ImageID:     testNewImage,
		CurrentTime: 1000,
		UpgradeTime: 900,
	})
	require.Equal(t, OtaStCountdownToUpgrade, tc.state())
	assert.Equal(t, tc.fsm.config.MinUpgradeGrace, tc.activeTimer().delay)
	assert.Equal(t, cmn.UpgradeStatusCountDown, tc.recorder.last().ImageUpgradeStatus)
	assert.Equal(t, voltha.ImageState_IMAGE_INACTIVE, tc.fsm.GetImageState().ImageState)

	tc.nowTime = tc.nowTime.Add(tc.fsm.config.MinUpgradeGrace)
	tc.fireTimer()
	assert.Equal(t, []cmn.ImageID{testNewImage}, tc.runner.images)
	assert.Equal(t, OtaStIdle, tc.state())
	assert.Equal(t, voltha.ImageState_IMAGE_ACTIVE, tc.fsm.GetImageState().ImageState)
	assert.Nil(t, tc.clock.active())
}

func TestSameVersionIsNotDownloaded(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.offerImage(testOwnImage, 100)
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.False(t, tc.fsm.session.WaitingForResponse)
	assert.Equal(t, tc.fsm.config.QueryDelay, tc.activeTimer().delay)
	assert.Equal(t, uint8(0), tc.fsm.session.ErrorCount)
	assert.Nil(t, tc.storage.data)

	tc.fireTimer()
	_, ok := tc.lastSent().(*otamsg.QueryNextImageRequest)
	assert.True(t, ok)
}

func TestDowngradeIsRejected(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	older := testOwnImage
	older.FirmwareVersion = 0x0000000F
	tc.offerImage(older, 100)
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	endRequest := tc.lastUpgradeEndRequest()
	assert.Equal(t, otamsg.StatusInvalidImage, endRequest.Status)
	assert.Equal(t, older, endRequest.ImageID)
	assert.Equal(t, tc.fsm.config.QueryDelay, tc.activeTimer().delay)
	assert.Equal(t, voltha.ImageState_IMAGE_REFUSED_BY_ONU, tc.fsm.GetImageState().Reason)
}

func TestDowngradeAllowed(t *testing.T) {
	tc := newTestClient(t, func(c *Config) { c.AllowDowngrade = true })
	tc.toQueryNextImage()
	older := testOwnImage
	older.FirmwareVersion = 0x0000000F
	tc.offerImage(older, 100)
	assert.Equal(t, OtaStDownload, tc.state())
}

func TestNoImageAvailableRequeriesLater(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.deliver(otamsg.QueryNextImageResponseCommandID, &otamsg.QueryNextImageResponse{
		Status: otamsg.StatusNoImageAvailable,
	})
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, tc.fsm.config.QueryDelay, tc.activeTimer().delay)
	assert.Equal(t, uint8(0), tc.fsm.session.ErrorCount)
}

func TestOtherImageKindCountsError(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	other := testNewImage
	other.ImageTypeID = 0x0002
	tc.offerImage(other, 100)
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, uint8(1), tc.fsm.session.ErrorCount)
}

func TestTooLargeImageCountsError(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.storage.maxSize = 50
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, uint8(1), tc.fsm.session.ErrorCount)
	assert.Nil(t, tc.storage.data)
}

func TestQueryTimeoutsRediscoverServer(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	sent := tc.sentCount()
	tc.fireTimer()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, sent+1, tc.sentCount())
	tc.fireTimer()
	tc.fireTimer()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, uint8(3), tc.fsm.session.ErrorCount)

	// the fourth error exceeds the threshold
	tc.fireTimer()
	assert.Equal(t, OtaStDiscoverServer, tc.state())
	assert.Equal(t, 2, tc.discovery.findCalls)
}

func TestQuerySendFailureRetries(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.transport.sendErr = errors.New("no route")
	tc.toQueryNextImage()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.False(t, tc.fsm.session.WaitingForResponse)
	assert.Equal(t, uint8(1), tc.fsm.session.ErrorCount)
	assert.Equal(t, tc.fsm.config.ResponseTimeout, tc.activeTimer().delay)

	tc.transport.sendErr = nil
	tc.fireTimer()
	assert.True(t, tc.fsm.session.WaitingForResponse)
	assert.Equal(t, 1, tc.sentCount())
}

func TestImageNotifyJitter(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.deliver(otamsg.QueryNextImageResponseCommandID, &otamsg.QueryNextImageResponse{
		Status: otamsg.StatusNoImageAvailable,
	})
	sent := tc.sentCount()

	tc.randValue = 60
	tc.deliverFrom(testServer, true, otamsg.ImageNotifyCommandID, &otamsg.ImageNotify{
		PayloadType: otamsg.NotifyQueryJitter, QueryJitter: 50})
	assert.Equal(t, sent, tc.sentCount())
	assert.False(t, tc.fsm.session.WaitingForResponse)

	tc.randValue = 10
	tc.deliverFrom(testServer, true, otamsg.ImageNotifyCommandID, &otamsg.ImageNotify{
		PayloadType: otamsg.NotifyQueryJitter, QueryJitter: 50})
	assert.Equal(t, sent+1, tc.sentCount())
	assert.True(t, tc.fsm.session.WaitingForResponse)
}

func TestImageNotifyJitterRate(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.fsm.randIntn = rand.New(rand.NewSource(1)).Intn
	tc.toQueryNextImage()
	noImage := func() {
		tc.deliver(otamsg.QueryNextImageResponseCommandID, &otamsg.QueryNextImageResponse{
			Status: otamsg.StatusNoImageAvailable,
		})
		require.False(t, tc.fsm.session.WaitingForResponse)
	}
	noImage()

	const trials = 2000
	for _, jitter := range []uint8{0, 30, 75, otamsg.MaxImageNotifyJitter} {
		queries := 0
		for i := 0; i < trials; i++ {
			sent := tc.sentCount()
			tc.deliverFrom(testServer, true, otamsg.ImageNotifyCommandID, &otamsg.ImageNotify{
				PayloadType: otamsg.NotifyQueryJitter, QueryJitter: jitter})
			if tc.sentCount() > sent {
				queries++
				noImage()
			}
		}
		assert.InDelta(t, float64(jitter)/100, float64(queries)/trials, 0.05, "jitter %d", jitter)
	}
}

func TestImageNotifyFiltering(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.deliver(otamsg.QueryNextImageResponseCommandID, &otamsg.QueryNextImageResponse{
		Status: otamsg.StatusNoImageAvailable,
	})
	sent := tc.sentCount()

	// other manufacturer
	tc.deliver(otamsg.ImageNotifyCommandID, &otamsg.ImageNotify{PayloadType: otamsg.NotifyManufacturer,
		QueryJitter: 100, ImageID: cmn.ImageID{ManufacturerID: 0x4444}})
	// running version
	tc.deliver(otamsg.ImageNotifyCommandID, &otamsg.ImageNotify{PayloadType: otamsg.NotifyNewFileVersion,
		QueryJitter: 100, ImageID: testOwnImage})
	// other node
	tc.deliverFrom(cmn.NodeAddress{ShortAddress: 0x7777, Endpoint: 1}, false, otamsg.ImageNotifyCommandID,
		&otamsg.ImageNotify{PayloadType: otamsg.NotifyQueryJitter, QueryJitter: 100})
	assert.Equal(t, sent, tc.sentCount())

	// unicast notify ignores the jitter
	tc.randValue = 99
	tc.deliver(otamsg.ImageNotifyCommandID, &otamsg.ImageNotify{PayloadType: otamsg.NotifyNewFileVersion,
		QueryJitter: 1, ImageID: testNewImage})
	assert.Equal(t, sent+1, tc.sentCount())
}

func TestImageNotifyIgnoredWhileWaiting(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	sent := tc.sentCount()
	tc.deliver(otamsg.ImageNotifyCommandID, &otamsg.ImageNotify{PayloadType: otamsg.NotifyQueryJitter,
		QueryJitter: 100})
	assert.Equal(t, sent, tc.sentCount())
}

// duplicate and out of order blocks within a page
func TestPageDownloadDuplicateSuppression(t *testing.T) {
	tc := newTestClient(t, func(c *Config) {
		c.UsePageRequest = true
		c.PageSize = 256
	})
	tc.toQueryNextImage()
	image := testImage(300)
	tc.offerImage(testNewImage, uint32(len(image)))
	require.Equal(t, OtaStDownload, tc.state())
	page := tc.lastPageRequest()
	assert.Equal(t, uint32(0), page.FileOffset)
	assert.Equal(t, uint16(256), page.PageSize)
	assert.Equal(t, uint16(50), page.ResponseSpacing)
	pageTimeout := tc.activeTimer().delay
	assert.Equal(t, tc.fsm.config.ResponseTimeout+4*tc.fsm.config.PageResponseSpacing, pageTimeout)

	sent := tc.sentCount()
	tc.sendBlock(0, image[0:64])
	tc.sendBlock(64, image[64:128])
	tc.sendBlock(64, image[64:128])
	tc.sendBlock(192, image[192:256])
	assert.Equal(t, uint32(128), tc.fsm.session.CurrentOffset)
	assert.Equal(t, sent, tc.sentCount())
	assert.True(t, tc.fsm.session.WaitingForResponse)

	tc.sendBlock(128, image[128:192])
	assert.Equal(t, uint32(256), tc.fsm.session.CurrentOffset)
	assert.Equal(t, []uint32{0, 64, 128, 192}, tc.storage.writes)
	assert.Equal(t, uint8(0), tc.fsm.session.ErrorCount)
	page = tc.lastPageRequest()
	assert.Equal(t, uint32(256), page.FileOffset)

	tc.sendBlock(256, image[256:])
	assert.Equal(t, image, tc.storage.data)
	assert.Equal(t, []uint32{0, 64, 128, 192, 256}, tc.storage.writes)
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
}

func TestPageStallFillsWithBlockRequests(t *testing.T) {
	tc := newTestClient(t, func(c *Config) {
		c.UsePageRequest = true
		c.PageSize = 256
	})
	tc.toQueryNextImage()
	image := testImage(300)
	tc.offerImage(testNewImage, uint32(len(image)))
	tc.sendBlock(0, image[0:64])
	tc.sendBlock(128, image[128:192])

	tc.fireTimer()
	request := tc.lastBlockRequest()
	assert.Equal(t, uint32(64), request.FileOffset)
	assert.Equal(t, uint8(0), tc.fsm.session.ErrorCount)
	assert.Equal(t, tc.fsm.config.ResponseTimeout, tc.activeTimer().delay)

	// the held block is written together with the filled hole
	tc.sendBlock(64, image[64:128])
	assert.Equal(t, uint32(192), tc.fsm.session.CurrentOffset)
	assert.Equal(t, uint32(192), tc.lastBlockRequest().FileOffset)

	tc.fireTimer()
	assert.Equal(t, uint8(1), tc.fsm.session.ErrorCount)
	assert.Equal(t, uint32(192), tc.lastBlockRequest().FileOffset)
}

func TestPageRequestNotSupported(t *testing.T) {
	tc := newTestClient(t, func(c *Config) { c.UsePageRequest = true })
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	tc.lastPageRequest()

	tc.deliver(otamsg.DefaultResponseCommandID, &otamsg.DefaultResponse{
		CommandID: otamsg.ImagePageRequestCommandID,
		Status:    otamsg.StatusUnsupClusterCommand,
	})
	assert.False(t, tc.fsm.session.UsePageRequest)
	assert.Equal(t, "block-only", tc.fsm.strategy.Name())
	assert.Equal(t, uint32(0), tc.lastBlockRequest().FileOffset)
}

func TestWaitForData(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	period := uint16(500)
	tc.deliver(otamsg.ImageBlockResponseCommandID, &otamsg.ImageBlockResponse{
		Status:             otamsg.StatusWaitForData,
		CurrentTime:        100,
		RequestTime:        110,
		MinimumBlockPeriod: &period,
	})
	assert.Equal(t, OtaStDownload, tc.state())
	assert.False(t, tc.fsm.session.WaitingForResponse)
	assert.Equal(t, 10*time.Second, tc.activeTimer().delay)
	assert.Equal(t, uint16(500), tc.recorder.last().MinimumBlockPeriod)

	tc.fireTimer()
	request := tc.lastBlockRequest()
	require.NotNil(t, request.MinimumBlockPeriod)
	assert.Equal(t, uint16(500), *request.MinimumBlockPeriod)

	// block period paces the following requests
	tc.sendBlock(0, testImage(64))
	assert.Equal(t, 500*time.Millisecond, tc.activeTimer().delay)
	assert.False(t, tc.fsm.session.WaitingForResponse)
}

func TestWaitForDataInThePastUsesFallback(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	tc.deliver(otamsg.ImageBlockResponseCommandID, &otamsg.ImageBlockResponse{
		Status:      otamsg.StatusWaitForData,
		CurrentTime: 200,
		RequestTime: 100,
	})
	assert.Equal(t, tc.fsm.config.TimerFallback, tc.activeTimer().delay)
}

func TestBlockOffsetInvariants(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	image := testImage(100)
	tc.offerImage(testNewImage, uint32(len(image)))
	tc.sendBlock(0, image[:64])

	// duplicate, gap and overflow do not move the offset
	tc.sendBlock(0, image[:64])
	tc.sendBlock(80, image[80:90])
	assert.Equal(t, uint32(64), tc.fsm.session.CurrentOffset)
	assert.Equal(t, uint8(0), tc.fsm.session.ErrorCount)

	tc.sendBlock(64, make([]byte, 64))
	assert.Equal(t, uint32(64), tc.fsm.session.CurrentOffset)
	assert.Equal(t, uint8(1), tc.fsm.session.ErrorCount)
	assert.Equal(t, []uint32{0}, tc.storage.writes)
}

func TestMismatchedBlockBeyondImageIgnored(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	image := testImage(100)
	tc.offerImage(testNewImage, uint32(len(image)))
	tc.sendBlock(0, image[:64])
	sent := tc.sentCount()

	// ahead of and behind the current offset, both running past the image end
	tc.sendBlock(90, make([]byte, 64))
	tc.sendBlock(40, make([]byte, 64))
	assert.Equal(t, uint8(0), tc.fsm.session.ErrorCount)
	assert.Equal(t, sent, tc.sentCount())
	assert.True(t, tc.fsm.session.WaitingForResponse)
	assert.Equal(t, []uint32{0}, tc.storage.writes)

	tc.sendBlock(64, image[64:])
	assert.Equal(t, image, tc.storage.data)
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
}

func TestRequestNodeAddressFromConfig(t *testing.T) {
	const nodeIeee = uint64(0x00124B00AABBCCDD)
	tc := newTestClient(t, func(c *Config) { c.IeeeAddress = nodeIeee })
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	request := tc.lastBlockRequest()
	require.NotNil(t, request.RequestNodeAddress)
	assert.Equal(t, nodeIeee, *request.RequestNodeAddress)

	tc = newTestClient(t, func(c *Config) {
		c.IeeeAddress = nodeIeee
		c.UsePageRequest = true
	})
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	page := tc.lastPageRequest()
	require.NotNil(t, page.RequestNodeAddress)
	assert.Equal(t, nodeIeee, *page.RequestNodeAddress)
}

func TestDownloadErrorsAbort(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	for i := 0; i < 3; i++ {
		tc.fireTimer()
		require.Equal(t, OtaStDownload, tc.state())
	}
	assert.Equal(t, uint8(3), tc.fsm.session.ErrorCount)
	tc.fireTimer()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, 1, tc.storage.cleared)
	assert.Equal(t, []cmn.ImageID{testNewImage}, tc.storage.deleted)
	assert.Equal(t, tc.fsm.config.QueryDelay, tc.activeTimer().delay)
	assert.Equal(t, voltha.ImageState_DOWNLOAD_FAILED, tc.fsm.GetImageState().DownloadState)
}

func TestServerAbortsDownload(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	tc.deliver(otamsg.ImageBlockResponseCommandID, &otamsg.ImageBlockResponse{Status: otamsg.StatusAbort})
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, 1, tc.storage.cleared)
	assert.Equal(t, voltha.ImageState_CANCELLED_ON_REQUEST, tc.fsm.GetImageState().Reason)
}

func TestStorageWriteFailureAborts(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	tc.storage.writeErr = errors.New("flash full")
	tc.sendBlock(0, testImage(64))
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, uint32(0), tc.fsm.session.CurrentOffset)
}

func TestResumePartialDownload(t *testing.T) {
	tc := newTestClient(t, nil)
	image := testImage(100)
	require.NoError(t, tc.storage.PrepareTempData(tc.ctx, testNewImage, 100))
	require.NoError(t, tc.storage.WriteTempData(tc.ctx, 0, image[:64]))
	tc.toQueryNextImage()
	assert.Equal(t, OtaStDownload, tc.state())
	assert.Equal(t, uint32(64), tc.lastBlockRequest().FileOffset)

	tc.sendBlock(64, image[64:])
	assert.Equal(t, image, tc.storage.data)
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
}

func TestResumeCompleteDownloadVerifies(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.storage.info = cmn.TempDataInfo{State: cmn.TempDataComplete, Offset: 100, TotalSize: 100, ImageID: testNewImage}
	tc.toQueryNextImage()
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
	assert.Equal(t, testNewImage, tc.lastUpgradeEndRequest().ImageID)
}

func TestStaleTempDataIsDiscarded(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.storage.info = cmn.TempDataInfo{State: cmn.TempDataPartial, Offset: 10, TotalSize: 100,
		ImageID: cmn.ImageID{ManufacturerID: 0x9999, ImageTypeID: 1, FirmwareVersion: 2}}
	tc.toQueryNextImage()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, 1, tc.storage.cleared)
}

func TestStoredImageIsVerified(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.storage.existing = []cmn.ImageID{testNewImage}
	tc.toQueryNextImage()
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
	assert.Equal(t, testNewImage, tc.fsm.session.CurrentDownloadFile)
	assert.Equal(t, testNewImage, tc.lastUpgradeEndRequest().ImageID)
	assert.Equal(t, []bool{true}, tc.verifier.calls)
	assert.Empty(t, tc.storage.deleted)
}

func TestStoredRunningImageIsDeleted(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.storage.existing = []cmn.ImageID{testOwnImage}
	tc.toQueryNextImage()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, []cmn.ImageID{testOwnImage}, tc.storage.deleted)
	assert.Empty(t, tc.storage.existing)
	_, ok := tc.lastSent().(*otamsg.QueryNextImageRequest)
	assert.True(t, ok)
}

func TestStoredImageFailingVerificationIsDeleted(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.verifier.results = []cmn.VerifyStatus{cmn.VerifyBad}
	tc.storage.existing = []cmn.ImageID{testNewImage}
	tc.toQueryNextImage()
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	endRequest := tc.lastUpgradeEndRequest()
	assert.Equal(t, otamsg.StatusInvalidImage, endRequest.Status)
	assert.Equal(t, testNewImage, endRequest.ImageID)
	assert.Equal(t, []cmn.ImageID{testNewImage}, tc.storage.deleted)
	assert.Empty(t, tc.storage.existing)
	assert.Equal(t, cmn.InvalidImageID, tc.fsm.session.CurrentDownloadFile)
}

func TestChunkedVerification(t *testing.T) {
	tc := newTestClient(t, nil)
	custom := &fakeVerifier{results: []cmn.VerifyStatus{cmn.VerifyUnsupported}}
	tc.fsm.verifier = newVerifyController("test-node", 16, tc.verifier, custom)
	tc.verifier.results = []cmn.VerifyStatus{cmn.VerifyInProgress, cmn.VerifyInProgress, cmn.VerifyGood}
	tc.storage.info = cmn.TempDataInfo{State: cmn.TempDataComplete, Offset: 100, TotalSize: 100, ImageID: testNewImage}
	tc.toQueryNextImage()
	assert.Equal(t, OtaStVerifyImage, tc.state())
	assert.Equal(t, tc.fsm.config.VerifyDelay, tc.activeTimer().delay)
	tc.fireTimer()
	tc.fireTimer()
	assert.Equal(t, OtaStVerifyImage, tc.state())
	tc.fireTimer()
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
	assert.Equal(t, []bool{true, false, false}, tc.verifier.calls)
	assert.Equal(t, []bool{true}, custom.calls)
}

func TestVerificationFailureDiscardsImage(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.verifier.results = []cmn.VerifyStatus{cmn.VerifyBad}
	tc.toQueryNextImage()
	image := testImage(64)
	tc.offerImage(testNewImage, uint32(len(image)))
	tc.sendBlock(0, image)
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, otamsg.StatusInvalidImage, tc.lastUpgradeEndRequest().Status)
	assert.Equal(t, 1, tc.storage.cleared)
	assert.Equal(t, []cmn.ImageID{testNewImage}, tc.storage.deleted)
	assert.Equal(t, cmn.TempDataNone, tc.storage.info.State)
	assert.Equal(t, tc.fsm.config.QueryDelay, tc.activeTimer().delay)
}

func (tc *testClient) toWaitForUpgrade() {
	tc.storage.info = cmn.TempDataInfo{State: cmn.TempDataComplete, Offset: 100, TotalSize: 100, ImageID: testNewImage}
	tc.toQueryNextImage()
	require.Equal(tc.t, OtaStWaitForUpgradeMessage, tc.state())
}

func TestWaitForUpgradeCommand(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toWaitForUpgrade()
	tc.deliver(otamsg.UpgradeEndResponseCommandID, &otamsg.UpgradeEndResponse{
		ImageID:     testNewImage,
		CurrentTime: 0,
		UpgradeTime: otamsg.UpgradeTimeWaitForCommand,
	})
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
	assert.Equal(t, tc.fsm.config.RunUpgradeRequestDelay, tc.activeTimer().delay)
	assert.Equal(t, cmn.UpgradeStatusWaitingToUpgrade, tc.fsm.session.UpgradeStatus)

	sent := tc.sentCount()
	tc.fireTimer()
	assert.Equal(t, sent+1, tc.sentCount())
	assert.Equal(t, otamsg.StatusSuccess, tc.lastUpgradeEndRequest().Status)

	// relative upgrade time
	tc.deliver(otamsg.UpgradeEndResponseCommandID, &otamsg.UpgradeEndResponse{
		ImageID:     testNewImage,
		CurrentTime: 0,
		UpgradeTime: 30,
	})
	assert.Equal(t, OtaStCountdownToUpgrade, tc.state())
	assert.Equal(t, 30*time.Second, tc.activeTimer().delay)
}

func TestCountdownRearmsUntilDeadline(t *testing.T) {
	tc := newTestClient(t, func(c *Config) {
		c.MaxTimerDelay = 10 * time.Second
		c.MinUpgradeGrace = 25 * time.Second
	})
	tc.toWaitForUpgrade()
	tc.deliver(otamsg.UpgradeEndResponseCommandID, &otamsg.UpgradeEndResponse{
		ImageID:     testNewImage,
		CurrentTime: 5000,
		UpgradeTime: 5000,
	})
	require.Equal(t, OtaStCountdownToUpgrade, tc.state())
	for _, step := range []time.Duration{10 * time.Second, 10 * time.Second, 5 * time.Second} {
		assert.Empty(t, tc.runner.images)
		assert.Equal(t, step, tc.activeTimer().delay)
		tc.nowTime = tc.nowTime.Add(step)
		tc.fireTimer()
	}
	assert.Equal(t, []cmn.ImageID{testNewImage}, tc.runner.images)
	assert.Equal(t, OtaStIdle, tc.state())
}

func TestUpgradeTimeClampedToMaxTimerDelay(t *testing.T) {
	tc := newTestClient(t, func(c *Config) { c.MaxTimerDelay = time.Minute })
	tc.toWaitForUpgrade()
	tc.deliver(otamsg.UpgradeEndResponseCommandID, &otamsg.UpgradeEndResponse{
		ImageID:     testNewImage,
		CurrentTime: 1000,
		UpgradeTime: 1000 + 7200,
	})
	require.Equal(t, OtaStCountdownToUpgrade, tc.state())
	assert.Equal(t, time.Minute, tc.activeTimer().delay)
	assert.Equal(t, tc.nowTime.Add(time.Minute), tc.fsm.session.UpgradeDeadline)

	tc.nowTime = tc.nowTime.Add(time.Minute)
	tc.fireTimer()
	assert.Equal(t, []cmn.ImageID{testNewImage}, tc.runner.images)
	assert.Equal(t, OtaStIdle, tc.state())
}

func TestFailedUpgradeRequeries(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.runner.err = errors.New("bootloader refused")
	tc.toWaitForUpgrade()
	tc.deliver(otamsg.UpgradeEndResponseCommandID, &otamsg.UpgradeEndResponse{ImageID: testNewImage})
	tc.nowTime = tc.nowTime.Add(time.Minute)
	tc.fireTimer()
	assert.Len(t, tc.runner.images, 1)
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, voltha.ImageState_IMAGE_ACTIVATION_ABORTED, tc.fsm.GetImageState().ImageState)
}

func TestUpgradeEndTimeoutApplies(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toWaitForUpgrade()
	tc.fireTimer()
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
	assert.Equal(t, uint8(2), tc.fsm.session.UpgradeWaitAttempts)
	tc.fireTimer()
	assert.Equal(t, OtaStCountdownToUpgrade, tc.state())
	assert.Equal(t, tc.fsm.config.MinUpgradeGrace, tc.activeTimer().delay)
}

func TestUpgradeEndTimeoutKeepsWaiting(t *testing.T) {
	tc := newTestClient(t, func(c *Config) { c.UpgradeTimeoutPolicy = TimeoutKeepWaiting })
	tc.toWaitForUpgrade()
	tc.fireTimer()
	tc.fireTimer()
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())
	assert.Equal(t, uint8(0), tc.fsm.session.UpgradeWaitAttempts)
	assert.Equal(t, tc.fsm.config.RunUpgradeRequestDelay, tc.activeTimer().delay)
}

func TestUpgradeEndSendFailureAppliesUpgrade(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toWaitForUpgrade()
	tc.transport.sendErr = errors.New("no route")
	tc.fireTimer()
	require.Equal(t, OtaStCountdownToUpgrade, tc.state())
	assert.Equal(t, uint8(2), tc.fsm.session.UpgradeWaitAttempts)
	assert.Equal(t, tc.fsm.config.MinUpgradeGrace, tc.activeTimer().delay)

	tc.nowTime = tc.nowTime.Add(tc.fsm.config.MinUpgradeGrace)
	tc.fireTimer()
	assert.Equal(t, []cmn.ImageID{testNewImage}, tc.runner.images)
}

func TestUpgradeEndSendFailureKeepsWaiting(t *testing.T) {
	tc := newTestClient(t, func(c *Config) { c.UpgradeTimeoutPolicy = TimeoutKeepWaiting })
	tc.toWaitForUpgrade()
	tc.transport.sendErr = errors.New("no route")
	tc.fireTimer()
	assert.Equal(t, uint8(0), tc.fsm.session.UpgradeWaitAttempts)
	assert.Equal(t, tc.fsm.config.RunUpgradeRequestDelay, tc.activeTimer().delay)

	for i := 0; i < 5; i++ {
		tc.fireTimer()
		assert.Equal(t, uint8(1), tc.fsm.session.UpgradeWaitAttempts)
		assert.Equal(t, tc.fsm.config.ResponseTimeout, tc.activeTimer().delay)
		tc.fireTimer()
		assert.Equal(t, uint8(0), tc.fsm.session.UpgradeWaitAttempts)
		assert.Equal(t, tc.fsm.config.RunUpgradeRequestDelay, tc.activeTimer().delay)
	}
	assert.Equal(t, OtaStWaitForUpgradeMessage, tc.state())

	tc.transport.sendErr = nil
	sent := tc.sentCount()
	tc.fireTimer()
	assert.Equal(t, sent+1, tc.sentCount())
	assert.True(t, tc.fsm.session.WaitingForResponse)
}

func TestServerAbortsUpgrade(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toWaitForUpgrade()
	tc.deliver(otamsg.DefaultResponseCommandID, &otamsg.DefaultResponse{
		CommandID: otamsg.UpgradeEndRequestCommandID,
		Status:    otamsg.StatusAbort,
	})
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.Equal(t, 1, tc.storage.cleared)
	assert.Equal(t, cmn.InvalidImageID, tc.fsm.session.CurrentDownloadFile)
}

func TestOutOfBandActivation(t *testing.T) {
	tc := newTestClient(t, func(c *Config) { c.ActivationPolicy = ActivateOutOfBand })
	tc.toWaitForUpgrade()
	assert.ErrorIs(t, tc.fsm.ActivateOutOfBand(tc.ctx), ErrInvalidState)

	tc.deliver(otamsg.UpgradeEndResponseCommandID, &otamsg.UpgradeEndResponse{ImageID: testNewImage,
		CurrentTime: 10, UpgradeTime: 20})
	require.Equal(t, OtaStUpgradeViaOutOfBand, tc.state())
	assert.Equal(t, tc.fsm.config.RunUpgradeRequestDelay, tc.activeTimer().delay)
	tc.fireTimer()
	assert.Equal(t, OtaStUpgradeViaOutOfBand, tc.state())
	assert.Empty(t, tc.runner.images)

	require.NoError(t, tc.fsm.ActivateOutOfBand(tc.ctx))
	tc.pump()
	assert.Equal(t, []cmn.ImageID{testNewImage}, tc.runner.images)
	assert.Equal(t, OtaStIdle, tc.state())
}

func TestStopResetsSession(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.offerImage(testNewImage, 100)
	tc.sendBlock(0, testImage(64))
	require.Equal(t, OtaStDownload, tc.state())
	timer := tc.activeTimer()

	require.NoError(t, tc.fsm.Stop(tc.ctx))
	tc.pump()
	assert.Equal(t, OtaStIdle, tc.state())
	assert.True(t, timer.stopped)
	assert.Nil(t, tc.clock.active())
	assert.Equal(t, uint32(0), tc.fsm.session.CurrentOffset)
	assert.Equal(t, cmn.InvalidShortAddress, tc.fsm.session.ServerAddress.ShortAddress)
	assert.Equal(t, voltha.ImageState_DOWNLOAD_CANCELLED, tc.fsm.GetImageState().DownloadState)
}

func TestStaleTimerExpiryIsDropped(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	stale := tc.activeTimer()
	tc.deliver(otamsg.QueryNextImageResponseCommandID, &otamsg.QueryNextImageResponse{
		Status: otamsg.StatusNoImageAvailable,
	})
	sent := tc.sentCount()
	stale.fn()
	tc.pump()
	assert.Equal(t, sent, tc.sentCount())
	assert.Equal(t, uint8(0), tc.fsm.session.ErrorCount)
}

func TestFramesOfOtherNodesIgnored(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.toQueryNextImage()
	tc.deliverFrom(cmn.NodeAddress{ShortAddress: 0x2222, Endpoint: 1}, false, otamsg.QueryNextImageResponseCommandID,
		&otamsg.QueryNextImageResponse{Status: otamsg.StatusSuccess, ImageID: testNewImage, ImageSize: 100})
	assert.Equal(t, OtaStQueryNextImage, tc.state())
	assert.True(t, tc.fsm.session.WaitingForResponse)
}

func TestRunTerminates(t *testing.T) {
	ctx := context.Background()
	storage := newFakeStorage()
	otaCC := newTestClient(t, nil).otaCC
	oFsm := NewOtaClientFsm(ctx, "run-node", testConfig(), otaCC, Collaborators{Storage: storage})
	require.NotNil(t, oFsm)
	done := make(chan struct{})
	go func() {
		oFsm.Run(ctx)
		close(done)
	}()
	require.NoError(t, oFsm.Start(ctx))
	assert.Eventually(t, func() bool { return oFsm.GetCurrentState() == OtaStDelay }, time.Second, time.Millisecond)
	require.NoError(t, oFsm.Terminate(ctx))
	<-done
	assert.ErrorIs(t, oFsm.Start(ctx), ErrNotRunning)
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	oFsm := NewOtaClientFsm(ctx, "run-node", testConfig(), newTestClient(t, nil).otaCC,
		Collaborators{Storage: newFakeStorage()})
	require.NotNil(t, oFsm)
	done := make(chan struct{})
	go func() {
		oFsm.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	assert.ErrorIs(t, oFsm.Stop(ctx), ErrNotRunning)
}
