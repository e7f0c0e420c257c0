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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmn "github.com/opencord/ota-bootload-client/internal/pkg/common"
)

func TestPageTracker(t *testing.T) {
	pt := newPageTracker()
	assert.True(t, pt.hold(128, []byte{1, 2}))
	assert.True(t, pt.hold(64, []byte{3}))
	assert.False(t, pt.hold(128, []byte{9}))

	data, ok := pt.take(128)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, data)
	_, ok = pt.take(128)
	assert.False(t, ok)

	pt.hold(200, []byte{4})
	pt.dropBelow(100)
	_, ok = pt.take(64)
	assert.False(t, ok)
	pt.reset()
	_, ok = pt.take(200)
	assert.False(t, ok)
}

func TestPageTrackerCopiesData(t *testing.T) {
	pt := newPageTracker()
	buffer := []byte{1, 2, 3}
	pt.hold(0, buffer)
	buffer[0] = 0xFF
	data, _ := pt.take(0)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestBlockOnlyStrategy(t *testing.T) {
	config := DefaultConfig()
	session := newClientSession(&config)
	session.TotalImageSize = 200
	session.CurrentOffset = 64
	strategy := newDownloadStrategy(&config, false)
	assert.Equal(t, "block-only", strategy.Name())

	request := strategy.NextRequest(session)
	assert.False(t, request.Page)
	assert.Equal(t, uint32(64), request.Offset)
	assert.Equal(t, config.ResponseTimeout, request.Timeout)

	_, verdict := strategy.Accept(session, 0, []byte{1})
	assert.Equal(t, BlockDuplicate, verdict)
	_, verdict = strategy.Accept(session, 100, []byte{1})
	assert.Equal(t, BlockUnexpected, verdict)
	blocks, verdict := strategy.Accept(session, 64, []byte{1, 2})
	assert.Equal(t, BlockStore, verdict)
	assert.Equal(t, []PendingBlock{{Offset: 64, Data: []byte{1, 2}}}, blocks)
	assert.True(t, strategy.SolicitationDone(session))
	assert.True(t, strategy.Expired(session))
}

func TestPageThenBlockStrategy(t *testing.T) {
	config := DefaultConfig()
	config.PageSize = 128
	config.MaxDataSize = 32
	config.PageResponseSpacing = 10 * time.Millisecond
	session := newClientSession(&config)
	session.TotalImageSize = 160
	strategy := newDownloadStrategy(&config, true)
	assert.Equal(t, "page-then-block", strategy.Name())

	request := strategy.NextRequest(session)
	assert.True(t, request.Page)
	assert.Equal(t, uint16(128), request.PageSize)
	assert.Equal(t, uint16(10), request.ResponseSpacing)
	assert.Equal(t, config.ResponseTimeout+4*config.PageResponseSpacing, request.Timeout)

	_, verdict := strategy.Accept(session, 64, make([]byte, 32))
	assert.Equal(t, BlockHeld, verdict)
	_, verdict = strategy.Accept(session, 64, make([]byte, 32))
	assert.Equal(t, BlockDuplicate, verdict)
	_, verdict = strategy.Accept(session, 128, make([]byte, 32))
	assert.Equal(t, BlockUnexpected, verdict)

	blocks, verdict := strategy.Accept(session, 0, make([]byte, 32))
	assert.Equal(t, BlockStore, verdict)
	assert.Len(t, blocks, 1)
	session.CurrentOffset = 32
	assert.False(t, strategy.SolicitationDone(session))

	// stalled page switches to block requests without error
	assert.False(t, strategy.Expired(session))
	request = strategy.NextRequest(session)
	assert.False(t, request.Page)
	assert.Equal(t, uint32(32), request.Offset)

	blocks, verdict = strategy.Accept(session, 32, make([]byte, 32))
	assert.Equal(t, BlockStore, verdict)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint32(64), blocks[1].Offset)
	session.CurrentOffset = 96
	assert.True(t, strategy.SolicitationDone(session))
	assert.True(t, strategy.Expired(session))

	blocks, _ = strategy.Accept(session, 96, make([]byte, 32))
	require.Len(t, blocks, 1)
	session.CurrentOffset = 128
	assert.True(t, strategy.SolicitationDone(session))

	// last page is limited by the image size
	request = strategy.NextRequest(session)
	assert.True(t, request.Page)
	assert.Equal(t, uint32(128), request.Offset)
	_, verdict = strategy.Accept(session, 160, make([]byte, 32))
	assert.Equal(t, BlockUnexpected, verdict)

	strategy.Reset()
	_, verdict = strategy.Accept(session, 128, make([]byte, 32))
	assert.Equal(t, BlockUnexpected, verdict)
}

func TestStrategiesCheckRangeAfterOffset(t *testing.T) {
	config := DefaultConfig()
	config.PageSize = 128
	config.MaxDataSize = 32
	for _, usePage := range []bool{false, true} {
		session := newClientSession(&config)
		session.TotalImageSize = 100
		session.CurrentOffset = 64
		strategy := newDownloadStrategy(&config, usePage)
		request := strategy.NextRequest(session)
		assert.Equal(t, uint32(64), request.Offset)

		// offset mismatches win over the range check
		_, verdict := strategy.Accept(session, 32, make([]byte, 100))
		assert.Equal(t, BlockDuplicate, verdict, strategy.Name())
		_, verdict = strategy.Accept(session, 100, make([]byte, 32))
		assert.Equal(t, BlockUnexpected, verdict, strategy.Name())

		_, verdict = strategy.Accept(session, 64, make([]byte, 40))
		assert.Equal(t, BlockOutOfRange, verdict, strategy.Name())
		_, verdict = strategy.Accept(session, 64, nil)
		assert.Equal(t, BlockOutOfRange, verdict, strategy.Name())
		blocks, verdict := strategy.Accept(session, 64, make([]byte, 36))
		assert.Equal(t, BlockStore, verdict, strategy.Name())
		assert.Len(t, blocks, 1)
	}
}

func TestPageEndLimitedByRemainingBytes(t *testing.T) {
	config := DefaultConfig()
	config.PageSize = 128
	config.MaxDataSize = 32
	session := newClientSession(&config)
	session.TotalImageSize = 100
	session.CurrentOffset = 64
	strategy := newPageThenBlockStrategy(&config)
	strategy.NextRequest(session)
	assert.Equal(t, uint32(100), strategy.pageEnd)

	session.CurrentOffset = 100
	assert.True(t, strategy.SolicitationDone(session))
}

func TestSessionTimer(t *testing.T) {
	clock := &fakeClock{}
	timer := newSessionTimer(clock.newTimer)
	var expired []uint32
	timer.arm(time.Second, func(aGeneration uint32) { expired = append(expired, aGeneration) })
	first := clock.active()
	timer.arm(2*time.Second, func(aGeneration uint32) { expired = append(expired, aGeneration) })
	assert.True(t, first.stopped)
	assert.Equal(t, 2*time.Second, timer.lastDelay())
	assert.NotNil(t, clock.active())

	// the superseded expiry carries an old generation
	first.fn()
	require.Len(t, expired, 1)
	assert.False(t, timer.isCurrent(expired[0]))

	second := clock.active()
	second.stopped = true
	second.fn()
	require.Len(t, expired, 2)
	assert.True(t, timer.isCurrent(expired[1]))
	assert.False(t, timer.isCurrent(expired[1]))

	timer.arm(time.Second, func(uint32) {})
	timer.cancel()
	assert.Nil(t, clock.active())
}

func TestSessionDownloadHelpers(t *testing.T) {
	config := DefaultConfig()
	session := newClientSession(&config)
	assert.Equal(t, uint8(0), session.DownloadPercentage())
	assert.False(t, session.DownloadComplete())
	session.TotalImageSize = 400
	session.CurrentOffset = 100
	assert.Equal(t, uint8(25), session.DownloadPercentage())
	assert.Equal(t, uint32(300), session.RemainingBytes())
	session.CurrentOffset = 400
	assert.True(t, session.DownloadComplete())
	assert.Equal(t, uint32(0), session.RemainingBytes())
	session.MinBlockRequestPeriodMs = 250
	assert.Equal(t, 250*time.Millisecond, session.minBlockPeriod())
	session.resetDownload()
	assert.Equal(t, cmn.InvalidImageID, session.CurrentDownloadFile)
}

func TestVerifyControllerWithoutVerifiers(t *testing.T) {
	vc := newVerifyController("test-node", 16, nil, nil)
	vc.begin()
	assert.Equal(t, cmn.VerifyGood, vc.step(context.Background(), testNewImage))
}

func TestVerifyControllerRestart(t *testing.T) {
	verifier := &fakeVerifier{results: []cmn.VerifyStatus{cmn.VerifyInProgress, cmn.VerifyBad, cmn.VerifyGood}}
	vc := newVerifyController("test-node", 16, verifier, nil)
	ctx := context.Background()
	vc.begin()
	assert.Equal(t, cmn.VerifyInProgress, vc.step(ctx, testNewImage))
	assert.Equal(t, cmn.VerifyBad, vc.step(ctx, testNewImage))
	vc.begin()
	assert.Equal(t, cmn.VerifyGood, vc.step(ctx, testNewImage))
	assert.Equal(t, []bool{true, false, true}, verifier.calls)
}

func TestServerDiscoveryAcceptMatch(t *testing.T) {
	ctx := context.Background()
	sd := newServerDiscovery("test-node", &fakeDiscovery{}, false)
	_, ok := sd.acceptMatch(ctx, cmn.DiscoveryResult{MatchAddress: 0x0042})
	assert.False(t, ok)
	_, ok = sd.acceptMatch(ctx, cmn.DiscoveryResult{MatchAddress: testLocalShort, Endpoints: []uint8{1}})
	assert.False(t, ok)
	server, ok := sd.acceptMatch(ctx, cmn.DiscoveryResult{MatchAddress: 0x0042, Endpoints: []uint8{7, 8}})
	assert.True(t, ok)
	assert.Equal(t, cmn.NodeAddress{ShortAddress: 0x0042, Endpoint: 7}, server)

	sd = newServerDiscovery("test-node", &fakeDiscovery{}, true)
	_, ok = sd.acceptMatch(ctx, cmn.DiscoveryResult{MatchAddress: 0x0042, Endpoints: []uint8{7}})
	assert.False(t, ok)
	_, ok = sd.acceptMatch(ctx, cmn.DiscoveryResult{MatchAddress: cmn.CoordinatorShortAddress, Endpoints: []uint8{7}})
	assert.True(t, ok)

	assert.ErrorIs(t, newServerDiscovery("test-node", nil, false).start(ctx, nil), errNoDiscovery)
}

func TestStateCapabilities(t *testing.T) {
	assert.True(t, stateHas(OtaStQueryNextImage, capImageNotify))
	assert.False(t, stateHas(OtaStDownload, capImageNotify))
	assert.True(t, stateHas(OtaStCountdownToUpgrade, capImageComplete|capServerFrames))
	assert.False(t, stateHas(OtaStVerifyImage, capServerFrames))
	assert.False(t, stateHas(OtaStDiscoverServer, capServerKnown))
	assert.False(t, stateHas("unknown", capServerKnown))
}
