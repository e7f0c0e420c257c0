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
	"time"
)

// BlockVerdict - disposition of a successful image block response
type BlockVerdict uint8

const (
	// BlockStore - the block continues the image, the returned blocks are to be written in order
	BlockStore BlockVerdict = iota
	// BlockHeld - the block belongs to the current page and is kept until it becomes contiguous
	BlockHeld
	// BlockDuplicate - the block was already written or is already held
	BlockDuplicate
	// BlockUnexpected - the block is not part of the current solicitation
	BlockUnexpected
	// BlockOutOfRange - the block is solicited but empty or runs past the end of the image
	BlockOutOfRange
)

func (v BlockVerdict) String() string {
	names := [...]string{"store", "held", "duplicate", "unexpected", "out-of-range"}
	if int(v) >= len(names) {
		return "unknown"
	}
	return names[v]
}

// fitsImage checks a solicited block against the image size
func fitsImage(aSession *ClientSession, aOffset uint32, aData []byte) bool {
	return len(aData) > 0 && uint64(aOffset)+uint64(len(aData)) <= uint64(aSession.TotalImageSize)
}

// PendingBlock - image data to be written at Offset
type PendingBlock struct {
	Offset uint32
	Data   []byte
}

// DownloadRequest - the next data solicitation of a download
type DownloadRequest struct {
	Page            bool
	Offset          uint32
	MaxDataSize     uint8
	PageSize        uint16
	ResponseSpacing uint16
	Timeout         time.Duration
}

// DownloadStrategy decides how image data is solicited and which responses are stored.
// Offsets are only advanced by the caller, after the returned blocks are written.
type DownloadStrategy interface {
	Name() string
	Reset()
	NextRequest(aSession *ClientSession) DownloadRequest
	Accept(aSession *ClientSession, aOffset uint32, aData []byte) ([]PendingBlock, BlockVerdict)
	// SolicitationDone reports whether a new request is due after blocks were written
	SolicitationDone(aSession *ClientSession) bool
	// Expired reports whether an unanswered solicitation counts as a download error
	Expired(aSession *ClientSession) bool
}

func newDownloadStrategy(aConfig *Config, aUsePageRequest bool) DownloadStrategy {
	if aUsePageRequest {
		return newPageThenBlockStrategy(aConfig)
	}
	return newBlockOnlyStrategy(aConfig)
}

/////////////////////////////////////////////////////////////////////////////

type blockOnlyStrategy struct {
	maxDataSize     uint8
	responseTimeout time.Duration
}

func newBlockOnlyStrategy(aConfig *Config) *blockOnlyStrategy {
	return &blockOnlyStrategy{
		maxDataSize:     aConfig.MaxDataSize,
		responseTimeout: aConfig.ResponseTimeout,
	}
}

func (bo *blockOnlyStrategy) Name() string { return "block-only" }

func (bo *blockOnlyStrategy) Reset() {}

func (bo *blockOnlyStrategy) NextRequest(aSession *ClientSession) DownloadRequest {
	return DownloadRequest{
		Offset:      aSession.CurrentOffset,
		MaxDataSize: bo.maxDataSize,
		Timeout:     bo.responseTimeout,
	}
}

func (bo *blockOnlyStrategy) Accept(aSession *ClientSession, aOffset uint32, aData []byte) ([]PendingBlock, BlockVerdict) {
	if aOffset < aSession.CurrentOffset {
		return nil, BlockDuplicate
	}
	if aOffset != aSession.CurrentOffset {
		return nil, BlockUnexpected
	}
	if !fitsImage(aSession, aOffset, aData) {
		return nil, BlockOutOfRange
	}
	return []PendingBlock{{Offset: aOffset, Data: aData}}, BlockStore
}

func (bo *blockOnlyStrategy) SolicitationDone(aSession *ClientSession) bool { return true }

func (bo *blockOnlyStrategy) Expired(aSession *ClientSession) bool { return true }

/////////////////////////////////////////////////////////////////////////////

// pageThenBlockStrategy solicits a page at a time. If a page stalls with blocks missing, the
// holes are filled with block requests before the next page is requested.
type pageThenBlockStrategy struct {
	maxDataSize     uint8
	pageSize        uint16
	responseSpacing time.Duration
	responseTimeout time.Duration
	tracker         *pageTracker
	pageActive      bool
	fillMode        bool
	pageEnd         uint32
}

func newPageThenBlockStrategy(aConfig *Config) *pageThenBlockStrategy {
	return &pageThenBlockStrategy{
		maxDataSize:     aConfig.MaxDataSize,
		pageSize:        aConfig.PageSize,
		responseSpacing: aConfig.PageResponseSpacing,
		responseTimeout: aConfig.ResponseTimeout,
		tracker:         newPageTracker(),
	}
}

func (pb *pageThenBlockStrategy) Name() string { return "page-then-block" }

func (pb *pageThenBlockStrategy) Reset() {
	pb.tracker.reset()
	pb.pageActive = false
	pb.fillMode = false
	pb.pageEnd = 0
}

func (pb *pageThenBlockStrategy) NextRequest(aSession *ClientSession) DownloadRequest {
	if pb.pageActive && pb.fillMode {
		return DownloadRequest{
			Offset:      aSession.CurrentOffset,
			MaxDataSize: pb.maxDataSize,
			Timeout:     pb.responseTimeout,
		}
	}
	pb.pageActive = true
	pb.fillMode = false
	pb.pageEnd = aSession.CurrentOffset + min(uint32(pb.pageSize), aSession.RemainingBytes())
	pb.tracker.dropBelow(aSession.CurrentOffset)
	return DownloadRequest{
		Page:            true,
		Offset:          aSession.CurrentOffset,
		MaxDataSize:     pb.maxDataSize,
		PageSize:        pb.pageSize,
		ResponseSpacing: uint16(pb.responseSpacing / time.Millisecond),
		Timeout:         pb.pageTimeout(),
	}
}

// pageTimeout allows for all blocks of a page at the requested spacing
func (pb *pageThenBlockStrategy) pageTimeout() time.Duration {
	blocks := (int(pb.pageSize) + int(pb.maxDataSize) - 1) / int(pb.maxDataSize)
	return pb.responseTimeout + time.Duration(blocks)*pb.responseSpacing
}

func (pb *pageThenBlockStrategy) Accept(aSession *ClientSession, aOffset uint32, aData []byte) ([]PendingBlock, BlockVerdict) {
	if aOffset < aSession.CurrentOffset {
		return nil, BlockDuplicate
	}
	if !pb.pageActive || aOffset >= pb.pageEnd {
		return nil, BlockUnexpected
	}
	if !fitsImage(aSession, aOffset, aData) {
		return nil, BlockOutOfRange
	}
	if aOffset > aSession.CurrentOffset {
		if pb.tracker.hold(aOffset, aData) {
			return nil, BlockHeld
		}
		return nil, BlockDuplicate
	}
	blocks := []PendingBlock{{Offset: aOffset, Data: aData}}
	next := aOffset + uint32(len(aData))
	for {
		held, ok := pb.tracker.take(next)
		if !ok || len(held) == 0 {
			break
		}
		blocks = append(blocks, PendingBlock{Offset: next, Data: held})
		next += uint32(len(held))
	}
	return blocks, BlockStore
}

func (pb *pageThenBlockStrategy) SolicitationDone(aSession *ClientSession) bool {
	if aSession.CurrentOffset >= pb.pageEnd {
		pb.pageActive = false
		pb.fillMode = false
		pb.tracker.dropBelow(aSession.CurrentOffset)
		return true
	}
	return pb.fillMode
}

func (pb *pageThenBlockStrategy) Expired(aSession *ClientSession) bool {
	if pb.pageActive && !pb.fillMode {
		pb.fillMode = true
		return false
	}
	return true
}
