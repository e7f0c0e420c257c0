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
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortFrame - datagram too short for its operation
var ErrShortFrame = errors.New("short-bridge-frame")

// ErrUnknownOperation - datagram carries an unknown operation code
var ErrUnknownOperation = errors.New("unknown-bridge-operation")

// OpCode of a bridge datagram
type OpCode uint8

// bridge operations, all multi byte fields are little endian
const (
	// OpApsData - [src u16][src-ep u8][dst u16][dst-ep u8][cluster u16][flags u8][payload]
	OpApsData OpCode = 0x01
	// OpMatchDescReq - [cluster u16]
	OpMatchDescReq OpCode = 0x02
	// OpMatchDescRsp - [status u8][match u16][count u8][endpoints]
	OpMatchDescRsp OpCode = 0x03
	// OpMatchDescDone - end of the discovery window
	OpMatchDescDone OpCode = 0x04
	// OpIeeeAddrReq - [short u16]
	OpIeeeAddrReq OpCode = 0x05
	// OpIeeeAddrRsp - [status u8][short u16][ieee u64]
	OpIeeeAddrRsp OpCode = 0x06
	// OpKeyEstReq - [short u16][ieee u64]
	OpKeyEstReq OpCode = 0x07
	// OpKeyEstRsp - [status u8]
	OpKeyEstRsp OpCode = 0x08
	// OpNetworkState - [joined u8][short u16]
	OpNetworkState OpCode = 0x09
)

const (
	cFrameHeaderLength = 2
	cApsHeaderLength   = 10
	cFlagBroadcast     = 0x01
	cStatusSuccess     = 0x00
)

// frame is the decoded form of a bridge datagram, the header is the operation code and a
// transaction sequence number
type frame struct {
	op           OpCode
	tsn          uint8
	status       uint8
	srcShort     uint16
	srcEndpoint  uint8
	dstShort     uint16
	dstEndpoint  uint8
	clusterID    uint16
	broadcast    bool
	shortAddress uint16
	ieeeAddress  uint64
	endpoints    []uint8
	joined       bool
	payload      []byte
}

func (f *frame) marshal() []byte {
	data := []byte{uint8(f.op), f.tsn}
	switch f.op {
	case OpApsData:
		aps := make([]byte, cApsHeaderLength)
		binary.LittleEndian.PutUint16(aps[0:], f.srcShort)
		aps[2] = f.srcEndpoint
		binary.LittleEndian.PutUint16(aps[3:], f.dstShort)
		aps[5] = f.dstEndpoint
		binary.LittleEndian.PutUint16(aps[6:], f.clusterID)
		if f.broadcast {
			aps[8] |= cFlagBroadcast
		}
		// aps[9] reserved
		data = append(data, aps...)
		data = append(data, f.payload...)
	case OpMatchDescReq:
		data = binary.LittleEndian.AppendUint16(data, f.clusterID)
	case OpMatchDescRsp:
		data = append(data, f.status)
		data = binary.LittleEndian.AppendUint16(data, f.shortAddress)
		data = append(data, uint8(len(f.endpoints)))
		data = append(data, f.endpoints...)
	case OpIeeeAddrReq:
		data = binary.LittleEndian.AppendUint16(data, f.shortAddress)
	case OpIeeeAddrRsp:
		data = append(data, f.status)
		data = binary.LittleEndian.AppendUint16(data, f.shortAddress)
		data = binary.LittleEndian.AppendUint64(data, f.ieeeAddress)
	case OpKeyEstReq:
		data = binary.LittleEndian.AppendUint16(data, f.shortAddress)
		data = binary.LittleEndian.AppendUint64(data, f.ieeeAddress)
	case OpKeyEstRsp:
		data = append(data, f.status)
	case OpNetworkState:
		joined := uint8(0)
		if f.joined {
			joined = 1
		}
		data = append(data, joined)
		data = binary.LittleEndian.AppendUint16(data, f.shortAddress)
	}
	return data
}

func checkFrameLength(aOp OpCode, aData []byte, aLength int) error {
	if len(aData) < aLength {
		return fmt.Errorf("%w: op 0x%02X with %d bytes", ErrShortFrame, uint8(aOp), len(aData))
	}
	return nil
}

// parseFrame decodes a datagram, the payload of aps data refers to aData
func parseFrame(aData []byte) (*frame, error) {
	if len(aData) < cFrameHeaderLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(aData))
	}
	f := &frame{op: OpCode(aData[0]), tsn: aData[1]}
	body := aData[cFrameHeaderLength:]
	switch f.op {
	case OpApsData:
		if err := checkFrameLength(f.op, body, cApsHeaderLength); err != nil {
			return nil, err
		}
		f.srcShort = binary.LittleEndian.Uint16(body[0:])
		f.srcEndpoint = body[2]
		f.dstShort = binary.LittleEndian.Uint16(body[3:])
		f.dstEndpoint = body[5]
		f.clusterID = binary.LittleEndian.Uint16(body[6:])
		f.broadcast = body[8]&cFlagBroadcast != 0
		f.payload = body[cApsHeaderLength:]
	case OpMatchDescReq:
		if err := checkFrameLength(f.op, body, 2); err != nil {
			return nil, err
		}
		f.clusterID = binary.LittleEndian.Uint16(body)
	case OpMatchDescRsp:
		if err := checkFrameLength(f.op, body, 4); err != nil {
			return nil, err
		}
		f.status = body[0]
		f.shortAddress = binary.LittleEndian.Uint16(body[1:])
		count := int(body[3])
		if err := checkFrameLength(f.op, body, 4+count); err != nil {
			return nil, err
		}
		f.endpoints = append([]uint8(nil), body[4:4+count]...)
	case OpMatchDescDone:
	case OpIeeeAddrReq:
		if err := checkFrameLength(f.op, body, 2); err != nil {
			return nil, err
		}
		f.shortAddress = binary.LittleEndian.Uint16(body)
	case OpIeeeAddrRsp:
		if err := checkFrameLength(f.op, body, 11); err != nil {
			return nil, err
		}
		f.status = body[0]
		f.shortAddress = binary.LittleEndian.Uint16(body[1:])
		f.ieeeAddress = binary.LittleEndian.Uint64(body[3:])
	case OpKeyEstReq:
		if err := checkFrameLength(f.op, body, 10); err != nil {
			return nil, err
		}
		f.shortAddress = binary.LittleEndian.Uint16(body)
		f.ieeeAddress = binary.LittleEndian.Uint64(body[2:])
	case OpKeyEstRsp:
		if err := checkFrameLength(f.op, body, 1); err != nil {
			return nil, err
		}
		f.status = body[0]
	case OpNetworkState:
		if err := checkFrameLength(f.op, body, 3); err != nil {
			return nil, err
		}
		f.joined = body[0] != 0
		f.shortAddress = binary.LittleEndian.Uint16(body[1:])
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownOperation, uint8(f.op))
	}
	return f, nil
}
