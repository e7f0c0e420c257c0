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
	"fmt"
	"time"

	"github.com/google/gopacket"
)

// Serialize encodes a ZCL header followed by one command
func Serialize(aHeader *ZclFrame, aCommand gopacket.SerializableLayer) ([]byte, error) {
	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buffer, options, aHeader, aCommand); err != nil {
		return nil, fmt.Errorf("serialize %v: %w", aCommand.LayerType(), err)
	}
	return buffer.Bytes(), nil
}

// Decode parses an OTA cluster frame. The returned header is set as soon as the ZCL
// header itself could be decoded, also if the command payload is malformed.
func Decode(aData []byte) (gopacket.Packet, *ZclFrame, error) {
	packet := gopacket.NewPacket(aData, LayerTypeZclFrame, gopacket.NoCopy)
	var header *ZclFrame
	if headerLayer := packet.Layer(LayerTypeZclFrame); headerLayer != nil {
		header, _ = headerLayer.(*ZclFrame)
	}
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return packet, header, fmt.Errorf("%w: %v", ErrMalformed, errLayer.Error())
	}
	if header == nil {
		return packet, nil, fmt.Errorf("%w: no zcl header", ErrMalformed)
	}
	return packet, header, nil
}

// CalculateTimer converts the absolute protocol times aCurrentTime and aTargetTime (UTC
// seconds) into a relative delay clamped to aMaxDelay. If the target lies before the current
// time, aFallback is returned together with false.
func CalculateTimer(aCurrentTime uint32, aTargetTime uint32, aMaxDelay time.Duration,
	aFallback time.Duration) (time.Duration, bool) {
	if aTargetTime < aCurrentTime {
		return aFallback, false
	}
	delayMs := uint64(aTargetTime-aCurrentTime) * 1000
	delay := time.Duration(delayMs) * time.Millisecond
	if aMaxDelay > 0 && delay > aMaxDelay {
		delay = aMaxDelay
	}
	return delay, true
}
