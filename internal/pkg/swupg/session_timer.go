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
	"sync"
	"time"
)

type stoppableTimer interface {
	Stop() bool
}

// timerFactory starts a one-shot timer calling aFunc after aDelay
type timerFactory func(aDelay time.Duration, aFunc func()) stoppableTimer

func realTimerFactory(aDelay time.Duration, aFunc func()) stoppableTimer {
	return time.AfterFunc(aDelay, aFunc)
}

// sessionTimer is the single deadline of a session. Arming it supersedes a pending expiry;
// expiries of superseded timers carry an outdated generation and are dropped by isCurrent.
type sessionTimer struct {
	mutex      sync.Mutex
	newTimer   timerFactory
	pending    stoppableTimer
	generation uint32
	delay      time.Duration
}

func newSessionTimer(aFactory timerFactory) *sessionTimer {
	if aFactory == nil {
		aFactory = realTimerFactory
	}
	return &sessionTimer{newTimer: aFactory}
}

// arm starts the timer, aExpired is called with the timer generation on expiry
func (t *sessionTimer) arm(aDelay time.Duration, aExpired func(uint32)) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.pending != nil {
		_ = t.pending.Stop()
	}
	t.generation++
	generation := t.generation
	t.delay = aDelay
	t.pending = t.newTimer(aDelay, func() { aExpired(generation) })
}

func (t *sessionTimer) cancel() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.pending != nil {
		_ = t.pending.Stop()
		t.pending = nil
	}
	t.generation++
}

// isCurrent checks an expiry against the armed generation and disarms the timer if it matches
func (t *sessionTimer) isCurrent(aGeneration uint32) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.pending == nil || aGeneration != t.generation {
		return false
	}
	t.pending = nil
	return true
}

func (t *sessionTimer) lastDelay() time.Duration {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.delay
}
