// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import "sync"

type subscriptions struct {
	mu     sync.RWMutex
	subs   []chan Update
	closed bool
}

func (s *subscriptions) add() chan Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	ch := make(chan Update, 10)
	s.subs = append(s.subs, ch)
	return ch
}

// send delivers u to every subscriber. A subscriber whose buffer is full
// loses its oldest pending update; only the latest configuration matters.
func (s *subscriptions) send(u Update) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		for {
			select {
			case ch <- u:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (s *subscriptions) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for _, ch := range s.subs {
		close(ch)
	}
	s.closed = true
}
