// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Subscriber receives integrated operations.
//
// Subscribers are downstream sinks: the log never consults them and their
// failures never affect integration. Events arrive in integration order.
// OnIntegrated runs on the appending goroutine and should return quickly.
type Subscriber interface {
	OnIntegrated(ctx context.Context, ev Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev Event)

// OnIntegrated implements Subscriber.
func (f SubscriberFunc) OnIntegrated(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Subscribe registers sub and returns a function that removes it.
func (l *Log) Subscribe(sub Subscriber) (unsubscribe func()) {
	l.subsMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = sub
	l.subsMu.Unlock()

	return func() {
		l.subsMu.Lock()
		delete(l.subs, id)
		l.subsMu.Unlock()
	}
}

// publish delivers events to every subscriber in registration order.
// Callers hold l.notifyMu.
func (l *Log) publish(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}
	l.subsMu.RLock()
	ids := make([]int, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, l.subs[id])
	}
	l.subsMu.RUnlock()

	for _, ev := range events {
		for _, sub := range subs {
			l.deliver(ctx, sub, ev)
		}
	}
}

func (l *Log) deliver(ctx context.Context, sub Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("subscriber panicked",
				slog.String("ref", ev.Op.Ref().String()),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	sub.OnIntegrated(ctx, ev)
}
