// SPDX-License-Identifier: AGPL-3.0-only
package broker

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestSubscribeReceivesPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.PublishLogLine(1, 1, "hello")

	msg := <-sub.C()
	var ev LogEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "job_log" || ev.JobID != 1 || ev.Seq != 1 || ev.Line != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.C()
	if ok {
		t.Fatal("expected channel to be closed")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	// Fill the subscriber's buffer well past capacity without ever
	// draining it — Publish must never block the caller.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.PublishLogLine(1, int64(i), "line")
	}
}

func TestConcurrentPublishSubscribeUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe()
			b.PublishSnapshot(map[string]int{"id": 1})
			sub.Unsubscribe()
		}()
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.PublishState("jobs_archived")
		}()
	}
	wg.Wait()
}
