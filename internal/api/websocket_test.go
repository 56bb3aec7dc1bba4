package api

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishReachesSubscribedChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	client := NewClient("c1", hub, nil)

	hub.Subscribe(client, "runs:abc")
	hub.Publish("runs:abc", MsgTypeRunProgress, map[string]int{"barsProcessed": 3})

	select {
	case frame := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if msg.Type != MsgTypeRunProgress {
			t.Errorf("type = %s, want %s", msg.Type, MsgTypeRunProgress)
		}
		if msg.Channel != "runs:abc" {
			t.Errorf("channel = %s, want runs:abc", msg.Channel)
		}
	default:
		t.Fatal("no frame delivered to subscribed client")
	}

	hub.Unsubscribe(client, "runs:abc")
	hub.Publish("runs:abc", MsgTypeRunProgress, map[string]int{"barsProcessed": 4})
	if len(client.send) != 0 {
		t.Error("frame delivered after unsubscribe")
	}
}

func TestHubStopReleasesDisconnectingClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()

	client := NewClient("c1", hub, nil)
	if !hub.add(client) {
		t.Fatal("add refused while hub is running")
	}

	hub.Stop()

	// A client tearing down after Stop must not block on the
	// unregister channel; nothing drains it anymore.
	released := make(chan struct{})
	go func() {
		hub.drop(client)
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("drop blocked after hub stop")
	}

	if hub.add(NewClient("c2", hub, nil)) {
		t.Error("add accepted a client after stop")
	}
}
