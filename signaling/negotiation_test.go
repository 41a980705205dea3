package signaling_test

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"strzcam.com/livesign/dispatcher"
	"strzcam.com/livesign/signaling"
	"strzcam.com/livesign/signaling/signalingtest"
	"strzcam.com/livesign/web_rtc"
)

func TestNegotiationWithPionPeer(t *testing.T) {
	peers, err := web_rtc.NewPeerFactory(web_rtc.Config{GatherTimeout: 2 * time.Second, KeyframeInterval: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	transitions := &transitionLog{}
	registry := signaling.NewRegistry(signaling.Options{
		BufferCapacity:  64,
		BufferRetention: 16,
		Dispatch:        dispatcher.Config{BatchSize: 16, QueueSize: 2, Timeout: time.Second},
		Peers:           peers,
		NewRunner:       func(string) dispatcher.Runner { return &signalingtest.Runner{} },
		OnTransition:    transitions.record,
	})
	defer registry.CloseAll()

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatal(err)
	}
	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}

	conn, err := registry.Register("pion")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := registry.HandleOffer(ctx, "pion", *client.LocalDescription())
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	expected := []transition{
		{signaling.StateInit, signaling.StateNegotiating},
		{signaling.StateNegotiating, signaling.StateConnected},
	}
	if got := transitions.get("pion"); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
	if answer.Type != webrtc.SDPTypeAnswer || !strings.Contains(answer.SDP, "m=video") {
		t.Errorf("Expected a video answer, got %s:\n%s", answer.Type, answer.SDP)
	}
	if err := client.SetRemoteDescription(answer); err != nil {
		t.Errorf("Client rejected the answer: %v", err)
	}
	if conn.Stats().Ingested != 0 {
		t.Errorf("Expected no frames yet, got %d", conn.Stats().Ingested)
	}

	if err := registry.Close("pion"); err != nil {
		t.Fatal(err)
	}
	if conn.State() != signaling.StateClosed {
		t.Errorf("Expected CLOSED, got %s", conn.State())
	}
}
