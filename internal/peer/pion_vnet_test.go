package peer

import (
	"log/slog"
	"testing"
	"time"

	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// TestSessionsConnectOverVNet drives two pion-backed sessions through a full
// offer/answer/candidate exchange on an in-memory network and waits for the
// media path to come up.
func TestSessionsConnectOverVNet(t *testing.T) {
	const (
		cidr = "10.9.0.0/24"
		ipA  = "10.9.0.10"
		ipB  = "10.9.0.11"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: NewSlogLoggerFactory(slog.Default()),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	provA := newVNetProvider(t, netA)
	provB := newVNetProvider(t, netB)

	alice := NewSession("bob", provA, slog.Default())
	bob := NewSession("alice", provB, slog.Default())
	t.Cleanup(func() {
		_ = alice.Close()
		_ = bob.Close()
	})

	candsForBob := make(chan webrtc.ICECandidateInit, 16)
	candsForAlice := make(chan webrtc.ICECandidateInit, 16)
	provA.OnICECandidate(func(c webrtc.ICECandidateInit) { candsForBob <- c })
	provB.OnICECandidate(func(c webrtc.ICECandidateInit) { candsForAlice <- c })

	aliceUp := make(chan struct{}, 4)
	bobUp := make(chan struct{}, 4)
	provA.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			aliceUp <- struct{}{}
		}
	})
	provB.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			bobUp <- struct{}{}
		}
	})

	trackReceived := make(chan string, 1)
	provB.OnTrack(func(track *webrtc.TrackRemote) {
		select {
		case trackReceived <- track.Codec().MimeType:
		default:
		}
	})

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-vnet", "stream-vnet",
	)
	if err != nil {
		t.Fatalf("new local track: %v", err)
	}
	if _, err := alice.AddLocalTracks([]webrtc.TrackLocal{audio}); err != nil {
		t.Fatalf("add local tracks: %v", err)
	}

	offer, err := alice.InitiateOffer()
	if err != nil {
		t.Fatalf("initiate offer: %v", err)
	}
	answer, err := bob.HandleOffer(offer)
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	if err := alice.HandleAnswer(answer); err != nil {
		t.Fatalf("handle answer: %v", err)
	}

	// Feed silence so the receiving side observes RTP once ICE completes.
	stopWriting := make(chan struct{})
	defer close(stopWriting)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopWriting:
				return
			case <-ticker.C:
				_ = audio.WriteSample(media.Sample{
					Data:     []byte{0xf8, 0xff, 0xfe},
					Duration: 20 * time.Millisecond,
				})
			}
		}
	}()

	timeout := time.After(15 * time.Second)
	aliceConnected, bobConnected, gotTrack := false, false, false
	for !aliceConnected || !bobConnected || !gotTrack {
		select {
		case c := <-candsForBob:
			if err := bob.HandleRemoteCandidate(c); err != nil {
				t.Fatalf("bob candidate: %v", err)
			}
		case c := <-candsForAlice:
			if err := alice.HandleRemoteCandidate(c); err != nil {
				t.Fatalf("alice candidate: %v", err)
			}
		case <-aliceUp:
			aliceConnected = true
		case <-bobUp:
			bobConnected = true
		case mime := <-trackReceived:
			if mime != webrtc.MimeTypeOpus {
				t.Fatalf("received track mime %q", mime)
			}
			gotTrack = true
		case <-timeout:
			t.Fatalf("timed out: aliceConnected=%v bobConnected=%v gotTrack=%v", aliceConnected, bobConnected, gotTrack)
		}
	}

	if alice.State() != StateConnected || bob.State() != StateConnected {
		t.Fatalf("states alice=%s bob=%s", alice.State(), bob.State())
	}
}

func newVNetProvider(t *testing.T, n *vnet.Net) Provider {
	t.Helper()

	se := webrtc.SettingEngine{
		LoggerFactory: NewSlogLoggerFactory(slog.Default()),
	}
	se.SetNet(n)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(m),
	)

	prov, err := NewPionFactory(api, nil)()
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return prov
}
