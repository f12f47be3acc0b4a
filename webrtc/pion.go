// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/palaver-im/palaver/calling"
)

// Capture provides the local media tracks for one call. Implementations
// wrap platform capture devices; StaticCapture serves tests and
// headless demos.
type Capture interface {
	// AudioTrack returns the microphone track.
	AudioTrack() (pion.TrackLocal, error)

	// VideoTracks returns one track per camera, default first. An
	// empty slice is valid for audio-only capture setups.
	VideoTracks() ([]pion.TrackLocal, error)
}

// PionAdapter is the production Adapter, one per call attempt, backed
// by a pion PeerConnection with trickle ICE.
type PionAdapter struct {
	pc     *pion.PeerConnection
	logger *slog.Logger

	audioSender *pion.RTPSender
	audioTrack  pion.TrackLocal
	videoSender *pion.RTPSender
	videoTracks []pion.TrackLocal

	mu           sync.Mutex
	videoIndex   int
	videoEnabled bool
	remoteSet    bool
	pending      []pion.ICECandidateInit
	onCandidate  func(Candidate)
	onState      func(ConnectionState)
	closed       bool
}

var _ Adapter = (*PionAdapter)(nil)

// NewFactory returns a Factory that builds a PionAdapter per call.
// Capture failures come back wrapped in ErrMediaPermission so the
// session layer can abort setup cleanly.
func NewFactory(iceConfig ICEConfig, capture Capture, logger *slog.Logger) Factory {
	return func(ctx context.Context, callType calling.CallType) (Adapter, error) {
		return NewPionAdapter(iceConfig, callType, capture, logger)
	}
}

// NewPionAdapter builds the peer connection and publishes the local
// tracks for the given call type.
func NewPionAdapter(iceConfig ICEConfig, callType calling.CallType, capture Capture, logger *slog.Logger) (*PionAdapter, error) {
	// Loopback candidates make same-machine calls work, which is how
	// the tests and the demo command run.
	settingEngine := pion.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := pion.NewAPI(pion.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: iceConfig.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	adapter := &PionAdapter{pc: pc, logger: logger}

	adapter.audioTrack, err = capture.AudioTrack()
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("acquiring microphone: %w: %v", ErrMediaPermission, err)
	}
	adapter.audioSender, err = pc.AddTrack(adapter.audioTrack)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding audio track: %w", err)
	}

	if callType == calling.CallTypeVideo {
		adapter.videoTracks, err = capture.VideoTracks()
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("acquiring camera: %w: %v", ErrMediaPermission, err)
		}
		if len(adapter.videoTracks) == 0 {
			pc.Close()
			return nil, fmt.Errorf("video call without a camera: %w", ErrMediaPermission)
		}
		adapter.videoSender, err = pc.AddTrack(adapter.videoTracks[0])
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding video track: %w", err)
		}
		adapter.videoEnabled = true
	}

	pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		if candidate == nil {
			// End of gathering. With trickle ICE there is nothing to
			// announce.
			return
		}
		init := candidate.ToJSON()
		out := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		adapter.mu.Lock()
		fn := adapter.onCandidate
		adapter.mu.Unlock()
		if fn != nil {
			fn(out)
		}
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		adapter.mu.Lock()
		fn := adapter.onState
		adapter.mu.Unlock()
		if fn != nil {
			fn(mapConnectionState(state))
		}
	})

	return adapter, nil
}

func (a *PionAdapter) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local offer: %w", err)
	}
	return offer.SDP, nil
}

func (a *PionAdapter) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remote := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: remoteOffer}
	if err := a.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}
	if err := a.flushPending(); err != nil {
		return "", err
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local answer: %w", err)
	}
	return answer.SDP, nil
}

func (a *PionAdapter) AcceptAnswer(ctx context.Context, remoteAnswer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: remoteAnswer}
	if err := a.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return a.flushPending()
}

// AddRemoteCandidate buffers candidates that trickle in before the
// remote description is applied; pion rejects them otherwise.
func (a *PionAdapter) AddRemoteCandidate(candidate calling.ICECandidate) error {
	init := pion.ICECandidateInit{Candidate: candidate.Candidate}
	if candidate.SDPMid != "" {
		mid := candidate.SDPMid
		init.SDPMid = &mid
	}
	index := candidate.SDPMLineIndex
	init.SDPMLineIndex = &index

	a.mu.Lock()
	if !a.remoteSet {
		a.pending = append(a.pending, init)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

func (a *PionAdapter) flushPending() error {
	a.mu.Lock()
	a.remoteSet = true
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, init := range pending {
		if err := a.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("adding buffered candidate: %w", err)
		}
	}
	return nil
}

func (a *PionAdapter) OnLocalCandidate(fn func(Candidate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCandidate = fn
}

func (a *PionAdapter) OnStateChange(fn func(ConnectionState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = fn
}

// SetMuted pauses the audio sender by replacing its track with nil,
// which keeps the transceiver negotiated so unmuting needs no
// renegotiation.
func (a *PionAdapter) SetMuted(muted bool) error {
	if muted {
		return a.audioSender.ReplaceTrack(nil)
	}
	return a.audioSender.ReplaceTrack(a.audioTrack)
}

func (a *PionAdapter) SetVideoEnabled(enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.videoSender == nil {
		return nil
	}
	a.videoEnabled = enabled
	if !enabled {
		return a.videoSender.ReplaceTrack(nil)
	}
	return a.videoSender.ReplaceTrack(a.videoTracks[a.videoIndex])
}

func (a *PionAdapter) SwitchCamera() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.videoTracks) < 2 {
		return ErrNoAlternateCamera
	}
	a.videoIndex = (a.videoIndex + 1) % len(a.videoTracks)
	if !a.videoEnabled {
		return nil
	}
	return a.videoSender.ReplaceTrack(a.videoTracks[a.videoIndex])
}

func (a *PionAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	return a.pc.Close()
}

func mapConnectionState(state pion.PeerConnectionState) ConnectionState {
	switch state {
	case pion.PeerConnectionStateNew:
		return StateNew
	case pion.PeerConnectionStateConnecting:
		return StateConnecting
	case pion.PeerConnectionStateConnected:
		return StateConnected
	case pion.PeerConnectionStateDisconnected:
		return StateDisconnected
	case pion.PeerConnectionStateFailed:
		return StateFailed
	case pion.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}

// StaticCapture provides synthetic sample tracks, for tests and for
// running the demo command on machines without capture devices.
type StaticCapture struct {
	// Cameras is the number of synthetic camera tracks, default 1.
	Cameras int
}

func (s StaticCapture) AudioTrack() (pion.TrackLocal, error) {
	return pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", "palaver")
}

func (s StaticCapture) VideoTracks() ([]pion.TrackLocal, error) {
	count := s.Cameras
	if count == 0 {
		count = 1
	}
	tracks := make([]pion.TrackLocal, 0, count)
	for i := 0; i < count; i++ {
		track, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8},
			fmt.Sprintf("video-%d", i), "palaver")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}
