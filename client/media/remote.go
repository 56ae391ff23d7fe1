package media

import (
	"slices"
	"sync"

	"github.com/adwski/webrtc-mesh/backend/model"
)

type RemoteTrack struct {
	ID       string
	Kind     Kind
	StreamID string
}

type RemoteStream struct {
	Peer   model.ConnID
	Tracks []RemoteTrack
}

// RemoteView maps remote peers to the media their transports surfaced.
type RemoteView struct {
	mx      sync.RWMutex
	streams map[model.ConnID][]RemoteTrack
}

func NewRemoteView() *RemoteView {
	return &RemoteView{streams: make(map[model.ConnID][]RemoteTrack)}
}

func (v *RemoteView) Add(peer model.ConnID, track RemoteTrack) {
	v.mx.Lock()
	defer v.mx.Unlock()
	v.streams[peer] = append(v.streams[peer], track)
}

// Remove forgets peer and reports whether it was listed.
func (v *RemoteView) Remove(peer model.ConnID) bool {
	v.mx.Lock()
	defer v.mx.Unlock()
	_, ok := v.streams[peer]
	delete(v.streams, peer)
	return ok
}

func (v *RemoteView) Clear() {
	v.mx.Lock()
	defer v.mx.Unlock()
	clear(v.streams)
}

func (v *RemoteView) Stream(peer model.ConnID) (RemoteStream, bool) {
	v.mx.RLock()
	defer v.mx.RUnlock()
	tracks, ok := v.streams[peer]
	if !ok {
		return RemoteStream{}, false
	}
	return RemoteStream{Peer: peer, Tracks: slices.Clone(tracks)}, true
}

func (v *RemoteView) Peers() []model.ConnID {
	v.mx.RLock()
	defer v.mx.RUnlock()
	peers := make([]model.ConnID, 0, len(v.streams))
	for peer := range v.streams {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}
