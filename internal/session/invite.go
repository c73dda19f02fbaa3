package session

import (
	"strconv"

	"github.com/energizer-project/netplay/internal/connector"
	"github.com/energizer-project/netplay/internal/network"
	"github.com/energizer-project/netplay/internal/punch"
)

// findMutualInvite returns the candidate whose invite matches ours: their
// connect_to is our room code and ours is theirs.
func findMutualInvite(candidates []connector.LobbyPlayer, roomCode, connectTo string) (connector.LobbyPlayer, bool) {
	if roomCode == "" || connectTo == "" {
		return connector.LobbyPlayer{}, false
	}
	for _, c := range candidates {
		if c.ConnectTo == roomCode && c.RoomCode == connectTo {
			return c, true
		}
	}
	return connector.LobbyPlayer{}, false
}

// incomingInvites returns the candidates inviting us.
func incomingInvites(candidates []connector.LobbyPlayer, roomCode string) []connector.LobbyPlayer {
	if roomCode == "" {
		return nil
	}
	var out []connector.LobbyPlayer
	for _, c := range candidates {
		if c.ConnectTo == roomCode {
			out = append(out, c)
		}
	}
	return out
}

// internetTarget builds the target for an accepted lobby invite. The
// lexicographically lower player id is player 1.
func internetTarget(selfID string, peer connector.LobbyPlayer) (Target, error) {
	remote, err := punch.DecodeRoomCode(peer.RoomCode)
	if err != nil {
		return Target{}, err
	}
	player := 2
	if selfID < peer.PlayerID {
		player = 1
	}
	return Target{
		Path:         PathInternet,
		PeerName:     peer.DisplayName,
		PeerID:       peer.PlayerID,
		Remote:       remote,
		PlayerNumber: player,
	}, nil
}

// lanTarget builds the target for a matched LAN peer. The lower instance
// id is player 1.
func lanTarget(selfID uint32, peer network.Peer) (Target, error) {
	remote, err := peer.Addr()
	if err != nil {
		return Target{}, err
	}
	player := 2
	if selfID < peer.InstanceID {
		player = 1
	}
	return Target{
		Path:         PathLAN,
		PeerName:     peer.Name,
		PeerID:       strconv.FormatUint(uint64(peer.InstanceID), 10),
		Remote:       remote,
		PlayerNumber: player,
	}, nil
}
