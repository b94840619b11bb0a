package room

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	return New("ABCDE2", "host", "Host", Options{})
}

func TestCodeAlphabet(t *testing.T) {
	const iterations = 1_000_000

	counts := make(map[byte]int, len(CodeAlphabet))
	for i := 0; i < iterations; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("code %q has length %d", code, len(code))
		}

		for j := 0; j < len(code); j++ {
			c := code[j]
			if strings.IndexByte("0O1Il", c) >= 0 {
				t.Fatalf("code %q contains excluded character %c", code, c)
			}
			if strings.IndexByte(CodeAlphabet, c) < 0 {
				t.Fatalf("code %q contains %c outside the alphabet", code, c)
			}
			counts[c]++
		}
	}

	// Each symbol should land within ±2% of uniform
	total := 0
	for _, n := range counts {
		total += n
	}
	expected := float64(total) / float64(len(CodeAlphabet))
	for c, n := range counts {
		deviation := (float64(n) - expected) / expected
		assert.InDelta(t, 0, deviation, 0.02, "symbol %c deviates %.3f", c, deviation)
	}
}

func TestAdmissionAndPromotion(t *testing.T) {
	r := New("ABCDE2", "H", "Host", Options{})

	require.NoError(t, r.AddSpectator("G1", "Guest1"))
	require.NoError(t, r.AddSpectator("G2", "Guest2"))

	slot, err := r.PromoteToPlayer("G1")
	require.NoError(t, err)
	assert.Equal(t, PlayerSlot(2), slot)

	slot, err = r.PromoteToPlayer("G2")
	require.NoError(t, err)
	assert.Equal(t, PlayerSlot(3), slot)

	require.NoError(t, r.AddSpectator("G3", "Guest3"))
	slot, err = r.PromoteToPlayer("G3")
	require.NoError(t, err)
	assert.Equal(t, PlayerSlot(4), slot)

	require.NoError(t, r.AddSpectator("G4", "Guest4"))
	_, err = r.PromoteToPlayer("G4")
	assert.ErrorIs(t, err, ErrNoFreeSlot)

	// Host leaves: callers decide whether to close or promote
	shouldClose := r.RemovePeer("H")
	assert.True(t, shouldClose)
	assert.Empty(t, r.HostPeerID())

	require.NoError(t, r.PromoteToHost("G1"))
	assert.Equal(t, "G1", r.HostPeerID())

	g1, ok := r.Player("G1")
	require.True(t, ok)
	assert.True(t, g1.IsHost)

	_, ok = r.Player("H")
	assert.False(t, ok)
}

func TestAtMostOneHost(t *testing.T) {
	r := newTestRoom(t)
	require.NoError(t, r.AddSpectator("G1", "g1"))
	_, err := r.PromoteToPlayer("G1")
	require.NoError(t, err)

	require.NoError(t, r.PromoteToHost("G1"))

	hosts := 0
	for _, p := range r.Players() {
		if p.IsHost {
			hosts++
		}
	}
	assert.Equal(t, 1, hosts)
	assert.Equal(t, "G1", r.HostPeerID())
}

func TestSlotReuseAfterLeave(t *testing.T) {
	r := newTestRoom(t)
	require.NoError(t, r.AddSpectator("G1", "g1"))
	require.NoError(t, r.AddSpectator("G2", "g2"))

	_, err := r.PromoteToPlayer("G1")
	require.NoError(t, err)
	_, err = r.PromoteToPlayer("G2")
	require.NoError(t, err)

	// G1 leaves, freeing slot 2; the next promotion takes it
	r.RemovePeer("G1")
	require.NoError(t, r.AddSpectator("G3", "g3"))
	slot, err := r.PromoteToPlayer("G3")
	require.NoError(t, err)
	assert.Equal(t, PlayerSlot(2), slot)
}

func TestSpectatorCapacity(t *testing.T) {
	r := New("ABCDE2", "H", "Host", Options{SpectatorCapacity: 2})

	require.NoError(t, r.AddSpectator("S1", "s1"))
	require.NoError(t, r.AddSpectator("S2", "s2"))
	assert.ErrorIs(t, r.AddSpectator("S3", "s3"), ErrRoomFull)

	// Promotion frees spectator capacity
	_, err := r.PromoteToPlayer("S1")
	require.NoError(t, err)
	require.NoError(t, r.AddSpectator("S3", "s3"))
}

func TestGamepadBrokerage(t *testing.T) {
	r := newTestRoom(t)
	for _, id := range []string{"G1", "G2", "G3"} {
		require.NoError(t, r.AddSpectator(id, id))
		_, err := r.PromoteToPlayer(id)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, r.ClaimGamepad("G1", 0))
	assert.Equal(t, 1, r.ClaimGamepad("G1", 1))
	assert.Equal(t, 2, r.ClaimGamepad("G2", 0))

	// Claiming an existing mapping is idempotent
	assert.Equal(t, 0, r.ClaimGamepad("G1", 0))

	r.ReleaseGamepad("G1", 1)
	assert.Equal(t, 1, r.ClaimGamepad("G3", 0))

	// G2 disconnects; its slot is freed
	r.RemovePeer("G2")
	_, owned := r.GamepadOwner(2)
	assert.False(t, owned)

	// Releasing a slot not owned by the caller is a no-op
	r.ReleaseGamepad("G3", 0)
	owner, ok := r.GamepadOwner(0)
	require.True(t, ok)
	assert.Equal(t, "G1", owner)
}

func TestGamepadDeniedForSpectator(t *testing.T) {
	r := newTestRoom(t)
	require.NoError(t, r.AddSpectator("S1", "s1"))

	assert.Equal(t, -1, r.ClaimGamepad("S1", 0))
	assert.Equal(t, -1, r.ClaimGamepad("unknown", 0))
}

func TestGamepadPerPeerCap(t *testing.T) {
	r := newTestRoom(t)

	for browserID := uint8(0); browserID < MaxGamepadsPerPeer; browserID++ {
		assert.GreaterOrEqual(t, r.ClaimGamepad("host", browserID), 0)
	}
	assert.Equal(t, -1, r.ClaimGamepad("host", 4))
}

func TestGamepadSlotExhaustion(t *testing.T) {
	r := newTestRoom(t)
	peers := []string{"host"}
	for _, id := range []string{"G1", "G2", "G3"} {
		require.NoError(t, r.AddSpectator(id, id))
		_, err := r.PromoteToPlayer(id)
		require.NoError(t, err)
		peers = append(peers, id)
	}

	// Four players x four claims fill all sixteen server slots
	claimed := 0
	for _, peer := range peers {
		for browserID := uint8(0); browserID < 4; browserID++ {
			slot := r.ClaimGamepad(peer, browserID)
			require.GreaterOrEqual(t, slot, 0)
			claimed++
		}
	}
	assert.Equal(t, MaxServerSlots, claimed)
}

func TestGamepadMapConsistency(t *testing.T) {
	r := newTestRoom(t)
	require.NoError(t, r.AddSpectator("G1", "g1"))
	_, err := r.PromoteToPlayer("G1")
	require.NoError(t, err)

	r.ClaimGamepad("host", 0)
	r.ClaimGamepad("host", 1)
	r.ClaimGamepad("G1", 0)

	// Every claimed browser id resolves to a live, uniquely owned slot
	seen := make(map[int]string)
	for _, p := range r.Players() {
		for _, browserID := range p.GamepadIDs {
			slot, ok := r.LookupGamepad(p.PeerID, browserID)
			require.True(t, ok)

			owner, ok := r.GamepadOwner(slot)
			require.True(t, ok)
			assert.Equal(t, p.PeerID, owner)

			prev, dup := seen[slot]
			assert.False(t, dup, "slot %d owned by both %s and %s", slot, prev, p.PeerID)
			seen[slot] = p.PeerID
		}
	}
}

func TestPermissions(t *testing.T) {
	r := New("ABCDE2", "H", "Host", Options{DefaultKeyboard: false, DefaultMouse: true})
	require.NoError(t, r.AddSpectator("G1", "g1"))

	g1, ok := r.Player("G1")
	require.True(t, ok)
	assert.False(t, g1.CanUseKeyboard)
	assert.True(t, g1.CanUseMouse)

	// Only the host may toggle access
	assert.ErrorIs(t, r.SetKeyboardAccess("G1", "G1", true), ErrNotHost)
	require.NoError(t, r.SetKeyboardAccess("H", "G1", true))

	g1, _ = r.Player("G1")
	assert.True(t, g1.CanUseKeyboard)

	// Default changes apply to future guests only
	require.NoError(t, r.SetDefaults("H", true, false))
	require.NoError(t, r.AddSpectator("G2", "g2"))

	g1, _ = r.Player("G1")
	g2, _ := r.Player("G2")
	assert.True(t, g1.CanUseMouse)
	assert.False(t, g2.CanUseMouse)
	assert.True(t, g2.CanUseKeyboard)
}

func TestPlayersOrdering(t *testing.T) {
	r := newTestRoom(t)
	require.NoError(t, r.AddSpectator("G1", "g1"))
	require.NoError(t, r.AddSpectator("S1", "s1"))
	_, err := r.PromoteToPlayer("G1")
	require.NoError(t, err)

	players := r.Players()
	require.Len(t, players, 3)
	assert.Equal(t, "host", players[0].PeerID)
	assert.Equal(t, "G1", players[1].PeerID)
	assert.Equal(t, "S1", players[2].PeerID)
}
