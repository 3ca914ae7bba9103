package toolsurface

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidUUID(t *testing.T) {
	require.True(t, validUUID("0504a377-032a-38c0-ffff-efa2a2a2a2a2"))
	require.False(t, validUUID("not-a-uuid"))
	require.False(t, validUUID(""))
}

func TestNonEmptyRoomName(t *testing.T) {
	require.True(t, nonEmptyRoomName("Living Room"))
	require.False(t, nonEmptyRoomName(""))
	require.False(t, nonEmptyRoomName("   "))
}

func TestInRange(t *testing.T) {
	require.True(t, inRange(0, 0, 100))
	require.True(t, inRange(100, 0, 100))
	require.False(t, inRange(-1, 0, 100))
	require.False(t, inRange(101, 0, 100))
}

func TestCleanCommandRejectsControlBytes(t *testing.T) {
	require.NoError(t, cleanCommand("on"))
	require.Error(t, cleanCommand("on\x00"))
	require.Error(t, cleanCommand(""))
}
