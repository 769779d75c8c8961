package hotplug

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/require"
)

func TestSpeedToNumber(t *testing.T) {
	cases := []struct {
		speed gousb.Speed
		want  uint32
	}{
		{gousb.SpeedLow, 1},
		{gousb.SpeedFull, 12},
		{gousb.SpeedHigh, 480},
		{gousb.SpeedSuper, 5000},
		{gousb.SpeedSuperPlus, 10000},
		{gousb.Speed(99), 0},
	}
	for _, c := range cases {
		require.Equal(t, c.want, SpeedToNumber(c.speed))
	}
}

func TestDeviceKeyEquality(t *testing.T) {
	a := DeviceKey{Bus: 1, Address: 2}
	b := DeviceKey{Bus: 1, Address: 2}
	c := DeviceKey{Bus: 1, Address: 3}
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
