package usbtransport

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/require"
)

func TestIsAppleVendor(t *testing.T) {
	require.True(t, IsAppleVendor(AppleVendorID))
	require.False(t, IsAppleVendor(gousb.ID(0x1234)))
}

func TestFindEndpointsPicksBulkInOut(t *testing.T) {
	alt := gousb.InterfaceSetting{
		Number:    0,
		Alternate: 0,
		Class:     usbmuxClass,
		SubClass:  usbmuxSubclass,
		Protocol:  usbmuxProtocol,
		Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
			0x81: {Direction: gousb.EndpointDirectionIn, TransferType: gousb.TransferTypeBulk},
			0x02: {Direction: gousb.EndpointDirectionOut, TransferType: gousb.TransferTypeBulk},
			0x83: {Direction: gousb.EndpointDirectionIn, TransferType: gousb.TransferTypeInterrupt},
		},
	}

	out, in, ok := findEndpoints(alt)
	require.True(t, ok)
	require.Equal(t, gousb.EndpointAddress(0x02), out)
	require.Equal(t, gousb.EndpointAddress(0x81), in)
}

func TestFindEndpointsRejectsNonBulkOnly(t *testing.T) {
	alt := gousb.InterfaceSetting{
		Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
			0x81: {Direction: gousb.EndpointDirectionIn, TransferType: gousb.TransferTypeInterrupt},
		},
	}
	_, _, ok := findEndpoints(alt)
	require.False(t, ok)
}
