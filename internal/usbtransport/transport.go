// Package usbtransport opens the usbmux vendor interface on an attached
// Apple device and exposes its bulk endpoints as a buffered byte stream.
// It is the daemon's only point of contact with github.com/google/gousb.
package usbtransport

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/google/gousb"
)

// AppleVendorID is the USB vendor ID every device this daemon talks to
// must present.
const AppleVendorID gousb.ID = 0x05ac

// usbmux interface class/subclass/protocol, as advertised by the lockdown
// relay interface on every Apple device.
const (
	usbmuxClass    = 0xff
	usbmuxSubclass = 0xfe
	usbmuxProtocol = 0x02
)

// bufferSize is the size of the buffered reader/writer wrapped around each
// endpoint, matching the device side's packet size.
const bufferSize = 512

// IsAppleVendor reports whether vid names Apple's USB vendor ID.
func IsAppleVendor(vid gousb.ID) bool { return vid == AppleVendorID }

// Transport is the narrow byte-stream interface a device session needs
// from a claimed pair of USB bulk endpoints.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

type usbTransport struct {
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
	wbuf   *bufio.Writer
	rbuf   *bufio.Reader
}

// Open selects the usbmux interface on dev, searching its configurations
// from last to first (a device's most capable configuration is usually
// listed last), claims it, and wraps its bulk endpoints in a buffered
// Transport. dev is retained and closed by the returned Transport.
func Open(dev *gousb.Device) (Transport, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("usbtransport: set auto detach: %w", err)
	}

	configNum, ifaceNum, altNum, outAddr, inAddr, err := selectInterface(dev)
	if err != nil {
		return nil, err
	}

	cfg, err := dev.Config(configNum)
	if err != nil {
		return nil, fmt.Errorf("usbtransport: activate config %d: %w", configNum, err)
	}
	intf, err := cfg.Interface(ifaceNum, altNum)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("usbtransport: claim interface %d alt %d: %w", ifaceNum, altNum, err)
	}
	out, err := intf.OutEndpoint(outAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("usbtransport: open out endpoint: %w", err)
	}
	in, err := intf.InEndpoint(inAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("usbtransport: open in endpoint: %w", err)
	}

	t := &usbTransport{dev: dev, config: cfg, intf: intf, out: out, in: in}
	t.wbuf = bufio.NewWriterSize(out, bufferSize)
	t.rbuf = bufio.NewReaderSize(in, bufferSize)
	return t, nil
}

func (t *usbTransport) Read(p []byte) (int, error) {
	return t.rbuf.Read(p)
}

// Write writes p in full and flushes before returning, so every call is a
// complete bulk-OUT transfer from the caller's point of view.
func (t *usbTransport) Write(p []byte) (int, error) {
	n, err := t.wbuf.Write(p)
	if err != nil {
		return n, err
	}
	if err := t.wbuf.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (t *usbTransport) Close() error {
	t.intf.Close()
	t.config.Close()
	return t.dev.Close()
}

// selectInterface finds the usbmux vendor interface on dev.
func selectInterface(dev *gousb.Device) (configNum, ifaceNum, altNum int, outAddr, inAddr gousb.EndpointAddress, err error) {
	configs := dev.Desc.Configs
	nums := make([]int, 0, len(configs))
	for n := range configs {
		nums = append(nums, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(nums)))

	for _, cn := range nums {
		cfg := configs[cn]
		for _, ifc := range cfg.Interfaces {
			for _, alt := range ifc.AltSettings {
				if uint8(alt.Class) != usbmuxClass || uint8(alt.SubClass) != usbmuxSubclass || uint8(alt.Protocol) != usbmuxProtocol {
					continue
				}
				out, in, ok := findEndpoints(alt)
				if !ok {
					continue
				}
				return cn, ifc.Number, alt.Alternate, out, in, nil
			}
		}
	}
	return 0, 0, 0, 0, 0, fmt.Errorf("usbtransport: no usbmux interface (class %#x/%#x/%#x) found", usbmuxClass, usbmuxSubclass, usbmuxProtocol)
}

func findEndpoints(alt gousb.InterfaceSetting) (out, in gousb.EndpointAddress, ok bool) {
	var haveOut, haveIn bool
	for addr, ep := range alt.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			out, haveOut = addr, true
		case gousb.EndpointDirectionIn:
			in, haveIn = addr, true
		}
	}
	return out, in, haveOut && haveIn
}

// ListAppleDevices opens every currently attached device with AppleVendorID
// and returns them, open, to the caller. Devices the caller doesn't keep
// must be closed.
func ListAppleDevices(usbCtx *gousb.Context) ([]*gousb.Device, error) {
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == AppleVendorID
	})
	if err != nil {
		return nil, fmt.Errorf("usbtransport: enumerate devices: %w", err)
	}
	return devices, nil
}
