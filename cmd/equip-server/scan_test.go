package main

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"

	"go.bug.st/serial/enumerator"
)

func TestRunScan(t *testing.T) {
	listSerialPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A1", Product: "CAN adapter"},
		}, nil
	}
	listInterfaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "lo", MTU: 65536, Flags: net.FlagUp | net.FlagLoopback},
			{Name: "can0", MTU: 16, Flags: net.FlagUp},
			{Name: "vcan0", MTU: 72},
		}, nil
	}
	defer func() {
		listSerialPorts = enumerator.GetDetailedPortsList
		listInterfaces = net.Interfaces
	}()

	var buf bytes.Buffer
	if err := runScan(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"  /dev/ttyS0\n",
		`  /dev/ttyUSB0 usb=0403:6001 serial="A1" product="CAN adapter"`,
		"  can0 up mtu=16\n",
		"  vcan0 down mtu=72\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "lo ") {
		t.Fatalf("non-CAN interface listed:\n%s", out)
	}
}

func TestRunScanEmptyAndErrors(t *testing.T) {
	listSerialPorts = func() ([]*enumerator.PortDetails, error) { return nil, nil }
	listInterfaces = func() ([]net.Interface, error) { return nil, nil }
	defer func() {
		listSerialPorts = enumerator.GetDetailedPortsList
		listInterfaces = net.Interfaces
	}()
	var buf bytes.Buffer
	if err := runScan(&buf); err != nil {
		t.Fatal(err)
	}
	if strings.Count(buf.String(), "(none)") != 2 {
		t.Fatalf("expected two empty sections:\n%s", buf.String())
	}

	listSerialPorts = func() ([]*enumerator.PortDetails, error) { return nil, errors.New("no sysfs") }
	if err := runScan(&buf); err == nil {
		t.Fatalf("expected enumeration error")
	}
}

func TestIsCANInterface(t *testing.T) {
	for name, want := range map[string]bool{"can0": true, "vcan1": true, "slcan0": true, "eth0": false, "wlan0": false} {
		if got := isCANInterface(name); got != want {
			t.Fatalf("%s: got %v", name, got)
		}
	}
}
