package main

import (
	"fmt"
	"io"
	"net"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Test hooks.
var (
	listSerialPorts = enumerator.GetDetailedPortsList
	listInterfaces  = net.Interfaces
)

var canPrefixes = []string{"can", "vcan", "slcan", "vxcan"}

func isCANInterface(name string) bool {
	for _, p := range canPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// runScan prints the serial ports and CAN network interfaces usable as
// --serial and --can-if values.
func runScan(w io.Writer) error {
	ports, err := listSerialPorts()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	fmt.Fprintln(w, "serial ports:")
	if len(ports) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(w, "  %s usb=%s:%s serial=%q product=%q\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
			continue
		}
		fmt.Fprintf(w, "  %s\n", p.Name)
	}

	ifs, err := listInterfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	fmt.Fprintln(w, "can interfaces:")
	n := 0
	for _, ifc := range ifs {
		if !isCANInterface(ifc.Name) {
			continue
		}
		state := "down"
		if ifc.Flags&net.FlagUp != 0 {
			state = "up"
		}
		fmt.Fprintf(w, "  %s %s mtu=%d\n", ifc.Name, state, ifc.MTU)
		n++
	}
	if n == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	return nil
}
