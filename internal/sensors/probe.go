package sensors

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	bugserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ftdiVendorID is the USB vendor of the FTDI bridge on VectorNav cables.
const ftdiVendorID = "0403"

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string
	USB          bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// LikelyVN100 reports whether the port sits behind the USB bridge used by
// VectorNav development cables.
func (p PortInfo) LikelyVN100() bool {
	return p.USB && strings.EqualFold(p.VID, ftdiVendorID)
}

func (p PortInfo) String() string {
	if !p.USB {
		return p.Name
	}
	return fmt.Sprintf("%s (USB %s:%s %s %s)", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
}

// ListPorts enumerates serial ports, with USB details where the platform
// provides them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				USB:          d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return ports, nil
	}
	log.Debugf("detailed port enumeration failed, falling back: %v", err)

	names, err := bugserial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(names))
	for _, n := range names {
		ports = append(ports, PortInfo{Name: n})
	}
	return ports, nil
}

// Probe connects to the port, pauses output long enough to read the
// identification registers, and disconnects.
func Probe(opts Options) (DeviceInfo, error) {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 300 * time.Millisecond
	}
	opts.ResetOnClose = false

	v, err := OpenVN100(opts)
	if err != nil {
		return DeviceInfo{}, err
	}
	defer v.Close()

	if err := v.PauseOutputs(); err != nil {
		return DeviceInfo{}, err
	}
	info, err := v.Info()
	if rerr := v.ResumeOutputs(); rerr != nil && err == nil {
		err = rerr
	}
	return info, err
}
