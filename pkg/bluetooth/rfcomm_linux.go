//go:build linux

package bluetooth

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const defaultMaxRfcommChannel = 5

// dialRfcomm connects an RFCOMM stream socket to the device. There is no SDP
// lookup, so channels 1..maxChannel are tried in order; most SPP servers listen on 1.
func dialRfcomm(address string, service uuid.UUID, maxChannel int) (io.ReadWriteCloser, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	if maxChannel <= 0 {
		maxChannel = defaultMaxRfcommChannel
	}

	var lastErr error
	for ch := 1; ch <= maxChannel; ch++ {
		fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
		if err != nil {
			return nil, fmt.Errorf("failed to create rfcomm socket: %w", err)
		}

		sa := &unix.SockaddrRFCOMM{
			Addr:    addr,
			Channel: uint8(ch),
		}
		if err := unix.Connect(fd, sa); err != nil {
			lastErr = err
			log.Tracef("pkg bluetooth; rfcomm %s channel %d: %v", address, ch, err)
			if cerr := unix.Close(fd); cerr != nil {
				log.Debugf("Error closing rfcomm socket: %v", cerr)
			}
			continue
		}

		log.Debugf("pkg bluetooth; rfcomm channel %d open to %s for service %s", ch, address, service)
		return os.NewFile(uintptr(fd), "rfcomm:"+address), nil
	}

	return nil, fmt.Errorf("could not open rfcomm channel to %s on channels 1-%d: %w", address, maxChannel, lastErr)
}
