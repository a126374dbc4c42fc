package server

import (
	"errors"
	"log/slog"

	"github.com/MrWong99/livelab/pkg/audio/wsdevice"
)

// volumeSlot holds the most recent input level until the socket writer takes
// it. Only the latest level matters to the meter, so offer never blocks the
// bridge loop on a slow browser.
type volumeSlot chan float64

func newVolumeSlot() volumeSlot { return make(volumeSlot, 1) }

// offer replaces any level not yet written with level. It must have a single
// caller at a time.
func (v volumeSlot) offer(level float64) {
	for {
		select {
		case v <- level:
			return
		default:
		}
		select {
		case <-v:
		default:
		}
	}
}

// pump writes offered levels to dev until the socket goes away.
func (v volumeSlot) pump(dev *wsdevice.Device, log *slog.Logger) {
	for {
		select {
		case <-dev.Done():
			return
		case level := <-v:
			if err := dev.SendVolume(level); err != nil && !errors.Is(err, wsdevice.ErrClosed) {
				log.Debug("push volume", "err", err)
			}
		}
	}
}
