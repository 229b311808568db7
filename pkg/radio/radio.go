// Package radio holds the adapters behind central.Radio.
package radio

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"ble-central/pkg/central"
	"ble-central/pkg/config"
)

var (
	ErrRadioUnsupported      = errors.New("radio not supported on this platform")
	ErrUnknownPeripheral     = errors.New("unknown peripheral")
	ErrNotConnected          = errors.New("peripheral not connected")
	ErrUnknownService        = errors.New("unknown service")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
	ErrClosed                = errors.New("radio closed")
)

// Open builds the radio selected in the config.
func Open(cfg *config.Config, log logrus.FieldLogger) (central.Radio, error) {
	switch cfg.Radio {
	case config.RadioGatt:
		return OpenGatt(log)
	case config.RadioSim:
		s, err := NewSim(cfg.Sim, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrRadioUnsupported, cfg.Radio)
	}
}

type charKey struct {
	id      central.PeripheralID
	service string
	uuid    string
}

func keyOf(id central.PeripheralID, c central.Characteristic) charKey {
	return charKey{id: id, service: c.ServiceUUID, uuid: c.UUID}
}
