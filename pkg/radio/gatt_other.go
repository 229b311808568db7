//go:build !linux && !darwin

package radio

import (
	"github.com/sirupsen/logrus"

	"ble-central/pkg/central"
)

// OpenGatt is only available on Linux and macOS. Use the sim radio elsewhere.
func OpenGatt(log logrus.FieldLogger) (central.Radio, error) {
	return nil, ErrRadioUnsupported
}
