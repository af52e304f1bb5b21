// Package strategy holds the entry-signal generators. A strategy sees one
// indicator frame per new closed bar and emits at most one signal.
package strategy

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/amuzetnoM/herald/internal/indicator"
	"github.com/amuzetnoM/herald/internal/models"
)

// Strategy is the capability the control loop invokes on every new bar.
type Strategy interface {
	// Name identifies the strategy in signals, logs, and trade records.
	Name() string
	// RequiredIndicators lists the columns this strategy reads, so the
	// pipeline can be built without duplicating config.
	RequiredIndicators() []indicator.Spec
	// OnBar inspects the latest frame and returns a signal or nil.
	OnBar(frame *indicator.Frame) (*models.Signal, error)
}

// New builds the configured strategy by type tag.
func New(typ string, params map[string]interface{}, logger *logrus.Logger) (Strategy, error) {
	switch typ {
	case "sma_crossover":
		return NewSMACrossover(params, logger)
	default:
		return nil, fmt.Errorf("strategy: unknown type %q", typ)
	}
}
