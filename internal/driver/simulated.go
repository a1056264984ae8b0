package driver

import (
	"github.com/SimplyPrint/pcsc-agent/internal/driver/sim"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// Sim is the in-process resource manager with a demo reader. Auto never
// selects it.
const Sim = "sim"

func init() {
	Register(Sim, -1, func() (pcsc.Driver, error) {
		return sim.NewDemo(), nil
	})
}
