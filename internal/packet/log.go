package packet

import "github.com/btcsuite/btclog/v2"

// log is this package's subsystem logger. It defaults to a disabled sink so
// importing packet never produces output until the host binary wires a real
// logger in via UseLogger, matching the teacher's convention in
// internal/baselib/actor (spec.md Design Notes, "Global singletons").
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
