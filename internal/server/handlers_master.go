package server

import (
	"strings"
	"time"

	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/pairing"
	"github.com/bard-backup/bard/internal/protocol"
)

func (d *Dispatcher) registerMasterCommands() {
	d.register("masterGet", maskAuthorized, d.cmdMasterGet)
	d.register("masterClear", maskClient, d.cmdMasterClear)
	d.register("masterPairingStart", maskClient, d.cmdMasterPairingStart)
	d.register("masterPairingStop", maskClient, d.cmdMasterPairingStop)
	d.register("masterPairingStatus", maskAuthorized, d.cmdMasterPairingStatus)
}

func (d *Dispatcher) requireSlaveMode() error {
	if d.deps.Config.Get().Mode != config.ModeSlave {
		return protocol.Errorf(protocol.CodeNotASlave, "not running in slave mode")
	}
	return nil
}

func (d *Dispatcher) cmdMasterGet(c *Ctx) (*protocol.Result, error) {
	if err := d.requireSlaveMode(); err != nil {
		return nil, err
	}
	master := d.deps.Config.Get().Master
	if !master.IsPaired() {
		return nil, protocol.Errorf(protocol.CodeNotPaired, "no master paired")
	}
	return c.OK().Put("name", master.Name), nil
}

func (d *Dispatcher) cmdMasterClear(c *Ctx) (*protocol.Result, error) {
	if err := d.requireSlaveMode(); err != nil {
		return nil, err
	}
	if d.deps.Pairing == nil {
		return nil, protocol.Errorf(protocol.CodeFunctionNotSupported, "pairing not available")
	}
	if err := d.deps.Pairing.ClearPaired(); err != nil {
		return nil, protocol.Errorf(protocol.CodeFail, "%v", err)
	}
	return nil, nil
}

func (d *Dispatcher) cmdMasterPairingStart(c *Ctx) (*protocol.Result, error) {
	if err := d.requireSlaveMode(); err != nil {
		return nil, err
	}
	if d.deps.Pairing == nil {
		return nil, protocol.Errorf(protocol.CodeFunctionNotSupported, "pairing not available")
	}
	mode := pairing.ModeManual
	switch strings.ToUpper(c.Cmd.Args.StringDefault("mode", "MANUAL")) {
	case "AUTO":
		mode = pairing.ModeAuto
	case "MANUAL":
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid pairing mode")
	}
	minutes, err := c.Cmd.Args.UintDefault("timeout", 10)
	if err != nil {
		return nil, err
	}
	d.deps.Pairing.Begin(mode, time.Duration(minutes)*time.Minute)
	return nil, nil
}

// cmdMasterPairingStop ends a pairing request: pair=yes confirms the
// captured identity, pair=no (or absent) discards it.
func (d *Dispatcher) cmdMasterPairingStop(c *Ctx) (*protocol.Result, error) {
	if err := d.requireSlaveMode(); err != nil {
		return nil, err
	}
	if d.deps.Pairing == nil {
		return nil, protocol.Errorf(protocol.CodeFunctionNotSupported, "pairing not available")
	}
	pair, err := c.Cmd.Args.BoolDefault("pair", false)
	if err != nil {
		return nil, err
	}
	if err := d.deps.Pairing.Confirm(pair); err != nil {
		return nil, protocol.Errorf(protocol.CodeFail, "%v", err)
	}
	return nil, nil
}

func (d *Dispatcher) cmdMasterPairingStatus(c *Ctx) (*protocol.Result, error) {
	if err := d.requireSlaveMode(); err != nil {
		return nil, err
	}
	if d.deps.Pairing == nil {
		return nil, protocol.Errorf(protocol.CodeFunctionNotSupported, "pairing not available")
	}
	mode, name, rest := d.deps.Pairing.Status()
	res := c.OK().Put("mode", mode.String())
	if name != "" {
		res.Put("name", name)
	}
	if rest > 0 {
		res.Put("restTime", int64(rest.Seconds()))
	}
	return res, nil
}
