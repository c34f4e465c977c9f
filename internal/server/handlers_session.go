package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/protocol"
)

func (d *Dispatcher) registerSessionCommands() {
	// startTLS, authorize, abort, and quit are handled on the session's
	// reader thread; they never reach the worker pool.
	d.register("version", maskAny, d.cmdVersion)
	d.register("errorInfo", maskAny, d.cmdErrorInfo)
	d.register("actionResult", maskAuthorized, d.cmdActionResult)
}

func (d *Dispatcher) registerGlobalCommands() {
	d.register("status", maskAuthorized, d.cmdStatus)
	d.register("pause", maskAuthorized, d.cmdPause)
	d.register("suspend", maskAuthorized, d.cmdSuspend)
	d.register("continue", maskAuthorized, d.cmdContinue)
	d.register("maintenance", maskAuthorized, d.cmdMaintenance)
	d.register("serverOptionList", maskAuthorized, d.cmdServerOptionList)
	d.register("serverOptionGet", maskAuthorized, d.cmdServerOptionGet)
	d.register("serverOptionSet", maskAuthorized, d.cmdServerOptionSet)
	d.register("serverOptionFlush", maskAuthorized, d.cmdServerOptionFlush)
	d.register("serverList", maskAuthorized, d.cmdServerList)
	d.register("serverListAdd", maskAuthorized, d.cmdServerListAdd)
	d.register("serverListUpdate", maskAuthorized, d.cmdServerListUpdate)
	d.register("serverListRemove", maskAuthorized, d.cmdServerListRemove)
	d.register("maintenanceList", maskAuthorized, d.cmdMaintenanceList)
	d.register("maintenanceListAdd", maskAuthorized, d.cmdMaintenanceListAdd)
	d.register("maintenanceListUpdate", maskAuthorized, d.cmdMaintenanceListUpdate)
	d.register("maintenanceListRemove", maskAuthorized, d.cmdMaintenanceListRemove)
}

// cmdVersion advertises the protocol version, the server mode, and the
// session public key a client encrypts credentials with.
func (d *Dispatcher) cmdVersion(c *Ctx) (*protocol.Result, error) {
	opts := d.deps.Config.Get()
	res := c.OK().
		Put("major", protocol.VersionMajor).
		Put("minor", protocol.VersionMinor).
		Put("mode", string(opts.Mode))
	if d.deps.Classifier != nil {
		res.Put("publicKey", d.deps.Classifier.PublicKey())
	}
	return res, nil
}

// cmdErrorInfo maps an error code to its symbolic name.
func (d *Dispatcher) cmdErrorInfo(c *Ctx) (*protocol.Result, error) {
	code, err := c.Cmd.Args.Int("errorCode")
	if err != nil {
		return nil, err
	}
	return c.OK().Put("name", protocol.Code(code).String()), nil
}

// cmdActionResult acknowledges the reply to a server-initiated prompt.
// Volume prompts travel through volumeLoad/volumeUnload; other prompts
// have no pending action to resolve.
func (d *Dispatcher) cmdActionResult(c *Ctx) (*protocol.Result, error) {
	return c.OK(), nil
}

func (d *Dispatcher) cmdStatus(c *Ctx) (*protocol.Result, error) {
	opts := d.deps.Config.Get()
	res := c.OK().
		Put("mode", string(opts.Mode)).
		Put("hostname", d.deps.Hostname)
	if !d.deps.StartedAt.IsZero() {
		res.Put("uptime", int64(time.Since(d.deps.StartedAt).Seconds()))
	}
	if d.deps.Flags != nil {
		modes, until := d.deps.Flags.Status()
		res.Put("pause", modes.String())
		if !until.IsZero() {
			res.Put("pauseEnd", until.UTC().Format(time.RFC3339))
		}
	}
	if d.deps.List != nil {
		if err := d.deps.List.RLock(0); err == nil {
			res.Put("jobCount", d.deps.List.Len()).
				Put("activeJobCount", d.deps.List.ActiveCount())
			d.deps.List.RUnlock()
		}
	}
	res.Put("maintenance", opts.IsMaintenanceTime(time.Now()))
	return res, nil
}

// parsePauseModes maps the wire "modes" argument onto pause flags;
// missing means all.
func parsePauseModes(args protocol.Args) (pause.Mode, error) {
	s, ok := args["modes"]
	if !ok {
		return pause.ModeAll, nil
	}
	m, ok := pause.ParseModes(s)
	if !ok {
		return 0, protocol.Errorf(protocol.CodeInvalidValue, "invalid pause modes %q", s)
	}
	return m, nil
}

func (d *Dispatcher) cmdPause(c *Ctx) (*protocol.Result, error) {
	modes, err := parsePauseModes(c.Cmd.Args)
	if err != nil {
		return nil, err
	}
	minutes, err := c.Cmd.Args.UintDefault("time", 60)
	if err != nil {
		return nil, err
	}
	d.deps.Flags.Pause(modes, time.Duration(minutes)*time.Minute)
	return nil, nil
}

func (d *Dispatcher) cmdSuspend(c *Ctx) (*protocol.Result, error) {
	modes, err := parsePauseModes(c.Cmd.Args)
	if err != nil {
		return nil, err
	}
	d.deps.Flags.Suspend(modes)
	return nil, nil
}

func (d *Dispatcher) cmdContinue(c *Ctx) (*protocol.Result, error) {
	d.deps.Flags.Continue()
	return nil, nil
}

// cmdMaintenance forces one housekeeping pass outside the window.
func (d *Dispatcher) cmdMaintenance(c *Ctx) (*protocol.Result, error) {
	if d.deps.Keeper != nil {
		d.deps.Keeper.RunOnce()
	}
	if d.deps.Scanner != nil {
		d.deps.Scanner.Wake()
	}
	if d.deps.Updater != nil {
		d.deps.Updater.Wake()
	}
	return nil, nil
}

func (d *Dispatcher) cmdServerOptionList(c *Ctx) (*protocol.Result, error) {
	opts := d.deps.Config.Get()
	for _, name := range config.OptionNames() {
		value, _ := opts.OptionGet(name)
		c.Emit(c.Row().Put("name", name).Put("value", value))
	}
	return nil, nil
}

func (d *Dispatcher) cmdServerOptionGet(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	opts := d.deps.Config.Get()
	value, ok := opts.OptionGet(name)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeUnknownValue, "unknown option %q", name)
	}
	return c.OK().Put("value", value), nil
}

func (d *Dispatcher) cmdServerOptionSet(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	value, err := c.Cmd.Args.String("value")
	if err != nil {
		return nil, err
	}
	var serr error
	d.deps.Config.Update(func(o *config.Options) {
		serr = o.OptionSet(name, value)
	})
	if serr != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "%v", serr)
	}
	return nil, nil
}

func (d *Dispatcher) cmdServerOptionFlush(c *Ctx) (*protocol.Result, error) {
	if err := d.deps.Config.Flush(); err != nil {
		return nil, protocol.Errorf(protocol.CodeFail, "%v", err)
	}
	return nil, nil
}

func (d *Dispatcher) cmdServerList(c *Ctx) (*protocol.Result, error) {
	opts := d.deps.Config.Get()
	for _, srv := range opts.Servers {
		c.Emit(c.Row().
			Put("id", srv.ID).
			Put("name", srv.Name).
			Put("port", srv.Port).
			Put("tlsMode", srv.TLSMode))
	}
	return nil, nil
}

func (d *Dispatcher) cmdServerListAdd(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	port, err := c.Cmd.Args.UintDefault("port", 38523)
	if err != nil {
		return nil, err
	}
	tlsMode := strings.ToUpper(c.Cmd.Args.StringDefault("tlsMode", "TRY"))
	switch tlsMode {
	case "NONE", "TRY", "FORCE":
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid TLS mode %q", tlsMode)
	}
	var id int
	d.deps.Config.Update(func(o *config.Options) {
		id = o.AddServer(name, int(port), tlsMode)
	})
	return c.OK().Put("id", id), nil
}

// cmdServerListUpdate edits a server entry in place; absent arguments keep
// their current value.
func (d *Dispatcher) cmdServerListUpdate(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	var tlsMode string
	if v, ok := c.Cmd.Args["tlsMode"]; ok {
		tlsMode = strings.ToUpper(v)
		switch tlsMode {
		case "NONE", "TRY", "FORCE":
		default:
			return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid TLS mode %q", tlsMode)
		}
	}
	port, err := c.Cmd.Args.UintDefault("port", 0)
	if err != nil {
		return nil, err
	}

	found := false
	d.deps.Config.Update(func(o *config.Options) {
		srv := o.FindServer(int(id))
		if srv == nil {
			return
		}
		found = true
		if name, ok := c.Cmd.Args["name"]; ok {
			srv.Name = name
		}
		if port != 0 {
			srv.Port = int(port)
		}
		if tlsMode != "" {
			srv.TLSMode = tlsMode
		}
	})
	if !found {
		return nil, protocol.Errorf(protocol.CodeServerIdNotFound, "no server entry %d", id)
	}
	return nil, nil
}

func (d *Dispatcher) cmdServerListRemove(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	removed := false
	d.deps.Config.Update(func(o *config.Options) {
		removed = o.RemoveServer(int(id))
	})
	if !removed {
		return nil, protocol.Errorf(protocol.CodeServerIdNotFound, "no server entry %d", id)
	}
	return nil, nil
}

func (d *Dispatcher) cmdMaintenanceList(c *Ctx) (*protocol.Result, error) {
	opts := d.deps.Config.Get()
	for _, w := range opts.Maintenance {
		c.Emit(c.Row().
			Put("id", w.ID).
			Put("maintenance", w.String()))
	}
	return nil, nil
}

func (d *Dispatcher) cmdMaintenanceListAdd(c *Ctx) (*protocol.Result, error) {
	spec, err := c.Cmd.Args.String("maintenance")
	if err != nil {
		return nil, err
	}
	w, perr := config.ParseMaintenance(spec)
	if perr != nil {
		return nil, protocol.Errorf(protocol.CodeParseMaintenance, "%v", perr)
	}
	var id int
	d.deps.Config.Update(func(o *config.Options) {
		id = o.AddMaintenance(w)
	})
	return c.OK().Put("id", id), nil
}

// cmdMaintenanceListUpdate reparses the window spec into an existing entry,
// keeping its id.
func (d *Dispatcher) cmdMaintenanceListUpdate(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	spec, err := c.Cmd.Args.String("maintenance")
	if err != nil {
		return nil, err
	}
	w, perr := config.ParseMaintenance(spec)
	if perr != nil {
		return nil, protocol.Errorf(protocol.CodeParseMaintenance, "%v", perr)
	}

	found := false
	d.deps.Config.Update(func(o *config.Options) {
		entry := o.FindMaintenance(int(id))
		if entry == nil {
			return
		}
		found = true
		w.ID = entry.ID
		*entry = w
	})
	if !found {
		return nil, protocol.Errorf(protocol.CodeMaintenanceIdNotFound, "no maintenance entry %d", id)
	}
	return nil, nil
}

func (d *Dispatcher) cmdMaintenanceListRemove(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	removed := false
	d.deps.Config.Update(func(o *config.Options) {
		removed = o.RemoveMaintenance(int(id))
	})
	if !removed {
		return nil, protocol.Errorf(protocol.CodeMaintenanceIdNotFound, "no maintenance entry %d", id)
	}
	return nil, nil
}

// formatID renders an integer id for the wire.
func formatID(id int64) string { return strconv.FormatInt(id, 10) }
