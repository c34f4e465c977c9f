package server

import (
	"github.com/bard-backup/bard/internal/authz"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/protocol"
)

func (d *Dispatcher) registerPasswordCommands() {
	d.register("decryptPasswordAdd", maskAuthorized, d.cmdDecryptPasswordAdd)
	d.register("cryptPassword", maskAuthorized, d.cmdCryptPassword)
	d.register("ftpPassword", maskAuthorized, d.cmdFTPPassword)
	d.register("sshPassword", maskAuthorized, d.cmdSSHPassword)
	d.register("webdavPassword", maskAuthorized, d.cmdWebDAVPassword)
	d.register("passwordsClear", maskAuthorized, d.cmdPasswordsClear)

	d.register("volumeLoad", maskAuthorized, d.cmdVolumeLoad)
	d.register("volumeUnload", maskAuthorized, d.cmdVolumeUnload)
}

// decryptPasswordArg recovers the password argument of one password
// command via the session credential encoding.
func (d *Dispatcher) decryptPasswordArg(c *Ctx) (string, error) {
	encrypted, err := c.Cmd.Args.String("encryptedPassword")
	if err != nil {
		return "", err
	}
	if d.deps.Classifier == nil {
		return "", protocol.Errorf(protocol.CodeFunctionNotSupported, "no session key")
	}
	encryptType := authz.EncryptType(c.Cmd.Args.StringDefault("encryptType", "RSA"))
	return d.deps.Classifier.DecryptCredential(encryptType, encrypted)
}

// cmdDecryptPasswordAdd appends one restore decrypt candidate. Restores
// try the session candidates in arrival order.
func (d *Dispatcher) cmdDecryptPasswordAdd(c *Ctx) (*protocol.Result, error) {
	password, err := d.decryptPasswordArg(c)
	if err != nil {
		return nil, err
	}
	c.S.creds.mu.Lock()
	c.S.creds.decrypt = append(c.S.creds.decrypt, password)
	c.S.creds.mu.Unlock()
	return nil, nil
}

func (d *Dispatcher) cmdCryptPassword(c *Ctx) (*protocol.Result, error) {
	password, err := d.decryptPasswordArg(c)
	if err != nil {
		return nil, err
	}
	c.S.creds.mu.Lock()
	c.S.creds.crypt = password
	c.S.creds.mu.Unlock()
	if d.deps.Updater != nil {
		d.deps.Updater.SetCryptPassword(password)
	}
	return nil, nil
}

func (d *Dispatcher) cmdFTPPassword(c *Ctx) (*protocol.Result, error) {
	password, err := d.decryptPasswordArg(c)
	if err != nil {
		return nil, err
	}
	c.S.creds.mu.Lock()
	c.S.creds.ftp = password
	c.S.creds.mu.Unlock()
	return nil, nil
}

func (d *Dispatcher) cmdSSHPassword(c *Ctx) (*protocol.Result, error) {
	password, err := d.decryptPasswordArg(c)
	if err != nil {
		return nil, err
	}
	c.S.creds.mu.Lock()
	c.S.creds.ssh = password
	c.S.creds.mu.Unlock()
	return nil, nil
}

func (d *Dispatcher) cmdWebDAVPassword(c *Ctx) (*protocol.Result, error) {
	password, err := d.decryptPasswordArg(c)
	if err != nil {
		return nil, err
	}
	c.S.creds.mu.Lock()
	c.S.creds.webdav = password
	c.S.creds.mu.Unlock()
	return nil, nil
}

func (d *Dispatcher) cmdPasswordsClear(c *Ctx) (*protocol.Result, error) {
	c.S.creds.clear()
	return nil, nil
}

// cmdVolumeLoad answers a pending volume request: the requested volume is
// now loaded, the run may continue.
func (d *Dispatcher) cmdVolumeLoad(c *Ctx) (*protocol.Result, error) {
	number, err := c.Cmd.Args.Uint("volumeNumber")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.IsActive() {
			return protocol.Errorf(protocol.CodeJobNotFound, "job is not running")
		}
		j.Running.VolumeNumber = int(number)
		j.Running.VolumeRequest = jobs.VolumeRequestOk
		return nil
	})
	return nil, err
}

// cmdVolumeUnload asks the run to release the current volume.
func (d *Dispatcher) cmdVolumeUnload(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		if !j.IsActive() {
			return protocol.Errorf(protocol.CodeJobNotFound, "job is not running")
		}
		j.Running.VolumeUnloadFlag = true
		return nil
	})
	return nil, err
}
