package app

import (
	"zbackup/internal/backup"
	"zbackup/internal/config"
	"zbackup/internal/zfs"
)

// selectTargets returns the named targets in config order, or every target
// when names is empty.
func (a *App) selectTargets(names []string) ([]*config.TargetConfig, error) {
	if len(names) == 0 {
		targets := make([]*config.TargetConfig, 0, len(a.cfg.Targets))
		for i := range a.cfg.Targets {
			targets = append(targets, &a.cfg.Targets[i])
		}
		return targets, nil
	}

	selected := make(map[string]bool, len(names))
	for _, name := range names {
		if a.cfg.FindTarget(name) == nil {
			return nil, &backup.ConfigurationError{Target: name, Reason: "unknown target"}
		}
		selected[name] = true
	}

	var targets []*config.TargetConfig
	for i := range a.cfg.Targets {
		if selected[a.cfg.Targets[i].Name] {
			targets = append(targets, &a.cfg.Targets[i])
		}
	}
	return targets, nil
}

// resolveFilesystem maps a target name to its filesystem. Anything else is
// taken to be a filesystem name.
func (a *App) resolveFilesystem(name string) string {
	if tc := a.cfg.FindTarget(name); tc != nil {
		return tc.Filesystem
	}
	return name
}

// buildTarget turns a target config into a backup.Target with its source
// and intervals resolved.
func (a *App) buildTarget(tc *config.TargetConfig) (backup.Target, error) {
	intervals, err := a.cfg.TargetIntervals(tc)
	if err != nil {
		return backup.Target{}, &backup.ConfigurationError{Target: tc.Name, Reason: err.Error()}
	}

	target := backup.Target{
		Name:        tc.Name,
		Filesystem:  tc.Filesystem,
		Snapshot:    tc.Snapshot,
		Incremental: tc.Incremental,
		Create:      tc.Create,
		Send: backup.SendOptions{
			Raw:        tc.Raw,
			Compressed: tc.Compressed,
			LargeBlock: tc.LargeBlock,
			Dedup:      tc.Dedup,
			Properties: tc.Properties,
		},
		Receive:          backup.ReceiveOptions{Force: tc.Force},
		Intervals:        intervals,
		IncludeUnmanaged: tc.IncludeUnmanaged,
	}
	if tc.Source != "" {
		target.Source = a.newSource(tc.Source)
	}
	return target, nil
}

// newSource returns the sender of "pool/fs" (local) or "host:pool/fs" (ssh).
func (a *App) newSource(source string) backup.Source {
	host, filesystem := zfs.ParseSource(source)
	if host == "" {
		return a.service.LocalSource(filesystem)
	}
	invoker := &zfs.SSHInvoker{
		SSH:          a.cfg.ZFS.SSH,
		Host:         host,
		ConfigFile:   a.cfg.ZFS.SSHConfigFile,
		IdentityFile: a.cfg.ZFS.SSHIdentityFile,
		Logger:       a.logger,
	}
	return zfs.NewRemoteSource(invoker, filesystem, a.logger)
}
