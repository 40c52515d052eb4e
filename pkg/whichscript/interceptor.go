package whichscript

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/DrSkyle/whichscript/pkg/engine"
	"github.com/DrSkyle/whichscript/pkg/engine/policy"
	"github.com/DrSkyle/whichscript/pkg/engine/provenance"
)

// Interceptor is an afero.Fs that tracks qualifying opens and delegates
// everything else to the registry's base filesystem unchanged.
type Interceptor struct {
	reg *Registry
}

var _ afero.Fs = (*Interceptor)(nil)

func (i *Interceptor) base() afero.Fs {
	return i.reg.state().base
}

func (i *Interceptor) Name() string { return "whichscript" }

func (i *Interceptor) Create(name string) (afero.File, error) {
	return i.openFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (i *Interceptor) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	return i.openFile(name, flag, perm)
}

func (i *Interceptor) openFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	st := i.reg.state()
	if st.engine == nil {
		return st.base.OpenFile(name, flag, perm)
	}

	reason := st.engine.Classify(name, flag)
	if reason != policy.Tracked {
		if reason == policy.ReasonRuleError {
			st.logger.Warn("output rule failed; not tracking", "output", name)
		}
		return st.base.OpenFile(name, flag, perm)
	}

	// Identify the writer now; its bytes are read once the write completes.
	script := provenance.CallerScript(0)

	f, err := st.base.OpenFile(name, flag, perm)
	if err != nil {
		return f, err
	}
	return &trackedFile{
		File:   f,
		engine: st.engine,
		hooks:  st.hooks,
		req: engine.Request{
			Output:     name,
			Script:     script,
			OpenParams: &provenance.OpenParams{Flag: FlagString(flag), Perm: perm.String()},
		},
	}, nil
}

func (i *Interceptor) Open(name string) (afero.File, error) { return i.base().Open(name) }

func (i *Interceptor) Mkdir(name string, perm os.FileMode) error { return i.base().Mkdir(name, perm) }

func (i *Interceptor) MkdirAll(path string, perm os.FileMode) error {
	return i.base().MkdirAll(path, perm)
}

func (i *Interceptor) Remove(name string) error { return i.base().Remove(name) }

func (i *Interceptor) RemoveAll(path string) error { return i.base().RemoveAll(path) }

func (i *Interceptor) Rename(oldname, newname string) error {
	return i.base().Rename(oldname, newname)
}

func (i *Interceptor) Stat(name string) (os.FileInfo, error) { return i.base().Stat(name) }

func (i *Interceptor) Chmod(name string, mode os.FileMode) error { return i.base().Chmod(name, mode) }

func (i *Interceptor) Chown(name string, uid, gid int) error { return i.base().Chown(name, uid, gid) }

func (i *Interceptor) Chtimes(name string, atime, mtime time.Time) error {
	return i.base().Chtimes(name, atime, mtime)
}

// trackedFile runs the provenance pipeline after the first successful Close.
type trackedFile struct {
	afero.File

	engine *engine.Engine
	hooks  []ReportHook
	req    engine.Request

	mu     sync.Mutex
	closed bool
	report *engine.Report
}

func (f *trackedFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return f.File.Close()
	}
	f.closed = true

	if err := f.File.Close(); err != nil {
		return err
	}

	report := f.engine.Track(context.Background(), f.req)
	f.report = &report
	for _, hook := range f.hooks {
		hook(report)
	}
	return nil
}

// Report returns the tracking report once Close has succeeded.
func (f *trackedFile) Report() (engine.Report, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.report == nil {
		return engine.Report{}, false
	}
	return *f.report, true
}

var flagNames = []struct {
	bit  int
	name string
}{
	{os.O_APPEND, "O_APPEND"},
	{os.O_CREATE, "O_CREATE"},
	{os.O_EXCL, "O_EXCL"},
	{os.O_SYNC, "O_SYNC"},
	{os.O_TRUNC, "O_TRUNC"},
}

// FlagString renders an open flag as the os constants it combines, e.g.
// "O_WRONLY|O_CREATE|O_TRUNC".
func FlagString(flag int) string {
	var parts []string
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		parts = append(parts, "O_WRONLY")
	case os.O_RDWR:
		parts = append(parts, "O_RDWR")
	default:
		parts = append(parts, "O_RDONLY")
	}
	for _, f := range flagNames {
		if flag&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}
