package sandbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// jail_set(2) flags and ip4/ip6 values from <sys/jail.h>.
const (
	jailCreate = 0x01
	jailUpdate = 0x02
	jailAttach = 0x04

	jailSysDisable = 0
	jailSysInherit = 2
)

// JailJailer confines the process in a FreeBSD jail rooted at the sandbox
// root.
type JailJailer struct {
	logger *zap.Logger
	jid    int
}

// NewJailJailer creates a JailJailer.
func NewJailJailer(logger *zap.Logger) *JailJailer {
	return &JailJailer{logger: logger, jid: -1}
}

// Name implements Jailer.
func (j *JailJailer) Name() string {
	return "jail"
}

// Prepare implements Jailer.
func (j *JailJailer) Prepare(*Context) error {
	return nil
}

// Create implements Jailer. The jail persists until Attach, after which it
// lives as long as its last process.
func (j *JailJailer) Create(ictx *Context) error {
	p := &jailParams{}
	p.str("name", ictx.Name)
	p.str("path", ictx.Root)
	p.str("host.hostname", ictx.Name)
	p.flag("persist")
	p.flag("allow.noraw_sockets")
	p.flag("allow.socket_af")
	p.int32("ip4", jailSysInherit)
	p.int32("ip6", jailSysInherit)

	jid, err := p.set(jailCreate)
	if err != nil {
		return err
	}
	j.jid = jid
	j.logger.Debug("jail created", zap.String("name", ictx.Name), zap.Int("jid", jid))
	return nil
}

// Network implements Jailer. An isolated jail has no address family
// besides local sockets.
func (j *JailJailer) Network(_ *Context, isolate bool) error {
	if !isolate {
		return nil
	}
	p := &jailParams{}
	p.int32("jid", int32(j.jid))
	p.int32("ip4", jailSysDisable)
	p.int32("ip6", jailSysDisable)
	if _, err := p.set(jailUpdate); err != nil {
		return fmt.Errorf("disable jail network: %w", err)
	}
	return nil
}

// Attach implements Jailer.
func (j *JailJailer) Attach(ictx *Context) error {
	p := &jailParams{}
	p.int32("jid", int32(j.jid))
	p.flag("nopersist")
	if _, err := p.set(jailUpdate | jailAttach); err != nil {
		return err
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir: %w", err)
	}
	j.logger.Info("attached to jail", zap.String("name", ictx.Name), zap.Int("jid", j.jid))
	return nil
}

// Detach implements Jailer.
func (j *JailJailer) Detach(*Context) error {
	return errors.New("jail attach is irreversible")
}

// Destroy implements Jailer.
func (j *JailJailer) Destroy(ictx *Context) error {
	if j.jid < 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_JAIL_REMOVE, uintptr(j.jid), 0, 0)
	if errno != 0 && errno != unix.ESRCH && errno != unix.EINVAL {
		return fmt.Errorf("jail_remove %d: %w", j.jid, errno)
	}
	j.logger.Debug("jail removed", zap.String("name", ictx.Name), zap.Int("jid", j.jid))
	j.jid = -1
	return nil
}

// jailParams builds the name/value iovec pairs jail_set(2) takes.
type jailParams struct {
	bufs [][]byte
}

func (p *jailParams) add(name string, value []byte) {
	p.bufs = append(p.bufs, append([]byte(name), 0), value)
}

func (p *jailParams) str(name, value string) {
	p.add(name, append([]byte(value), 0))
}

// flag adds a boolean parameter, given by name alone.
func (p *jailParams) flag(name string) {
	p.add(name, nil)
}

func (p *jailParams) int32(name string, value int32) {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, uint32(value))
	p.add(name, b)
}

func (p *jailParams) set(flags int) (int, error) {
	errmsg := make([]byte, 256)
	p.str("errmsg", "")
	p.bufs[len(p.bufs)-1] = errmsg

	iov := make([]unix.Iovec, len(p.bufs))
	for i, b := range p.bufs {
		if len(b) == 0 {
			continue
		}
		iov[i].Base = &b[0]
		iov[i].SetLen(len(b))
	}

	jid, _, errno := unix.Syscall(unix.SYS_JAIL_SET,
		uintptr(unsafe.Pointer(&iov[0])), uintptr(len(iov)), uintptr(flags))
	runtime.KeepAlive(p.bufs)
	if errno != 0 {
		if msg := unix.ByteSliceToString(errmsg); msg != "" {
			return -1, fmt.Errorf("jail_set: %s: %w", msg, errno)
		}
		return -1, fmt.Errorf("jail_set: %w", errno)
	}
	return int(jid), nil
}
