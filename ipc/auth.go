package ipc

import (
	"net"
	"os"
	"os/user"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

// Credentials identify the process on the other end of a socket.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// CredentialsFunc reads the peer credentials of a connection.
type CredentialsFunc func(net.Conn) (Credentials, error)

// PeerCredentials reads SO_PEERCRED from a unix socket connection.
func PeerCredentials(conn net.Conn) (Credentials, error) {
	const op = "ipc.PeerCredentials"

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Credentials{}, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "not a unix socket"}
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return Credentials{}, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Credentials{}, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	if credErr != nil {
		return Credentials{}, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: credErr}
	}
	return Credentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}

// authorizer decides which peers are trusted with the full interface.
type authorizer struct {
	self     uint32
	adminGID uint32
	hasAdmin bool
	log      *zap.Logger
}

func newAuthorizer(group string, log *zap.Logger) *authorizer {
	a := &authorizer{self: uint32(os.Getuid()), log: log}
	if group == "" {
		return a
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		log.Warn("Administrative group not found, only root is trusted",
			zap.String("group", group), zap.Error(err))
		return a
	}
	gid, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		log.Warn("Administrative group has a non-numeric id",
			zap.String("group", group), zap.String("gid", g.Gid))
		return a
	}
	a.adminGID, a.hasAdmin = uint32(gid), true
	return a
}

// trusted reports whether cred belongs to root, to our own user or to a
// member of the administrative group.
func (a *authorizer) trusted(cred Credentials) bool {
	if cred.UID == 0 || cred.UID == a.self {
		return true
	}
	if !a.hasAdmin {
		return false
	}
	if cred.GID == a.adminGID {
		return true
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(cred.UID), 10))
	if err != nil {
		return false
	}
	groups, err := u.GroupIds()
	if err != nil {
		a.log.Debug("Could not list groups", zap.String("user", u.Username), zap.Error(err))
		return false
	}
	want := strconv.FormatUint(uint64(a.adminGID), 10)
	for _, g := range groups {
		if g == want {
			return true
		}
	}
	return false
}

// username returns the account name of uid, or its number when the
// account is unknown.
func username(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}
