package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"sync"
)

const qemuConfPath = "/etc/libvirt/qemu.conf"

var (
	qemuUID  string
	qemuGID  string
	qemuOnce sync.Once
	qemuErr  error
)

// GetQEMUUserGroup returns the UID and GID volumes should be owned by.
// It tries the user and group configured in qemu.conf, then the common
// qemu account names, then falls back to 107 with a non-nil error. The
// result is cached.
func GetQEMUUserGroup() (uid, gid string, err error) {
	qemuOnce.Do(func() {
		qemuUID, qemuGID, qemuErr = resolveQEMUUserGroup(qemuConfPath)
	})
	return qemuUID, qemuGID, qemuErr
}

func resolveQEMUUserGroup(confPath string) (string, string, error) {
	username, groupname := readQEMUConf(confPath)

	if username != "" {
		if u, err := user.Lookup(username); err == nil {
			gid := u.Gid
			if groupname != "" {
				if g, err := user.LookupGroup(groupname); err == nil {
					gid = g.Gid
				}
			}
			return u.Uid, gid, nil
		}
	}

	for _, name := range []string{"qemu", "libvirt-qemu"} {
		if u, err := user.Lookup(name); err == nil {
			return u.Uid, u.Gid, nil
		}
	}

	return "107", "107", fmt.Errorf("could not determine QEMU user/group, using fallback UID/GID 107")
}

func readQEMUConf(path string) (username, groupname string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer func() { _ = f.Close() }()
	return parseQEMUConf(f)
}

// parseQEMUConf extracts the user and group settings from qemu.conf.
func parseQEMUConf(r io.Reader) (username, groupname string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}
	return username, groupname
}
